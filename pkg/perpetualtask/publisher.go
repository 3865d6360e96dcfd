package perpetualtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openfroyo/deploycore/pkg/config"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// Publisher delivers sync results to the result channel.
type Publisher interface {
	Publish(ctx context.Context, result *InstanceSyncResult) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, result *InstanceSyncResult) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, result *InstanceSyncResult) error {
	return f(ctx, result)
}

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSPublisher publishes results as JSON to <subject>.<taskID>.
type NATSPublisher struct {
	conn         natsConn
	subject      string
	flushTimeout time.Duration
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, flushTimeout: 5 * time.Second}
}

// ConnectNATS opens the connection configured for the result channel.
func ConnectNATS(cfg config.PublisherConfig) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Subject returns the subject a task's results are published to.
func (p *NATSPublisher) Subject(taskID string) string {
	return p.subject + "." + taskID
}

// Publish implements Publisher. The connection is flushed so a result that returns
// nil has reached the server.
func (p *NATSPublisher) Publish(_ context.Context, result *InstanceSyncResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode sync result: %w", err)
	}

	subject := p.Subject(result.TaskID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", subject, err)
	}
	if err := p.conn.FlushTimeout(p.flushTimeout); err != nil {
		return fmt.Errorf("failed to flush %q: %w", subject, err)
	}
	return nil
}

// LogPublisher writes results to the structured log. It is the result channel when
// no broker is configured.
type LogPublisher struct {
	logger *telemetry.Logger
}

// NewLogPublisher creates a log publisher.
func NewLogPublisher(logger *telemetry.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.NewComponentLogger("sync-results")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, result *InstanceSyncResult) error {
	l := p.logger.WithTaskID(result.TaskID).WithFields(map[string]interface{}{
		"result_id": result.ID,
		"kind":      string(result.Kind),
		"status":    string(result.Status),
		"instances": len(result.Instances),
	})
	if result.ErrorMessage != "" {
		l.WithField("error_message", result.ErrorMessage).Warn("instance sync result")
		return nil
	}
	l.Info("instance sync result")
	return nil
}

// MultiPublisher publishes to every publisher and joins their errors.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ctx context.Context, result *InstanceSyncResult) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryPublisher keeps results in memory.
type MemoryPublisher struct {
	mu      sync.Mutex
	results []*InstanceSyncResult

	// Err, when set, is returned by every Publish after the result is recorded.
	Err error
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, result *InstanceSyncResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	return p.Err
}

// Results returns the published results in order.
func (p *MemoryPublisher) Results() []*InstanceSyncResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*InstanceSyncResult, len(p.results))
	copy(out, p.results)
	return out
}

// Last returns the most recent result, or nil.
func (p *MemoryPublisher) Last() *InstanceSyncResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	return p.results[len(p.results)-1]
}
