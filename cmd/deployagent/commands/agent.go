package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openfroyo/deploycore/pkg/config"
	"github.com/openfroyo/deploycore/pkg/ecsclient"
	"github.com/openfroyo/deploycore/pkg/ecsdeploy"
	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/perpetualtask"
	"github.com/openfroyo/deploycore/pkg/stores"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// syncHistory is how many results per task the store keeps.
const syncHistory = 50

// agent holds the components every command builds from the config file.
type agent struct {
	cfg       *config.AgentConfig
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	store     *stores.SQLiteStore
	client    *ecsclient.Client
	nc        *nats.Conn
	publisher perpetualtask.Publisher
}

// newAgent loads the config and opens telemetry, the store and the result channel.
// The returned context carries the telemetry.
func newAgent(ctx context.Context, path string, withPublisher bool) (*agent, context.Context, error) {
	cfg, err := config.LoadAgentConfig(path)
	if err != nil {
		return nil, ctx, err
	}

	// Initialize telemetry before anything that logs
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	a := &agent{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("agent"),
		client: ecsclient.NewClient(&ecsclient.AWSSessionFactory{}, ecsclient.ClientConfig{Metrics: tel.Metrics}),
	}

	// Open store if configured
	if cfg.Store.Path != "" {
		a.store, err = stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
		if err != nil {
			a.close(ctx)
			return nil, ctx, err
		}
	}

	if withPublisher {
		if err := a.openPublisher(); err != nil {
			a.close(ctx)
			return nil, ctx, err
		}
	}
	return a, ctx, nil
}

func (a *agent) openPublisher() error {
	var pubs perpetualtask.MultiPublisher
	// Select result channel
	switch a.cfg.Publisher.Kind {
	case "nats":
		nc, err := perpetualtask.ConnectNATS(a.cfg.Publisher)
		if err != nil {
			return err
		}
		a.nc = nc
		pubs = append(pubs, perpetualtask.NewNATSPublisher(nc, a.cfg.Publisher.Subject))
	default:
		pubs = append(pubs, perpetualtask.NewLogPublisher(a.tel.Logger))
	}
	// Keep a local history alongside the channel
	if a.store != nil {
		pubs = append(pubs, &storePublisher{store: a.store, keep: syncHistory})
	}
	a.publisher = pubs
	return nil
}

// close releases everything newAgent opened.
func (a *agent) close(ctx context.Context) {
	// Flush pending results before closing the store they are mirrored to
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.WithError(err).Warn("failed to drain NATS connection")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}

	// Flush spans and metrics even when ctx is already cancelled
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("telemetry shutdown failed")
	}
}

// dispatcher binds one executor to every registered infrastructure kind.
func (a *agent) dispatcher() (*perpetualtask.Dispatcher, error) {
	registry := instancesync.DefaultRegistry()
	d := perpetualtask.NewDispatcher(registry)

	executors := map[instancesync.InfrastructureKind]perpetualtask.Executor{
		instancesync.KindECS:              perpetualtask.NewECSExecutor(a.client, a.publisher),
		instancesync.KindSSHWinRMAWS:      perpetualtask.NewAWSSSHExecutor(a.client, a.publisher),
		instancesync.KindPDC:              perpetualtask.NewPDCExecutor(a.publisher, nil),
		instancesync.KindCustomDeployment: perpetualtask.NewCustomDeploymentExecutor(a.publisher, nil),
	}
	// Register an executor per handler kind
	for _, kind := range registry.Kinds() {
		if err := d.Register(kind, executors[kind]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// task builds the scheduled form of a configured task.
func (a *agent) task(tc config.TaskConfig) (perpetualtask.Task, error) {
	return buildTask(a.cfg, tc)
}

func buildTask(cfg *config.AgentConfig, tc config.TaskConfig) (perpetualtask.Task, error) {
	params, err := cfg.TaskParams(tc)
	if err != nil {
		return perpetualtask.Task{}, err
	}
	return perpetualtask.Task{
		ID:       tc.ID,
		Type:     tc.Type,
		Params:   params,
		Interval: cfg.TaskInterval(tc),
	}, nil
}

// infra resolves an infrastructure by key.
func (a *agent) infra(key string) (engine.InfraConfig, error) {
	infra, ok := a.cfg.Infrastructures[key]
	if !ok {
		return engine.InfraConfig{}, engine.NewInvalidArgumentsError(fmt.Sprintf("unknown infrastructure %q", key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	// Default infra key to the config key
	if infra.InfraKey == "" {
		infra.InfraKey = key
	}
	return infra, nil
}

// deployer builds a deployer over the agent's client.
func (a *agent) deployer() *ecsdeploy.Deployer {
	return ecsdeploy.NewDeployer(a.client, config.NewSchemaRegistry())
}

// logCallback streams a command's execution log through the telemetry log streamer.
func (a *agent) logCallback(commandUnit string) (engine.LogCallback, func(context.Context)) {
	key := telemetry.NewStreamKey()
	cb := telemetry.NewStreamCallback(a.tel.LogStream, key, commandUnit)
	return cb, func(ctx context.Context) {
		if err := a.tel.LogStream.Close(ctx, key); err != nil {
			a.logger.WithError(err).Debug("failed to close log stream")
		}
	}
}

func (a *agent) requireStore() error {
	if a.store == nil {
		return errors.New("no store configured (store.path is empty)")
	}
	return nil
}

// storePublisher records every published result in the store and trims old ones.
type storePublisher struct {
	store stores.Store
	keep  int
}

// Publish implements perpetualtask.Publisher.
func (p *storePublisher) Publish(ctx context.Context, result *perpetualtask.InstanceSyncResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode sync result: %w", err)
	}

	rec := &stores.SyncResultRecord{
		ID:            result.ID,
		TaskID:        result.TaskID,
		Kind:          string(result.Kind),
		Status:        string(result.Status),
		InstanceCount: len(result.Instances),
		Payload:       string(payload),
		Heartbeat:     result.Heartbeat,
		ObservedAt:    result.ObservedAt,
	}
	if result.ErrorMessage != "" {
		msg := result.ErrorMessage
		rec.ErrorMessage = &msg
	}
	if err := p.store.RecordSyncResult(ctx, rec); err != nil {
		return err
	}
	// Trim history
	if p.keep > 0 {
		if _, err := p.store.PruneSyncResults(ctx, result.TaskID, p.keep); err != nil {
			return err
		}
	}
	return nil
}
