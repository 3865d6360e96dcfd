package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// LogLine is one execution log entry of a stream.
type LogLine struct {
	// StreamKey identifies the stream (one per command execution).
	StreamKey string `json:"stream_key"`

	// CommandUnit is the operator-facing step name.
	CommandUnit string `json:"command_unit"`

	// Seq is the per-stream sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// Timestamp is when the line was appended.
	Timestamp time.Time `json:"timestamp"`

	Message string                        `json:"message"`
	Level   engine.LogLevel               `json:"level"`
	Status  engine.CommandExecutionStatus `json:"status"`
}

// LogSink receives drained log lines. Lines of one stream arrive in append order.
type LogSink interface {
	Write(line LogLine) error
}

// LogSinkFunc adapts a function into a LogSink.
type LogSinkFunc func(line LogLine) error

// Write implements LogSink.
func (f LogSinkFunc) Write(line LogLine) error {
	return f(line)
}

// NewStreamKey returns a fresh stream key.
func NewStreamKey() string {
	return uuid.New().String()
}

// LogStreamer dispatches execution log lines through one bounded channel per stream key.
// Each stream has its own consumer goroutine; Close flushes a stream and returns only
// after every appended line has reached the sink.
type LogStreamer struct {
	config LogStreamConfig
	sink   LogSink

	mu      sync.Mutex
	streams map[string]*logStream
	stopped bool
}

type logStream struct {
	key   string
	lines chan LogLine
	done  chan struct{}
	seq   atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewLogStreamer creates a streamer draining into sink.
func NewLogStreamer(cfg LogStreamConfig, sink LogSink) *LogStreamer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	return &LogStreamer{
		config:  cfg,
		sink:    sink,
		streams: make(map[string]*logStream),
	}
}

// Append queues a line on the stream, opening the stream on first use.
// It blocks while the stream buffer is full.
func (ls *LogStreamer) Append(key, commandUnit, message string, level engine.LogLevel, status engine.CommandExecutionStatus) error {
	s, err := ls.stream(key)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("log stream %s is closed", key)
	}

	s.lines <- LogLine{
		StreamKey:   key,
		CommandUnit: commandUnit,
		Seq:         s.seq.Add(1),
		Timestamp:   time.Now(),
		Message:     message,
		Level:       level,
		Status:      status,
	}
	return nil
}

func (ls *LogStreamer) stream(key string) (*logStream, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.stopped {
		return nil, fmt.Errorf("log streamer stopped")
	}
	if s, ok := ls.streams[key]; ok {
		return s, nil
	}

	s := &logStream{
		key:   key,
		lines: make(chan LogLine, ls.config.BufferSize),
		done:  make(chan struct{}),
	}
	ls.streams[key] = s
	go ls.consume(s)
	return s, nil
}

// consume drains one stream until its channel is closed.
func (ls *LogStreamer) consume(s *logStream) {
	defer close(s.done)
	for line := range s.lines {
		if err := ls.sink.Write(line); err != nil {
			log.Warn().Err(err).Str("stream_key", s.key).Uint64("seq", line.Seq).Msg("log sink write failed")
		}
	}
}

// Close flushes the stream and waits for the acknowledgement from its consumer.
// Closing an unknown key is a no-op.
func (ls *LogStreamer) Close(ctx context.Context, key string) error {
	ls.mu.Lock()
	s, ok := ls.streams[key]
	if ok {
		delete(ls.streams, key)
	}
	ls.mu.Unlock()
	if !ok {
		return nil
	}
	return ls.closeStream(ctx, s)
}

func (ls *LogStreamer) closeStream(ctx context.Context, s *logStream) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.lines)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ls.config.CloseTimeout)
	defer cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("log stream %s flush timeout: %w", s.key, ctx.Err())
	}
}

// Shutdown stops accepting new streams and flushes every open one.
func (ls *LogStreamer) Shutdown(ctx context.Context) error {
	ls.mu.Lock()
	ls.stopped = true
	streams := make([]*logStream, 0, len(ls.streams))
	for key, s := range ls.streams {
		streams = append(streams, s)
		delete(ls.streams, key)
	}
	ls.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := ls.closeStream(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenStreams returns the number of streams not yet closed.
func (ls *LogStreamer) OpenStreams() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.streams)
}

// streamCallback binds a stream key and command unit to engine.LogCallback.
type streamCallback struct {
	streamer    *LogStreamer
	key         string
	commandUnit string
}

// NewStreamCallback returns an engine.LogCallback that appends to the given stream.
func NewStreamCallback(streamer *LogStreamer, key, commandUnit string) engine.LogCallback {
	return &streamCallback{streamer: streamer, key: key, commandUnit: commandUnit}
}

// SaveExecutionLog implements engine.LogCallback. Progress logging never fails the caller.
func (c *streamCallback) SaveExecutionLog(message string, level engine.LogLevel, status engine.CommandExecutionStatus) {
	if err := c.streamer.Append(c.key, c.commandUnit, message, level, status); err != nil {
		log.Debug().Err(err).Str("stream_key", c.key).Msg("dropped execution log line")
	}
}

// ZerologSink writes log lines as structured zerolog records.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink creates a sink on top of a telemetry logger.
func NewZerologSink(logger *Logger) *ZerologSink {
	return &ZerologSink{logger: logger.NewComponentLogger("execution_log").Zerolog()}
}

// Write implements LogSink.
func (s *ZerologSink) Write(line LogLine) error {
	var ev *zerolog.Event
	switch line.Level {
	case engine.LogLevelError:
		ev = s.logger.Error()
	case engine.LogLevelWarn:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	ev.Str("stream_key", line.StreamKey).
		Str("command_unit", line.CommandUnit).
		Uint64("seq", line.Seq).
		Str("status", string(line.Status)).
		Time("appended_at", line.Timestamp).
		Msg(line.Message)
	return nil
}
