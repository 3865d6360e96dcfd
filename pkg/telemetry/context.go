package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// Telemetry combines logging, tracing, metrics and the execution log streamer.
type Telemetry struct {
	Logger    *Logger
	Tracer    *Tracer
	Metrics   *Metrics
	LogStream *LogStreamer
	Config    *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		LogStream: NewLogStreamer(cfg.LogStream, NewZerologSink(logger)),
		Config:    cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes open log streams, then the tracer, then stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.LogStream.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.StopMetricsServer(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	metrics *Metrics
	command string
}

// StartCommand begins an instrumented command handler execution.
// Without telemetry in ctx it still returns a usable context with a default logger.
func StartCommand(ctx context.Context, command, commandUnit string, unit engine.DeployedUnitHandle) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:     ctx,
			Span:    trace.SpanFromContext(ctx),
			Logger:  FromContext(ctx).WithUnit(unit).WithField("command", command),
			Timer:   NewTimer(),
			command: command,
		}
	}

	spanCtx, span := tel.Tracer.StartCommandSpan(ctx, command, commandUnit, unit)

	logger := tel.Logger.WithUnit(unit).WithCommandUnit(commandUnit).WithField("command", command)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		Timer:   NewTimer(),
		metrics: tel.Metrics,
		command: command,
	}
}

// StartTask begins an instrumented perpetual task run.
func StartTask(ctx context.Context, taskID, taskType string) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(ctx),
			Logger: FromContext(ctx).WithTaskID(taskID).WithField("task_type", taskType),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartTaskSpan(ctx, taskID, taskType)
	logger := tel.Logger.WithTaskID(taskID).WithField("task_type", taskType)
	return &InstrumentedContext{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		Timer:   NewTimer(),
		metrics: tel.Metrics,
	}
}

// End finishes the operation. Command operations also record their status and duration.
func (ic *InstrumentedContext) End(status engine.CommandExecutionStatus, err error) {
	if ic.command != "" {
		ic.metrics.RecordCommand(ic.command, string(status), ic.Timer.Duration())
	}
	if ic.metrics == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// MetricsFromContext returns the metrics of the telemetry in ctx, or nil.
func MetricsFromContext(ctx context.Context) *Metrics {
	if tel := FromTelemetryContext(ctx); tel != nil {
		return tel.Metrics
	}
	return nil
}
