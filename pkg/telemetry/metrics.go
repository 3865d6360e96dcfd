package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for command handlers and instance sync.
// A zero or disabled Metrics is a valid no-op.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Remote call metrics
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	remoteErrors   *prometheus.CounterVec

	// Steady-state wait metrics
	steadyStatePolls *prometheus.CounterVec

	// Instance sync metrics
	syncRuns         *prometheus.CounterVec
	syncInstances    *prometheus.GaugeVec
	hostsUnreachable prometheus.Counter

	// Scheduler metrics
	activeTasks prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of command handler executions",
			},
			[]string{"command", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of command handler executions in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of remote provider calls",
			},
			[]string{"operation"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		remoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_errors_total",
				Help:      "Total number of remote provider errors by class",
			},
			[]string{"operation", "class"},
		),

		steadyStatePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steady_state_polls_total",
				Help:      "Total number of steady-state describe polls",
			},
			[]string{"wait"},
		),

		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_sync_runs_total",
				Help:      "Total number of instance sync runs",
			},
			[]string{"kind", "status"},
		),
		syncInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instance_sync_instances",
				Help:      "Instances reported by the last sync run of a task",
			},
			[]string{"task_id"},
		),
		hostsUnreachable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_unreachable_total",
				Help:      "Total number of recorded hosts found unreachable",
			},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduled_tasks",
				Help:      "Current number of scheduled perpetual tasks",
			},
		),
	}

	registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.remoteCalls,
		m.remoteDuration,
		m.remoteErrors,
		m.steadyStatePolls,
		m.syncRuns,
		m.syncInstances,
		m.hostsUnreachable,
		m.activeTasks,
	)

	return m, nil
}

// Command Metrics

// RecordCommand records a completed command handler execution.
func (m *Metrics) RecordCommand(command, status string, duration time.Duration) {
	if m == nil || m.commandsTotal == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Remote Call Metrics

// RecordRemoteCall records a remote provider call with its duration.
func (m *Metrics) RecordRemoteCall(operation string, duration time.Duration) {
	if m == nil || m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation).Inc()
	m.remoteDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRemoteError records a classified remote error.
func (m *Metrics) RecordRemoteError(operation, class string) {
	if m == nil || m.remoteErrors == nil {
		return
	}
	m.remoteErrors.WithLabelValues(operation, class).Inc()
}

// RecordSteadyStatePoll records one describe poll of a bounded wait.
func (m *Metrics) RecordSteadyStatePoll(wait string) {
	if m == nil || m.steadyStatePolls == nil {
		return
	}
	m.steadyStatePolls.WithLabelValues(wait).Inc()
}

// Instance Sync Metrics

// RecordSyncRun records one instance sync run and the number of instances it reported.
func (m *Metrics) RecordSyncRun(kind, taskID, status string, instances int) {
	if m == nil || m.syncRuns == nil {
		return
	}
	m.syncRuns.WithLabelValues(kind, status).Inc()
	m.syncInstances.WithLabelValues(taskID).Set(float64(instances))
}

// RecordHostsUnreachable adds n unreachable hosts.
func (m *Metrics) RecordHostsUnreachable(n int) {
	if m == nil || m.hostsUnreachable == nil || n <= 0 {
		return
	}
	m.hostsUnreachable.Add(float64(n))
}

// Scheduler Metrics

// SetScheduledTasks sets the current number of scheduled perpetual tasks.
func (m *Metrics) SetScheduledTasks(count int) {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Set(float64(count))
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
