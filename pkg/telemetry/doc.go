// Package telemetry provides observability for the deployment core and its agent.
//
// It combines structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics and the execution log streamer behind one Telemetry value.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// # Execution logs
//
// Command handlers report progress through engine.LogCallback. The LogStreamer keeps one
// bounded channel and one consumer goroutine per stream key, so a slow stream never holds
// up another one:
//
//	key := telemetry.NewStreamKey()
//	cb := telemetry.NewStreamCallback(tel.LogStream, key, "Deploy")
//	engine.Info(cb, "Updating service %s", name)
//	_ = tel.LogStream.Close(ctx, key) // returns after every line reached the sink
//
// # Metrics
//
// Metrics live in a private registry. Every Record method is safe on a nil or disabled
// *Metrics, so libraries can accept an optional collector.
//
//	commands_total{command,status}
//	command_duration_seconds{command}
//	remote_calls_total{operation}
//	remote_errors_total{operation,class}
//	steady_state_polls_total{wait}
//	instance_sync_runs_total{kind,status}
//	instance_sync_instances{task_id}
//	hosts_unreachable_total
package telemetry
