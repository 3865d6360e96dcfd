package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordCommand("RollingDeploy", "SUCCESS", time.Second)
	m.RecordRemoteCall("UpdateService", time.Millisecond)
	m.RecordSyncRun("ECS", "t1", "SUCCESS", 3)
	m.RecordHostsUnreachable(2)

	var nilMetrics *Metrics
	nilMetrics.RecordRemoteError("UpdateService", "transient")
	nilMetrics.RecordSteadyStatePoll("stable")
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", ListenAddress: ":0"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordCommand("RollingDeploy", "SUCCESS", time.Second)
	m.RecordCommand("RollingDeploy", "SUCCESS", time.Second)
	m.RecordRemoteError("UpdateService", "transient")
	m.RecordSyncRun("PDC", "task-1", "SUCCESS", 2)
	m.RecordHostsUnreachable(1)

	if got := testutil.ToFloat64(m.commandsTotal.WithLabelValues("RollingDeploy", "SUCCESS")); got != 2 {
		t.Errorf("Expected 2 commands, got %v", got)
	}
	if got := testutil.ToFloat64(m.remoteErrors.WithLabelValues("UpdateService", "transient")); got != 1 {
		t.Errorf("Expected 1 remote error, got %v", got)
	}
	if got := testutil.ToFloat64(m.syncInstances.WithLabelValues("task-1")); got != 2 {
		t.Errorf("Expected 2 instances, got %v", got)
	}
	if got := testutil.ToFloat64(m.hostsUnreachable); got != 1 {
		t.Errorf("Expected 1 unreachable host, got %v", got)
	}
	if m.Registry() == nil {
		t.Error("Expected a private registry")
	}
}
