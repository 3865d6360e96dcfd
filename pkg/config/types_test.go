package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
)

const sampleAgentConfig = `
telemetry:
  service_name: deployagent-test
  logging:
    level: debug
    format: json
  tracing:
    enabled: false
    exporter: none
  metrics:
    enabled: true
    namespace: deploycore
    listen_address: ":9464"
    path: /metrics
  log_stream:
    buffer_size: 64
    close_timeout: 5s
publisher:
  kind: nats
  url: nats://localhost:4222
  subject: sync.results
scheduler:
  interval: 30s
  parallelism: 4
store:
  path: /var/lib/deployagent/state.db
infrastructures:
  prod-ecs:
    kind: ECS
    region: us-east-1
    cluster: prod
  lab-hosts:
    kind: PDC
    region: local
tasks:
  - id: web-sync
    type: ECS_INSTANCE_SYNC_NG
    infra: prod-ecs
    interval: 2m
    params:
      services:
        - service_name: web
  - id: lab-sync
    type: PDC_INSTANCE_SYNC_NG
    infra: lab-hosts
    params:
      port: 22
      hosts: [10.0.0.1, 10.0.0.2]
`

func TestParseAgentConfig(t *testing.T) {
	cfg, err := ParseAgentConfig([]byte(sampleAgentConfig))
	if err != nil {
		t.Fatalf("expected config to parse, got %v", err)
	}

	if cfg.Telemetry.ServiceName != "deployagent-test" {
		t.Errorf("expected service name deployagent-test, got %s", cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.LogStream.CloseTimeout != 5*time.Second {
		t.Errorf("expected close timeout 5s, got %s", cfg.Telemetry.LogStream.CloseTimeout)
	}
	if cfg.Publisher.Kind != "nats" || cfg.Publisher.URL != "nats://localhost:4222" {
		t.Errorf("unexpected publisher %+v", cfg.Publisher)
	}
	if cfg.Publisher.ConnectTimeout != 5*time.Second {
		t.Errorf("expected default connect timeout to survive, got %s", cfg.Publisher.ConnectTimeout)
	}
	if cfg.Scheduler.Parallelism != 4 {
		t.Errorf("expected parallelism 4, got %d", cfg.Scheduler.Parallelism)
	}
	if cfg.Scheduler.RunTimeout != 2*time.Minute {
		t.Errorf("expected default run timeout, got %s", cfg.Scheduler.RunTimeout)
	}
	if len(cfg.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(cfg.Tasks))
	}

	web, ok := cfg.Task("web-sync")
	if !ok {
		t.Fatal("expected task web-sync")
	}
	if got := cfg.TaskInterval(web); got != 2*time.Minute {
		t.Errorf("expected task interval 2m, got %s", got)
	}
	lab, _ := cfg.Task("lab-sync")
	if got := cfg.TaskInterval(lab); got != 30*time.Second {
		t.Errorf("expected scheduler interval 30s, got %s", got)
	}
	if _, ok := cfg.Task("missing"); ok {
		t.Error("expected missing task lookup to fail")
	}
}

func TestTaskParams(t *testing.T) {
	cfg, err := ParseAgentConfig([]byte(sampleAgentConfig))
	if err != nil {
		t.Fatalf("expected config to parse, got %v", err)
	}

	lab, _ := cfg.Task("lab-sync")
	data, err := cfg.TaskParams(lab)
	if err != nil {
		t.Fatalf("expected params, got %v", err)
	}

	var params struct {
		Port  int                `json:"port"`
		Hosts []string           `json:"hosts"`
		Infra engine.InfraConfig `json:"infra"`
	}
	if err := json.Unmarshal(data, &params); err != nil {
		t.Fatalf("params are not valid json: %v", err)
	}

	if params.Port != 22 || len(params.Hosts) != 2 {
		t.Errorf("unexpected params %+v", params)
	}
	if params.Infra.Kind != "PDC" || params.Infra.InfraKey != "lab-hosts" {
		t.Errorf("expected infra bound with key lab-hosts, got %+v", params.Infra)
	}

	if _, ok := lab.Params["infra"]; ok {
		t.Error("expected task params to be left untouched")
	}
}

func TestAgentConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "nats without url",
			yaml: "publisher:\n  kind: nats\n  subject: x\n",
		},
		{
			name: "unknown publisher kind",
			yaml: "publisher:\n  kind: kafka\n  subject: x\n",
		},
		{
			name: "zero parallelism",
			yaml: "scheduler:\n  parallelism: 0\n",
		},
		{
			name: "interval too short",
			yaml: "scheduler:\n  interval: 10ms\n",
		},
		{
			name: "task without id",
			yaml: "infrastructures:\n  a: {kind: ECS, region: r}\ntasks:\n  - type: ECS_INSTANCE_SYNC_NG\n    infra: a\n",
		},
		{
			name: "duplicate task ids",
			yaml: "infrastructures:\n  a: {kind: ECS, region: r}\ntasks:\n  - {id: t, type: X, infra: a}\n  - {id: t, type: Y, infra: a}\n",
		},
		{
			name: "unknown infrastructure",
			yaml: "tasks:\n  - {id: t, type: X, infra: nope}\n",
		},
		{
			name: "infrastructure without region",
			yaml: "infrastructures:\n  a: {kind: ECS}\n",
		},
		{
			name: "bad telemetry exporter",
			yaml: "telemetry:\n  tracing:\n    enabled: true\n    exporter: zipkin\n",
		},
		{
			name: "malformed yaml",
			yaml: "publisher: [\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAgentConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsInvalidArguments(err) {
				t.Fatalf("expected invalid arguments, got %v", err)
			}
		})
	}
}

func TestDefaultAgentConfigIsValid(t *testing.T) {
	if err := DefaultAgentConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadAgentConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(sampleAgentConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Store.Path != "/var/lib/deployagent/state.db" {
		t.Errorf("unexpected store path %s", cfg.Store.Path)
	}

	if _, err := LoadAgentConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}
