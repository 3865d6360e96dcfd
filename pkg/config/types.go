package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// AgentConfig is the deploy agent's configuration file.
type AgentConfig struct {
	// Telemetry configures logging, tracing, metrics and the execution log stream.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Publisher configures where instance-sync results are sent.
	Publisher PublisherConfig `yaml:"publisher"`

	// Store configures agent-side persistence.
	Store StoreConfig `yaml:"store"`

	// Scheduler configures the perpetual task scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Infrastructures maps an infra key to its resolved connection facts.
	Infrastructures map[string]engine.InfraConfig `yaml:"infrastructures"`

	// Tasks lists the perpetual instance-sync tasks to run.
	Tasks []TaskConfig `yaml:"tasks" validate:"unique=ID,dive"`
}

// PublisherConfig configures the result channel.
type PublisherConfig struct {
	// Kind is nats or log.
	Kind string `yaml:"kind" validate:"required,oneof=nats log"`

	// URL is the NATS server URL.
	URL string `yaml:"url" validate:"required_if=Kind nats"`

	// Subject is the subject prefix; results go to <subject>.<task id>.
	Subject string `yaml:"subject" validate:"required"`

	// Name identifies the connection to the server.
	Name string `yaml:"name"`

	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	// Path is the database file. Empty disables persistence.
	Path string `yaml:"path"`
}

// SchedulerConfig configures perpetual task scheduling.
type SchedulerConfig struct {
	// Interval is the default cadence for tasks that do not set their own.
	Interval time.Duration `yaml:"interval" validate:"min=1s"`

	// Parallelism bounds how many task runs execute at once.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=1024"`

	// RunTimeout bounds a single task run. Zero means no bound.
	RunTimeout time.Duration `yaml:"run_timeout" validate:"min=0"`
}

// TaskConfig is one perpetual instance-sync task.
type TaskConfig struct {
	// ID is the stable task id.
	ID string `yaml:"id" validate:"required"`

	// Type is the perpetual task type (e.g. "ECS_INSTANCE_SYNC_NG").
	Type string `yaml:"type" validate:"required"`

	// Infra is the key of the infrastructure this task polls.
	Infra string `yaml:"infra" validate:"required"`

	// Interval overrides the scheduler's default cadence.
	Interval time.Duration `yaml:"interval" validate:"omitempty,min=1s"`

	// Params are the task-type specific parameters.
	Params map[string]interface{} `yaml:"params"`
}

// DefaultAgentConfig returns an agent configuration with default values.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Telemetry: *telemetry.DefaultConfig(),
		Publisher: PublisherConfig{
			Kind:           "log",
			Subject:        "deploycore.instancesync",
			Name:           "deployagent",
			ConnectTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Path: "deployagent.db",
		},
		Scheduler: SchedulerConfig{
			Interval:    10 * time.Minute,
			Parallelism: 10,
			RunTimeout:  2 * time.Minute,
		},
		Infrastructures: make(map[string]engine.InfraConfig),
	}
}

// LoadAgentConfig reads and validates the configuration file at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseAgentConfig(data)
}

// ParseAgentConfig parses YAML over the defaults and validates the result.
func ParseAgentConfig(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, engine.NewInvalidArgumentsError("failed to parse agent config", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross references between tasks and infrastructures.
func (c *AgentConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewInvalidArgumentsError("invalid agent config", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewInvalidArgumentsError("invalid telemetry config", err).
			WithCode(engine.ErrCodeValidation)
	}

	for key, infra := range c.Infrastructures {
		if err := infra.Validate(); err != nil {
			return engine.NewInvalidArgumentsError(fmt.Sprintf("infrastructure %q", key), err).
				WithCode(engine.ErrCodeValidation)
		}
	}

	for _, task := range c.Tasks {
		if _, ok := c.Infrastructures[task.Infra]; !ok {
			return engine.NewInvalidArgumentsError(
				fmt.Sprintf("task %q references unknown infrastructure %q", task.ID, task.Infra), nil).
				WithCode(engine.ErrCodeNotFound)
		}
	}
	return nil
}

// Task returns the task with the given id.
func (c *AgentConfig) Task(id string) (TaskConfig, bool) {
	for _, task := range c.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return TaskConfig{}, false
}

// TaskInterval returns the task's cadence, falling back to the scheduler default.
func (c *AgentConfig) TaskInterval(task TaskConfig) time.Duration {
	if task.Interval > 0 {
		return task.Interval
	}
	return c.Scheduler.Interval
}

// TaskParams serializes a task's parameters with its infrastructure bound under "infra".
// The infra key defaults to the map key when the entry does not set one.
func (c *AgentConfig) TaskParams(task TaskConfig) ([]byte, error) {
	infra, ok := c.Infrastructures[task.Infra]
	if !ok {
		return nil, engine.NewInvalidArgumentsError(
			fmt.Sprintf("task %q references unknown infrastructure %q", task.ID, task.Infra), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if infra.InfraKey == "" {
		infra.InfraKey = task.Infra
	}

	params := make(map[string]interface{}, len(task.Params)+1)
	for k, v := range task.Params {
		params[k] = v
	}
	params["infra"] = infra

	data, err := json.Marshal(params)
	if err != nil {
		return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("task %q params are not serializable", task.ID), err)
	}
	return data, nil
}
