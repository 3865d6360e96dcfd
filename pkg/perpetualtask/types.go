// Package perpetualtask runs the periodic instance-sync tasks of the delegate agent.
//
// An Executor performs one observation for a task: it decodes the task params, lists
// what is actually running on the infrastructure, and publishes an InstanceSyncResult
// on every path, including failures. Executors never panic outward and never return
// an error; the outcome is carried by the Response and the published result.
//
// The Scheduler runs registered tasks on a fixed cadence with bounded concurrency,
// and the Dispatcher routes a task type to its executor.
package perpetualtask

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
)

// Response codes of a task run.
const (
	ResponseCodeOK     = 200
	ResponseCodeFailed = 500
)

// Response is the outcome of one task run as reported to the task service.
type Response struct {
	ResponseCode    int    `json:"response_code"`
	ResponseMessage string `json:"response_message"`
}

// OK reports whether the run succeeded end to end.
func (r Response) OK() bool {
	return r.ResponseCode == ResponseCodeOK
}

// Executor runs one instance-sync observation.
type Executor interface {
	// RunOnce observes the infrastructure described by params and publishes the result.
	RunOnce(ctx context.Context, taskID string, params []byte, heartbeat time.Time) Response

	// Cleanup releases task-scoped resources. Executors hold none between runs.
	Cleanup(taskID string, params []byte) bool
}

// InstanceSyncResult is what a run publishes.
type InstanceSyncResult struct {
	ID           string                            `json:"id"`
	TaskID       string                            `json:"task_id"`
	Kind         instancesync.InfrastructureKind   `json:"kind"`
	Status       engine.CommandExecutionStatus     `json:"status"`
	ErrorMessage string                            `json:"error_message,omitempty"`
	Instances    []instancesync.ServerInstanceInfo `json:"instances"`
	Heartbeat    time.Time                         `json:"heartbeat"`
	ObservedAt   time.Time                         `json:"observed_at"`
}

func newResult(taskID string, kind instancesync.InfrastructureKind, heartbeat time.Time) *InstanceSyncResult {
	return &InstanceSyncResult{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Kind:      kind,
		Instances: []instancesync.ServerInstanceInfo{},
		Heartbeat: heartbeat,
	}
}
