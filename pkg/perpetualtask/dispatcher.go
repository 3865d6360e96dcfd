package perpetualtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
)

// Dispatcher routes a perpetual task run to the executor of its infrastructure kind.
type Dispatcher struct {
	registry *instancesync.Registry

	mu        sync.RWMutex
	executors map[instancesync.InfrastructureKind]Executor
}

// NewDispatcher creates a dispatcher over registry. A nil registry uses the defaults.
func NewDispatcher(registry *instancesync.Registry) *Dispatcher {
	if registry == nil {
		registry = instancesync.DefaultRegistry()
	}
	return &Dispatcher{
		registry:  registry,
		executors: make(map[instancesync.InfrastructureKind]Executor),
	}
}

// Register binds an executor to kind. The kind must have a registered handler.
func (d *Dispatcher) Register(kind instancesync.InfrastructureKind, exec Executor) error {
	if exec == nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("nil executor for %s", kind), nil)
	}
	if _, err := d.registry.Get(kind); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.executors[kind]; ok {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("duplicate executor for %s", kind), nil)
	}
	d.executors[kind] = exec
	return nil
}

// executor resolves the executor for a task type.
func (d *Dispatcher) executor(taskType string) (Executor, error) {
	h, err := d.registry.ForTaskType(taskType)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	exec, ok := d.executors[h.InfrastructureKind()]
	if !ok {
		return nil, engine.NewInvalidArgumentsError(
			fmt.Sprintf("no executor registered for %s", h.InfrastructureKind()), nil).
			WithCode(engine.ErrCodeUnregisteredKind)
	}
	return exec, nil
}

// RunOnce executes one run of a task. An unknown task type is a failed run and
// nothing is published.
func (d *Dispatcher) RunOnce(ctx context.Context, taskType, taskID string, params []byte, heartbeat time.Time) Response {
	exec, err := d.executor(taskType)
	if err != nil {
		return Response{ResponseCode: ResponseCodeFailed, ResponseMessage: err.Error()}
	}
	return exec.RunOnce(ctx, taskID, params, heartbeat)
}

// Cleanup releases a task's resources. Unknown task types report false.
func (d *Dispatcher) Cleanup(taskType, taskID string, params []byte) bool {
	exec, err := d.executor(taskType)
	if err != nil {
		return false
	}
	return exec.Cleanup(taskID, params)
}
