package perpetualtask

import (
	"context"
	"time"

	"github.com/openfroyo/deploycore/pkg/ecsclient"
	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// ECSExecutor reports the running tasks of every service in the payload.
type ECSExecutor struct {
	client    *ecsclient.Client
	publisher Publisher
}

// NewECSExecutor creates an ECS executor.
func NewECSExecutor(client *ecsclient.Client, publisher Publisher) *ECSExecutor {
	return &ECSExecutor{client: client, publisher: publisher}
}

// RunOnce implements Executor.
func (e *ECSExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeat time.Time) Response {
	return syncRun(ctx, e.publisher, taskID, instancesync.TaskTypeECS, instancesync.KindECS, heartbeat,
		func(ctx context.Context, ic *telemetry.InstrumentedContext) ([]instancesync.ServerInstanceInfo, error) {
			var p instancesync.ECSTaskParams
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if err := checkKind(p.Infra, instancesync.KindECS); err != nil {
				return nil, err
			}
			if len(p.Services) == 0 {
				return nil, engine.NewInvalidArgumentsError("ECS task params list no services", nil).
					WithCode(engine.ErrCodeValidation)
			}

			var out []instancesync.ServerInstanceInfo
			for _, svc := range p.Services {
				infra := p.Infra
				if svc.Cluster != "" {
					infra.Cluster = svc.Cluster
				}
				tasks, err := e.client.ListServiceTasks(ctx, infra, svc.ServiceName)
				if err != nil {
					return nil, err
				}
				ic.Logger.WithField("service", svc.ServiceName).WithField("tasks", len(tasks)).Debug("listed service tasks")
				for _, task := range tasks {
					out = append(out, instancesync.NewECSServerInstanceInfo(task, infra.Region, infra.InfraKey, svc.ServiceName))
				}
			}
			return out, nil
		})
}

// Cleanup implements Executor. It always succeeds.
func (e *ECSExecutor) Cleanup(string, []byte) bool { return true }
