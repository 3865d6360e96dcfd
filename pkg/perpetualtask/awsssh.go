package perpetualtask

import (
	"context"
	"time"

	"github.com/openfroyo/deploycore/pkg/ecsclient"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// AWSSSHExecutor reports the running fleet instances that are among the deployed hosts.
type AWSSSHExecutor struct {
	client    *ecsclient.Client
	publisher Publisher
}

// NewAWSSSHExecutor creates an AWS SSH/WinRM executor.
func NewAWSSSHExecutor(client *ecsclient.Client, publisher Publisher) *AWSSSHExecutor {
	return &AWSSSHExecutor{client: client, publisher: publisher}
}

// RunOnce implements Executor.
func (e *AWSSSHExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeat time.Time) Response {
	return syncRun(ctx, e.publisher, taskID, instancesync.TaskTypeSSHWinRMAWS, instancesync.KindSSHWinRMAWS, heartbeat,
		func(ctx context.Context, ic *telemetry.InstrumentedContext) ([]instancesync.ServerInstanceInfo, error) {
			var p instancesync.AWSSSHTaskParams
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if err := checkKind(p.Infra, instancesync.KindSSHWinRMAWS); err != nil {
				return nil, err
			}

			instances, err := e.client.ListFleetInstances(ctx, p.Infra, ecsclient.FleetFilter{
				AutoScalingGroup: p.AutoScalingGroup,
				VpcID:            p.VpcID,
				Tags:             p.Tags,
			})
			if err != nil {
				return nil, err
			}

			deployed := make(map[string]bool, len(p.Hosts))
			for _, h := range p.Hosts {
				deployed[h] = true
			}

			var out []instancesync.ServerInstanceInfo
			for _, inst := range instances {
				info := instancesync.NewAWSSSHServerInstanceInfo(inst, p.Infra.Region, p.Infra.InfraKey, p.HostAttribute)
				if info.Host == "" || !deployed[info.Host] {
					continue
				}
				out = append(out, info)
			}
			ic.Logger.WithField("fleet", len(instances)).WithField("matched", len(out)).Debug("listed fleet instances")
			return out, nil
		})
}

// Cleanup implements Executor. It always succeeds.
func (e *AWSSSHExecutor) Cleanup(string, []byte) bool { return true }
