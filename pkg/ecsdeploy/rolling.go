package ecsdeploy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// RollingDeploy creates the service if it does not exist and updates it otherwise,
// waits for steady state and replaces its autoscaling configuration. It never rolls
// back on its own; a failure is reported and RollingRollback is a separate call.
func (d *Deployer) RollingDeploy(ctx context.Context, req RollingDeployRequest, cb engine.LogCallback) (resp *DeployResponse, err error) {
	cb = logCallback(cb)
	ic := telemetry.StartCommand(ctx, "rolling_deploy", unitName(req.CommandUnit, CommandUnitDeploy), handle(req.Infra, ""))
	ctx = ic.Ctx
	defer func() { ic.End(resp.Status, err) }()

	failed := func(err error) (*DeployResponse, error) {
		err = fail(ic, cb, "rolling deploy", err)
		return &DeployResponse{Response: failure(err)}, err
	}

	// Parse manifests before any remote call
	st, err := d.parseDesired(req.ServiceDescriptorText, req.TaskDefinitionManifest, req.ScalableTargetManifests, req.ScalingPolicyManifests)
	if err != nil {
		return failed(err)
	}
	name := aws.ToString(st.service.ServiceName)

	opts := applyOptions{
		forceNewDeployment: req.ForceNewDeployment,
		keepDesiredCount:   req.SameAsAlreadyRunningInstances,
		timeout:            timeoutOf(req.TimeoutMinutes),
	}
	if err := d.createOrUpdate(ctx, req.Infra, st, opts, cb); err != nil {
		return failed(err)
	}

	// Report the tasks now running
	res, err := d.result(ctx, req.Infra, name)
	if err != nil {
		return failed(err)
	}

	engine.Done(cb, "Deployed service %s with %d running task(s)", name, len(res.Instances))
	return &DeployResponse{Response: success(), Result: res}, nil
}

// RollingRollback replays a snapshot. A first-deployment snapshot performs no remote call.
// The snapshot's cluster is replaced by the live infra cluster before anything is applied.
// Any failure is final; there is no rollback of a rollback.
func (d *Deployer) RollingRollback(ctx context.Context, req RollingRollbackRequest, cb engine.LogCallback) (resp *DeployResponse, err error) {
	cb = logCallback(cb)
	var serviceName string
	if req.Snapshot != nil {
		serviceName = req.Snapshot.Unit.ServiceName
	}
	ic := telemetry.StartCommand(ctx, "rolling_rollback", unitName(req.CommandUnit, CommandUnitRollback), handle(req.Infra, serviceName))
	ctx = ic.Ctx
	defer func() { ic.End(resp.Status, err) }()

	failed := func(err error) (*DeployResponse, error) {
		err = fail(ic, cb, "rolling rollback", err)
		return &DeployResponse{Response: failure(err)}, err
	}

	if req.Snapshot == nil {
		return failed(engine.NewInvalidArgumentsError("rollback snapshot is required", nil).WithCode(engine.ErrCodeValidation))
	}

	// The descriptor is optional but must name the same service
	if req.ServiceDescriptorText != "" {
		svc, err := d.parseService(req.ServiceDescriptorText)
		if err != nil {
			return failed(err)
		}
		if got := aws.ToString(svc.ServiceName); serviceName != "" && got != serviceName {
			return failed(engine.NewInvalidArgumentsError(
				fmt.Sprintf("snapshot is for service %s, descriptor names %s", serviceName, got), nil).
				WithCode(engine.ErrCodeValidation))
		}
	}

	// Nothing existed before; leave whatever was created in place
	if req.Snapshot.IsFirstDeployment {
		engine.Done(cb, "Service %s did not exist before the deployment; nothing to roll back", serviceName)
		return &DeployResponse{
			Response: success(),
			Result: &DeployResult{
				Region:            req.Infra.Region,
				InfrastructureKey: req.Infra.InfraKey,
				ServiceName:       serviceName,
				Cluster:           req.Infra.Cluster,
			},
		}, nil
	}

	if captured := req.Snapshot.Unit.Cluster; captured != "" && captured != req.Infra.Cluster {
		engine.Warn(cb, "Snapshot was captured against cluster %s; restoring into %s", captured, req.Infra.Cluster)
	}

	// Decode snapshot against the live cluster
	restore, err := req.Snapshot.Decode(req.Infra.Cluster)
	if err != nil {
		return failed(err)
	}
	name := aws.ToString(restore.Service.ServiceName)

	st := &desiredState{service: restore.Service, targets: restore.Targets, policies: restore.Policies}
	engine.Info(cb, "Restoring service %s with %d scalable targets and %d scaling policies",
		name, len(st.targets), len(st.policies))

	// Force a new deployment so tasks pick up the restored definition
	opts := applyOptions{forceNewDeployment: true, timeout: timeoutOf(req.TimeoutMinutes)}
	if err := d.createOrUpdate(ctx, req.Infra, st, opts, cb); err != nil {
		return failed(err)
	}

	res, err := d.result(ctx, req.Infra, name)
	if err != nil {
		return failed(err)
	}

	engine.Done(cb, "Rolled back service %s to %s", name, aws.ToString(restore.Service.TaskDefinition))
	return &DeployResponse{Response: success(), Result: res}, nil
}
