package ecsdeploy

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// CanaryDeploy creates or updates the canary of the service named in the descriptor.
// The canary is an independent unit: it gets its own autoscaling resource id and is
// never part of the primary service's snapshot.
func (d *Deployer) CanaryDeploy(ctx context.Context, req CanaryDeployRequest, cb engine.LogCallback) (resp *DeployResponse, err error) {
	cb = logCallback(cb)
	ic := telemetry.StartCommand(ctx, "canary_deploy", unitName(req.CommandUnit, CommandUnitCanaryDeploy), handle(req.Infra, ""))
	ctx = ic.Ctx
	defer func() { ic.End(resp.Status, err) }()

	failed := func(err error) (*DeployResponse, error) {
		err = fail(ic, cb, "canary deploy", err)
		return &DeployResponse{Response: failure(err)}, err
	}

	st, err := d.parseDesired(req.ServiceDescriptorText, req.TaskDefinitionManifest, req.ScalableTargetManifests, req.ScalingPolicyManifests)
	if err != nil {
		return failed(err)
	}

	// Rename to the canary service
	canary := CanaryServiceName(aws.ToString(st.service.ServiceName))
	st.service.ServiceName = aws.String(canary)

	// Resolve desired count
	count := DefaultCanaryDesiredCount
	if req.DesiredCountOverride != nil {
		count = *req.DesiredCountOverride
	}
	if count < 0 {
		return failed(engine.NewInvalidArgumentsError("canary desired count must not be negative", nil).
			WithCode(engine.ErrCodeValidation))
	}
	st.service.DesiredCount = aws.Int32(count)
	engine.Info(cb, "Deploying canary service %s with desired count %d", canary, count)

	opts := applyOptions{timeout: timeoutOf(req.TimeoutMinutes)}
	if err := d.createOrUpdate(ctx, req.Infra, st, opts, cb); err != nil {
		return failed(err)
	}

	res, err := d.result(ctx, req.Infra, canary)
	if err != nil {
		return failed(err)
	}

	engine.Done(cb, "Deployed canary service %s with %d running task(s)", canary, len(res.Instances))
	return &DeployResponse{Response: success(), Result: res}, nil
}

// CanaryDelete deletes the canary of the service named in the descriptor and waits until
// it is inactive. A canary that does not exist or is not active is a success with no
// remote mutation, so retried deploys stay idempotent.
func (d *Deployer) CanaryDelete(ctx context.Context, req CanaryDeleteRequest, cb engine.LogCallback) (resp *CanaryDeleteResponse, err error) {
	cb = logCallback(cb)
	ic := telemetry.StartCommand(ctx, "canary_delete", unitName(req.CommandUnit, CommandUnitCanaryDelete), handle(req.Infra, ""))
	ctx = ic.Ctx
	defer func() { ic.End(resp.Status, err) }()

	var canary string
	failed := func(err error) (*CanaryDeleteResponse, error) {
		err = fail(ic, cb, "canary delete", err)
		return &CanaryDeleteResponse{Response: failure(err), CanaryServiceName: canary}, err
	}

	svc, err := d.parseService(req.ServiceDescriptorText)
	if err != nil {
		return failed(err)
	}
	canary = CanaryServiceName(aws.ToString(svc.ServiceName))

	engine.Info(cb, "Fetching canary service %s", canary)
	live, err := d.client.DescribeService(ctx, req.Infra, canary)
	if err != nil {
		return failed(err)
	}
	// Already gone
	if !isActive(live) {
		engine.Done(cb, "Canary service %s does not exist or is not active; nothing to delete", canary)
		return &CanaryDeleteResponse{Response: success(), CanaryServiceName: canary}, nil
	}

	engine.Info(cb, "Deleting canary service %s", canary)
	if _, err := d.client.DeleteService(ctx, req.Infra, canary, true); err != nil {
		return failed(err)
	}

	engine.Info(cb, "Waiting for canary service %s to become inactive", canary)
	if err := d.client.WaitUntilServicesInactive(ctx, req.Infra, canary, timeoutOf(req.TimeoutMinutes)); err != nil {
		return failed(err)
	}

	engine.Done(cb, "Deleted canary service %s", canary)
	return &CanaryDeleteResponse{Response: success(), CanaryServiceName: canary, Deleted: true}, nil
}
