package ecsdeploy

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/snapshot"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// PrepareRollback snapshots the live service named in the descriptor together with its
// scalable targets and scaling policies. A service that does not exist or is not active
// yields a first-deployment snapshot.
//
// Autoscaling entries are best effort: one that cannot be listed or encoded is dropped,
// named in the snapshot's DegradedEntries and logged as a warning, unless
// FailOnPartialSnapshot is set.
func (d *Deployer) PrepareRollback(ctx context.Context, req PrepareRollbackRequest, cb engine.LogCallback) (resp *PrepareRollbackResponse, err error) {
	cb = logCallback(cb)
	ic := telemetry.StartCommand(ctx, "prepare_rollback", unitName(req.CommandUnit, CommandUnitPrepareRollback), handle(req.Infra, ""))
	ctx = ic.Ctx
	defer func() { ic.End(resp.Status, err) }()

	failed := func(err error) (*PrepareRollbackResponse, error) {
		err = fail(ic, cb, "prepare rollback", err)
		return &PrepareRollbackResponse{Response: failure(err)}, err
	}

	svc, err := d.parseService(req.ServiceDescriptorText)
	if err != nil {
		return failed(err)
	}
	name := aws.ToString(svc.ServiceName)
	unit := handle(req.Infra, name)

	engine.Info(cb, "Fetching service definition for %s", name)
	live, err := d.client.DescribeService(ctx, req.Infra, name)
	if err != nil {
		return failed(err)
	}

	// First deployment
	if !isActive(live) {
		engine.Done(cb, "Service %s does not exist or is not active; nothing to roll back to", name)
		return &PrepareRollbackResponse{Response: success(), Snapshot: snapshot.FirstDeployment(unit)}, nil
	}

	// Listing failures degrade the snapshot instead of failing it
	resourceID := snapshot.ResourceID(req.Infra.Cluster, name)
	var degraded []string
	var listLosses []error
	drop := func(entry string, err error) {
		degraded = append(degraded, entry)
		listLosses = append(listLosses, engine.NewPartialSnapshotLossError("dropped "+entry, err).WithResource(resourceID))
	}

	engine.Info(cb, "Fetching scalable targets for %s", resourceID)
	targets, err := d.client.ListScalableTargets(ctx, req.Infra, resourceID)
	if err != nil {
		drop("scalable_targets:"+resourceID, err)
		targets = []aastypes.ScalableTarget{}
	}

	engine.Info(cb, "Fetching scaling policies for %s", resourceID)
	policies, err := d.client.ListScalingPolicies(ctx, req.Infra, resourceID)
	if err != nil {
		drop("scaling_policies:"+resourceID, err)
		policies = []aastypes.ScalingPolicy{}
	}

	// Encode everything that was listed
	snap, losses, err := snapshot.Capture(unit, *live, targets, policies)
	if err != nil {
		return failed(err)
	}
	snap.DegradedEntries = append(degraded, snap.DegradedEntries...)
	losses = append(listLosses, losses...)

	for _, loss := range losses {
		engine.Warn(cb, "Rollback data is incomplete: %v", loss)
	}
	// Strict mode fails on the first loss
	if req.FailOnPartialSnapshot && len(losses) > 0 {
		return failed(losses[0])
	}

	engine.Done(cb, "Prepared rollback data for %s: %d scalable targets, %d scaling policies",
		name, len(snap.ScalableTargetDescriptors), len(snap.ScalingPolicyDescriptors))
	return &PrepareRollbackResponse{Response: success(), Snapshot: snap}, nil
}
