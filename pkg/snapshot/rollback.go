package snapshot

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// RollbackSnapshot is the pre-change state of a deployed unit. A first-deployment
// snapshot carries no descriptors and replays as a no-op.
type RollbackSnapshot struct {
	Unit              engine.DeployedUnitHandle `json:"unit"`
	IsFirstDeployment bool                      `json:"is_first_deployment"`

	ServiceDescriptor         string   `json:"service_descriptor,omitempty"`
	ScalableTargetDescriptors []string `json:"scalable_target_descriptors,omitempty"`
	ScalingPolicyDescriptors  []string `json:"scaling_policy_descriptors,omitempty"`

	// DegradedEntries names the optional entries that could not be encoded and were
	// left out of the snapshot.
	DegradedEntries []string `json:"degraded_entries,omitempty"`

	CapturedAt time.Time `json:"captured_at"`
}

// FirstDeployment returns the snapshot for a unit that has nothing to restore.
func FirstDeployment(unit engine.DeployedUnitHandle) *RollbackSnapshot {
	return &RollbackSnapshot{
		Unit:              unit,
		IsFirstDeployment: true,
		CapturedAt:        time.Now().UTC(),
	}
}

// Capture encodes the live state of a unit. The service descriptor is mandatory; any
// scalable target or scaling policy that fails to encode is dropped from the snapshot
// and recorded in DegradedEntries. The returned losses are PartialSnapshotLoss errors,
// one per dropped entry.
func Capture(unit engine.DeployedUnitHandle, svc ecstypes.Service, targets []aastypes.ScalableTarget, policies []aastypes.ScalingPolicy) (*RollbackSnapshot, []error, error) {
	serviceText, err := EncodeService(ServiceFromDescribed(svc))
	if err != nil {
		return nil, nil, err
	}

	snap := &RollbackSnapshot{
		Unit:              unit,
		ServiceDescriptor: serviceText,
		CapturedAt:        time.Now().UTC(),
	}

	var losses []error
	for _, t := range targets {
		text, err := EncodeScalableTarget(TargetFromDescribed(t))
		if err != nil {
			entry := fmt.Sprintf("scalable_target:%s:%s", aws.ToString(t.ResourceId), t.ScalableDimension)
			snap.DegradedEntries = append(snap.DegradedEntries, entry)
			losses = append(losses, engine.NewPartialSnapshotLossError("dropped "+entry, err).WithResource(aws.ToString(t.ResourceId)))
			continue
		}
		snap.ScalableTargetDescriptors = append(snap.ScalableTargetDescriptors, text)
	}
	for _, p := range policies {
		text, err := EncodeScalingPolicy(PolicyFromDescribed(p))
		if err != nil {
			entry := fmt.Sprintf("scaling_policy:%s", aws.ToString(p.PolicyName))
			snap.DegradedEntries = append(snap.DegradedEntries, entry)
			losses = append(losses, engine.NewPartialSnapshotLossError("dropped "+entry, err).WithResource(aws.ToString(p.PolicyName)))
			continue
		}
		snap.ScalingPolicyDescriptors = append(snap.ScalingPolicyDescriptors, text)
	}
	return snap, losses, nil
}

// Restorable is a decoded snapshot ready to be re-applied.
type Restorable struct {
	Service  *ecs.CreateServiceInput
	Targets  []*applicationautoscaling.RegisterScalableTargetInput
	Policies []*applicationautoscaling.PutScalingPolicyInput
}

// Decode decodes every descriptor of a non-first-deployment snapshot and rebinds them to
// cluster: the service's cluster and every target's and policy's resource id are rewritten
// so the replay never touches the cluster the snapshot was captured against.
func (s *RollbackSnapshot) Decode(cluster string) (*Restorable, error) {
	if s.IsFirstDeployment {
		return nil, engine.NewInvalidArgumentsError("first-deployment snapshot has nothing to restore", nil)
	}

	svc, err := DecodeService(s.ServiceDescriptor)
	if err != nil {
		return nil, err
	}
	if cluster != "" {
		svc.Cluster = aws.String(cluster)
	}
	resourceID := ResourceID(cluster, aws.ToString(svc.ServiceName))

	r := &Restorable{Service: svc}
	for _, text := range s.ScalableTargetDescriptors {
		t, err := DecodeScalableTarget(text)
		if err != nil {
			return nil, err
		}
		if cluster != "" {
			t.ResourceId = aws.String(resourceID)
		}
		r.Targets = append(r.Targets, t)
	}
	for _, text := range s.ScalingPolicyDescriptors {
		p, err := DecodeScalingPolicy(text)
		if err != nil {
			return nil, err
		}
		if cluster != "" {
			p.ResourceId = aws.String(resourceID)
		}
		r.Policies = append(r.Policies, p)
	}
	return r, nil
}
