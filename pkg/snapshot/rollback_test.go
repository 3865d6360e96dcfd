package snapshot

import (
	"math"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

var unitA = engine.DeployedUnitHandle{Cluster: "cluster-a", ServiceName: "web", Region: "us-east-1"}

func liveService() ecstypes.Service {
	return ecstypes.Service{
		ServiceName:    aws.String("web"),
		ClusterArn:     aws.String("cluster-a"),
		Status:         aws.String("ACTIVE"),
		DesiredCount:   2,
		TaskDefinition: aws.String("web:4"),
	}
}

func liveTarget() aastypes.ScalableTarget {
	return aastypes.ScalableTarget{
		ResourceId:        aws.String("service/cluster-a/web"),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		MinCapacity:       aws.Int32(1),
		MaxCapacity:       aws.Int32(5),
	}
}

func livePolicy(name string, target float64) aastypes.ScalingPolicy {
	return aastypes.ScalingPolicy{
		PolicyName:        aws.String(name),
		PolicyType:        aastypes.PolicyTypeTargetTrackingScaling,
		ResourceId:        aws.String("service/cluster-a/web"),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		TargetTrackingScalingPolicyConfiguration: &aastypes.TargetTrackingScalingPolicyConfiguration{
			TargetValue: aws.Float64(target),
		},
	}
}

func TestFirstDeployment(t *testing.T) {
	snap := FirstDeployment(unitA)
	if !snap.IsFirstDeployment {
		t.Fatal("Expected first deployment")
	}
	if snap.ServiceDescriptor != "" || snap.ScalableTargetDescriptors != nil || snap.ScalingPolicyDescriptors != nil {
		t.Fatalf("Expected all descriptors unset, got %+v", snap)
	}
	if _, err := snap.Decode("cluster-b"); !engine.IsInvalidArguments(err) {
		t.Fatalf("Expected invalid arguments decoding a first-deployment snapshot, got %v", err)
	}
}

func TestCapture(t *testing.T) {
	snap, losses, err := Capture(unitA, liveService(),
		[]aastypes.ScalableTarget{liveTarget()},
		[]aastypes.ScalingPolicy{livePolicy("cpu", 60)})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(losses) != 0 {
		t.Fatalf("Expected no losses, got %v", losses)
	}
	if snap.IsFirstDeployment || snap.ServiceDescriptor == "" {
		t.Fatal("Expected a populated snapshot")
	}
	if len(snap.ScalableTargetDescriptors) != 1 || len(snap.ScalingPolicyDescriptors) != 1 {
		t.Fatalf("Expected 1 target and 1 policy, got %d and %d",
			len(snap.ScalableTargetDescriptors), len(snap.ScalingPolicyDescriptors))
	}
}

func TestCapture_PartialLoss(t *testing.T) {
	snap, losses, err := Capture(unitA, liveService(), nil,
		[]aastypes.ScalingPolicy{livePolicy("broken", math.NaN()), livePolicy("cpu", 60)})
	if err != nil {
		t.Fatalf("Expected lenient capture, got %v", err)
	}
	if len(losses) != 1 || !engine.IsPartialSnapshotLoss(losses[0]) {
		t.Fatalf("Expected one partial snapshot loss, got %v", losses)
	}
	if len(snap.ScalingPolicyDescriptors) != 1 {
		t.Fatalf("Expected the healthy policy kept, got %d", len(snap.ScalingPolicyDescriptors))
	}
	if len(snap.DegradedEntries) != 1 || snap.DegradedEntries[0] != "scaling_policy:broken" {
		t.Fatalf("Expected degraded entry for broken policy, got %v", snap.DegradedEntries)
	}
}

func TestDecode_RebindsCluster(t *testing.T) {
	snap, _, err := Capture(unitA, liveService(),
		[]aastypes.ScalableTarget{liveTarget()},
		[]aastypes.ScalingPolicy{livePolicy("cpu", 60)})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	r, err := snap.Decode("cluster-b")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if aws.ToString(r.Service.Cluster) != "cluster-b" {
		t.Errorf("Expected cluster-b, got %s", aws.ToString(r.Service.Cluster))
	}
	if aws.ToString(r.Targets[0].ResourceId) != "service/cluster-b/web" {
		t.Errorf("Expected target rebound to cluster-b, got %s", aws.ToString(r.Targets[0].ResourceId))
	}
	if aws.ToString(r.Policies[0].ResourceId) != "service/cluster-b/web" {
		t.Errorf("Expected policy rebound to cluster-b, got %s", aws.ToString(r.Policies[0].ResourceId))
	}
	if aws.ToInt32(r.Targets[0].MaxCapacity) != 5 {
		t.Errorf("Expected max capacity 5, got %d", aws.ToInt32(r.Targets[0].MaxCapacity))
	}
}

func TestDecode_CorruptDescriptor(t *testing.T) {
	snap := &RollbackSnapshot{Unit: unitA, ServiceDescriptor: "{not json"}
	if _, err := snap.Decode("cluster-b"); !engine.IsInvalidArguments(err) {
		t.Fatalf("Expected invalid arguments, got %v", err)
	}
}
