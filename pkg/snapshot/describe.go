package snapshot

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// ResourceID returns the autoscaling resource id of a service. cluster may be a name or an ARN.
func ResourceID(cluster, service string) string {
	return fmt.Sprintf("service/%s/%s", ClusterName(cluster), service)
}

// ClusterName returns the short name of a cluster given its name or ARN.
func ClusterName(cluster string) string {
	if i := strings.LastIndex(cluster, "/"); i >= 0 && strings.HasPrefix(cluster, "arn:") {
		return cluster[i+1:]
	}
	return cluster
}

// ServiceFromDescribed projects a described service onto the create request.
// Deployment-scoped settings are taken from the PRIMARY deployment when present.
func ServiceFromDescribed(svc ecstypes.Service) *ecs.CreateServiceInput {
	in := &ecs.CreateServiceInput{
		ServiceName:                   svc.ServiceName,
		Cluster:                       svc.ClusterArn,
		AvailabilityZoneRebalancing:   svc.AvailabilityZoneRebalancing,
		CapacityProviderStrategy:      svc.CapacityProviderStrategy,
		DeploymentConfiguration:       svc.DeploymentConfiguration,
		DeploymentController:          svc.DeploymentController,
		DesiredCount:                  aws.Int32(svc.DesiredCount),
		EnableECSManagedTags:          svc.EnableECSManagedTags,
		EnableExecuteCommand:          svc.EnableExecuteCommand,
		HealthCheckGracePeriodSeconds: svc.HealthCheckGracePeriodSeconds,
		LaunchType:                    svc.LaunchType,
		LoadBalancers:                 svc.LoadBalancers,
		NetworkConfiguration:          svc.NetworkConfiguration,
		PlacementConstraints:          svc.PlacementConstraints,
		PlacementStrategy:             svc.PlacementStrategy,
		PlatformVersion:               svc.PlatformVersion,
		PropagateTags:                 svc.PropagateTags,
		Role:                          svc.RoleArn,
		SchedulingStrategy:            svc.SchedulingStrategy,
		ServiceRegistries:             svc.ServiceRegistries,
		Tags:                          svc.Tags,
		TaskDefinition:                svc.TaskDefinition,
	}
	for _, d := range svc.Deployments {
		if aws.ToString(d.Status) != "PRIMARY" {
			continue
		}
		in.ServiceConnectConfiguration = d.ServiceConnectConfiguration
		in.VolumeConfigurations = d.VolumeConfigurations
		in.VpcLatticeConfigurations = d.VpcLatticeConfigurations
		break
	}
	return in
}

// ToUpdateRequest converts a create request to an update request.
//
// Kept: cluster, service, availability-zone rebalancing, capacity provider strategy,
// deployment configuration, desired count, managed tags, execute command, health check
// grace period, load balancers, network configuration, placement, platform version,
// tag propagation, service connect, service registries, task definition, volume and
// VPC lattice configurations. Dropped because the update API cannot change them in place:
// client token, deployment controller, launch type, role, scheduling strategy and tags.
//
// Managed tags and execute command are plain booleans on the create request, so an
// unset flag cannot be told apart from false. Both are always sent: the update states
// the descriptor's full value, and a descriptor that omits a flag turns it off on the
// live service.
func ToUpdateRequest(in *ecs.CreateServiceInput, forceNewDeployment bool) *ecs.UpdateServiceInput {
	return &ecs.UpdateServiceInput{
		Service:                       in.ServiceName,
		Cluster:                       in.Cluster,
		AvailabilityZoneRebalancing:   in.AvailabilityZoneRebalancing,
		CapacityProviderStrategy:      in.CapacityProviderStrategy,
		DeploymentConfiguration:       in.DeploymentConfiguration,
		DesiredCount:                  in.DesiredCount,
		EnableECSManagedTags:          aws.Bool(in.EnableECSManagedTags),
		EnableExecuteCommand:          aws.Bool(in.EnableExecuteCommand),
		ForceNewDeployment:            forceNewDeployment,
		HealthCheckGracePeriodSeconds: in.HealthCheckGracePeriodSeconds,
		LoadBalancers:                 in.LoadBalancers,
		NetworkConfiguration:          in.NetworkConfiguration,
		PlacementConstraints:          in.PlacementConstraints,
		PlacementStrategy:             in.PlacementStrategy,
		PlatformVersion:               in.PlatformVersion,
		PropagateTags:                 in.PropagateTags,
		ServiceConnectConfiguration:   in.ServiceConnectConfiguration,
		ServiceRegistries:             in.ServiceRegistries,
		TaskDefinition:                in.TaskDefinition,
		VolumeConfigurations:          in.VolumeConfigurations,
		VpcLatticeConfigurations:      in.VpcLatticeConfigurations,
	}
}

// TargetFromDescribed projects a described scalable target onto the register request.
func TargetFromDescribed(t aastypes.ScalableTarget) *applicationautoscaling.RegisterScalableTargetInput {
	return &applicationautoscaling.RegisterScalableTargetInput{
		ResourceId:        t.ResourceId,
		ScalableDimension: t.ScalableDimension,
		ServiceNamespace:  t.ServiceNamespace,
		MinCapacity:       t.MinCapacity,
		MaxCapacity:       t.MaxCapacity,
		RoleARN:           t.RoleARN,
		SuspendedState:    t.SuspendedState,
	}
}

// PolicyFromDescribed projects a described scaling policy onto the put request.
func PolicyFromDescribed(p aastypes.ScalingPolicy) *applicationautoscaling.PutScalingPolicyInput {
	return &applicationautoscaling.PutScalingPolicyInput{
		PolicyName:                               p.PolicyName,
		PolicyType:                               p.PolicyType,
		ResourceId:                               p.ResourceId,
		ScalableDimension:                        p.ScalableDimension,
		ServiceNamespace:                         p.ServiceNamespace,
		StepScalingPolicyConfiguration:           p.StepScalingPolicyConfiguration,
		TargetTrackingScalingPolicyConfiguration: p.TargetTrackingScalingPolicyConfiguration,
	}
}
