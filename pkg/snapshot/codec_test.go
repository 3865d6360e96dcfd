package snapshot

import (
	"reflect"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

func populatedService() *ecs.CreateServiceInput {
	return &ecs.CreateServiceInput{
		ServiceName:                 aws.String("web"),
		Cluster:                     aws.String("prod"),
		AvailabilityZoneRebalancing: ecstypes.AvailabilityZoneRebalancingEnabled,
		CapacityProviderStrategy: []ecstypes.CapacityProviderStrategyItem{
			{CapacityProvider: aws.String("FARGATE_SPOT")},
		},
		ClientToken: aws.String("token-1"),
		DeploymentConfiguration: &ecstypes.DeploymentConfiguration{
			MaximumPercent:        aws.Int32(200),
			MinimumHealthyPercent: aws.Int32(50),
		},
		DeploymentController:          &ecstypes.DeploymentController{Type: ecstypes.DeploymentControllerTypeEcs},
		DesiredCount:                  aws.Int32(3),
		EnableECSManagedTags:          true,
		EnableExecuteCommand:          true,
		HealthCheckGracePeriodSeconds: aws.Int32(30),
		LaunchType:                    ecstypes.LaunchTypeFargate,
		LoadBalancers: []ecstypes.LoadBalancer{
			{TargetGroupArn: aws.String("arn:tg/web"), ContainerName: aws.String("app"), ContainerPort: aws.Int32(8080)},
		},
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        []string{"subnet-1", "subnet-2"},
				SecurityGroups: []string{"sg-1"},
				AssignPublicIp: ecstypes.AssignPublicIpDisabled,
			},
		},
		PlacementConstraints: []ecstypes.PlacementConstraint{
			{Type: ecstypes.PlacementConstraintTypeMemberOf, Expression: aws.String("attribute:ecs.os-type == linux")},
		},
		PlacementStrategy: []ecstypes.PlacementStrategy{
			{Type: ecstypes.PlacementStrategyTypeSpread, Field: aws.String("attribute:ecs.availability-zone")},
		},
		PlatformVersion:    aws.String("LATEST"),
		PropagateTags:      ecstypes.PropagateTagsService,
		Role:               aws.String("arn:role/ecs"),
		SchedulingStrategy: ecstypes.SchedulingStrategyReplica,
		ServiceRegistries: []ecstypes.ServiceRegistry{
			{RegistryArn: aws.String("arn:registry/web"), Port: aws.Int32(8080)},
		},
		Tags:           []ecstypes.Tag{{Key: aws.String("team"), Value: aws.String("core")}},
		TaskDefinition: aws.String("web:7"),
	}
}

func TestServiceRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   *ecs.CreateServiceInput
	}{
		{"populated", populatedService()},
		{"optional fields absent", &ecs.CreateServiceInput{ServiceName: aws.String("web")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := EncodeService(tt.in)
			if err != nil {
				t.Fatalf("EncodeService failed: %v", err)
			}
			out, err := DecodeService(text)
			if err != nil {
				t.Fatalf("DecodeService failed: %v", err)
			}
			if !reflect.DeepEqual(tt.in, out) {
				t.Fatalf("Expected round trip to be lossless\nencoded: %s", text)
			}

			again, err := EncodeService(out)
			if err != nil {
				t.Fatalf("EncodeService failed: %v", err)
			}
			if again != text {
				t.Errorf("Expected stable encoding, got\n%s\nvs\n%s", text, again)
			}
		})
	}
}

func TestAutoScalingRoundTrip(t *testing.T) {
	target := &applicationautoscaling.RegisterScalableTargetInput{
		ResourceId:        aws.String("service/prod/web"),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		MinCapacity:       aws.Int32(1),
		MaxCapacity:       aws.Int32(10),
		SuspendedState:    &aastypes.SuspendedState{DynamicScalingInSuspended: aws.Bool(false)},
	}
	text, err := EncodeScalableTarget(target)
	if err != nil {
		t.Fatalf("EncodeScalableTarget failed: %v", err)
	}
	gotTarget, err := DecodeScalableTarget(text)
	if err != nil {
		t.Fatalf("DecodeScalableTarget failed: %v", err)
	}
	if !reflect.DeepEqual(target, gotTarget) {
		t.Fatalf("Expected lossless scalable target, got %s", text)
	}

	policy := &applicationautoscaling.PutScalingPolicyInput{
		PolicyName:        aws.String("cpu"),
		PolicyType:        aastypes.PolicyTypeTargetTrackingScaling,
		ResourceId:        aws.String("service/prod/web"),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		TargetTrackingScalingPolicyConfiguration: &aastypes.TargetTrackingScalingPolicyConfiguration{
			TargetValue: aws.Float64(60),
			PredefinedMetricSpecification: &aastypes.PredefinedMetricSpecification{
				PredefinedMetricType: aastypes.MetricTypeECSServiceAverageCPUUtilization,
			},
			ScaleInCooldown:  aws.Int32(60),
			ScaleOutCooldown: aws.Int32(30),
		},
	}
	text, err = EncodeScalingPolicy(policy)
	if err != nil {
		t.Fatalf("EncodeScalingPolicy failed: %v", err)
	}
	gotPolicy, err := DecodeScalingPolicy(text)
	if err != nil {
		t.Fatalf("DecodeScalingPolicy failed: %v", err)
	}
	if !reflect.DeepEqual(policy, gotPolicy) {
		t.Fatalf("Expected lossless scaling policy, got %s", text)
	}
}

func TestParseServiceManifest(t *testing.T) {
	manifest := `
serviceName: web
cluster: ignored-by-rollback
desiredCount: 2
launchType: FARGATE
taskDefinition: web:3
networkConfiguration:
  awsvpcConfiguration:
    subnets: [subnet-1]
    assignPublicIp: DISABLED
loadBalancers:
  - targetGroupArn: arn:tg/web
    containerName: app
    containerPort: 8080
someFieldTheApiDoesNotHave: true
`
	in, err := ParseServiceManifest(manifest)
	if err != nil {
		t.Fatalf("ParseServiceManifest failed: %v", err)
	}
	if aws.ToString(in.ServiceName) != "web" || aws.ToInt32(in.DesiredCount) != 2 {
		t.Errorf("Unexpected service: %s x%d", aws.ToString(in.ServiceName), aws.ToInt32(in.DesiredCount))
	}
	if in.LaunchType != ecstypes.LaunchTypeFargate {
		t.Errorf("Expected FARGATE, got %s", in.LaunchType)
	}
	if in.NetworkConfiguration == nil || in.NetworkConfiguration.AwsvpcConfiguration.Subnets[0] != "subnet-1" {
		t.Errorf("Expected network configuration, got %+v", in.NetworkConfiguration)
	}
	if len(in.LoadBalancers) != 1 || aws.ToInt32(in.LoadBalancers[0].ContainerPort) != 8080 {
		t.Errorf("Expected one load balancer on 8080, got %+v", in.LoadBalancers)
	}

	jsonIn, err := ParseServiceManifest(`{"ServiceName":"api","DesiredCount":1}`)
	if err != nil {
		t.Fatalf("Expected JSON manifest to parse, got %v", err)
	}
	if aws.ToString(jsonIn.ServiceName) != "api" {
		t.Errorf("Expected api, got %s", aws.ToString(jsonIn.ServiceName))
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", "  "},
		{"not yaml", "serviceName: [unclosed"},
		{"missing name", "desiredCount: 2"},
		{"wrong type", "serviceName: web\ndesiredCount: many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServiceManifest(tt.text)
			if !engine.IsInvalidArguments(err) {
				t.Fatalf("Expected invalid arguments, got %v", err)
			}
		})
	}

	if _, err := ParseScalingPolicyManifest("policyType: StepScaling"); !engine.IsInvalidArguments(err) {
		t.Errorf("Expected policy without name to be rejected, got %v", err)
	}
	if _, err := DecodeService(""); !engine.IsInvalidArguments(err) {
		t.Errorf("Expected empty descriptor to be rejected, got %v", err)
	}
}

func TestToUpdateRequest(t *testing.T) {
	in := populatedService()
	up := ToUpdateRequest(in, true)

	if aws.ToString(up.Service) != "web" || aws.ToString(up.Cluster) != "prod" {
		t.Fatalf("Expected service and cluster carried over, got %s/%s", aws.ToString(up.Cluster), aws.ToString(up.Service))
	}
	if !up.ForceNewDeployment {
		t.Error("Expected force new deployment")
	}
	if aws.ToInt32(up.DesiredCount) != 3 || aws.ToString(up.TaskDefinition) != "web:7" {
		t.Errorf("Expected desired count and task definition carried over")
	}
	if !aws.ToBool(up.EnableECSManagedTags) || !aws.ToBool(up.EnableExecuteCommand) {
		t.Error("Expected boolean flags carried over")
	}
	if !reflect.DeepEqual(up.NetworkConfiguration, in.NetworkConfiguration) {
		t.Error("Expected network configuration carried over")
	}
	if !reflect.DeepEqual(up.LoadBalancers, in.LoadBalancers) {
		t.Error("Expected load balancers carried over")
	}
	if up.DeploymentController != nil {
		t.Error("Expected deployment controller dropped")
	}

	if ToUpdateRequest(in, false).ForceNewDeployment {
		t.Error("Expected force new deployment off")
	}

	bare := ToUpdateRequest(&ecs.CreateServiceInput{ServiceName: aws.String("web")}, false)
	if bare.EnableECSManagedTags == nil || *bare.EnableECSManagedTags {
		t.Errorf("Expected an omitted managed tags flag sent as explicit false, got %v", bare.EnableECSManagedTags)
	}
	if bare.EnableExecuteCommand == nil || *bare.EnableExecuteCommand {
		t.Errorf("Expected an omitted execute command flag sent as explicit false, got %v", bare.EnableExecuteCommand)
	}
}

func TestServiceFromDescribed(t *testing.T) {
	svc := ecstypes.Service{
		ServiceName:    aws.String("web"),
		ClusterArn:     aws.String("arn:aws:ecs:us-east-1:1:cluster/prod"),
		Status:         aws.String("ACTIVE"),
		DesiredCount:   4,
		RunningCount:   4,
		RoleArn:        aws.String("arn:role/ecs"),
		TaskDefinition: aws.String("arn:td/web:2"),
		LaunchType:     ecstypes.LaunchTypeEc2,
		Deployments: []ecstypes.Deployment{
			{Status: aws.String("ACTIVE")},
			{
				Status: aws.String("PRIMARY"),
				ServiceConnectConfiguration: &ecstypes.ServiceConnectConfiguration{
					Namespace: aws.String("internal"),
				},
			},
		},
	}

	in := ServiceFromDescribed(svc)
	if aws.ToString(in.Cluster) != "arn:aws:ecs:us-east-1:1:cluster/prod" {
		t.Errorf("Expected cluster from ClusterArn, got %s", aws.ToString(in.Cluster))
	}
	if aws.ToInt32(in.DesiredCount) != 4 {
		t.Errorf("Expected desired count 4, got %d", aws.ToInt32(in.DesiredCount))
	}
	if aws.ToString(in.Role) != "arn:role/ecs" {
		t.Errorf("Expected role from RoleArn, got %s", aws.ToString(in.Role))
	}
	if in.ServiceConnectConfiguration == nil || aws.ToString(in.ServiceConnectConfiguration.Namespace) != "internal" {
		t.Errorf("Expected service connect from the primary deployment, got %+v", in.ServiceConnectConfiguration)
	}
}

func TestResourceID(t *testing.T) {
	if got := ResourceID("prod", "web"); got != "service/prod/web" {
		t.Fatalf("Expected service/prod/web, got %s", got)
	}
	if got := ResourceID("arn:aws:ecs:us-east-1:123456789012:cluster/prod", "web"); got != "service/prod/web" {
		t.Fatalf("Expected cluster ARN to be shortened, got %s", got)
	}
	if got := ClusterName("prod"); got != "prod" {
		t.Fatalf("Expected plain name to be kept, got %s", got)
	}
	if !strings.HasPrefix(ResourceID("a", "b"), "service/") {
		t.Fatal("Expected service/ prefix")
	}
}
