// Package ecsclienttest provides in-memory fakes of the remote APIs for tests.
package ecsclienttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/deploycore/pkg/ecsclient"
	"github.com/openfroyo/deploycore/pkg/engine"
)

// APIError builds a provider API error with the given code and fault.
func APIError(code, message string, fault smithy.ErrorFault) error {
	return &smithy.GenericAPIError{Code: code, Message: message, Fault: fault}
}

// ECS is a stateful fake of the container service API. Services become steady as soon
// as they are created or updated unless a *Func override says otherwise.
type ECS struct {
	mu sync.Mutex

	Services map[string]*ecstypes.Service
	Tasks    map[string][]ecstypes.Task
	Calls    []string

	CreateServiceFunc          func(*ecs.CreateServiceInput) (*ecs.CreateServiceOutput, error)
	UpdateServiceFunc          func(*ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error)
	DeleteServiceFunc          func(*ecs.DeleteServiceInput) (*ecs.DeleteServiceOutput, error)
	DescribeServicesFunc       func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error)
	RegisterTaskDefinitionFunc func(*ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error)
	ListTasksFunc              func(*ecs.ListTasksInput) (*ecs.ListTasksOutput, error)

	CreateInputs []*ecs.CreateServiceInput
	UpdateInputs []*ecs.UpdateServiceInput

	revision int32
}

// NewECS creates an empty fake.
func NewECS() *ECS {
	return &ECS{
		Services: make(map[string]*ecstypes.Service),
		Tasks:    make(map[string][]ecstypes.Task),
	}
}

func (f *ECS) record(op string) {
	f.Calls = append(f.Calls, op)
}

// CallCount returns how many times op was called.
func (f *ECS) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// PutService stores a live service.
func (f *ECS) PutService(svc ecstypes.Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Services[aws.ToString(svc.ServiceName)] = &svc
}

// Service returns a copy of a stored service, or nil.
func (f *ECS) Service(name string) *ecstypes.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	if svc, ok := f.Services[name]; ok {
		cp := *svc
		return &cp
	}
	return nil
}

// SteadyService returns an ACTIVE single-deployment service with running == desired.
func SteadyService(cluster, name string, desired int32) ecstypes.Service {
	return ecstypes.Service{
		ServiceName:    aws.String(name),
		ServiceArn:     aws.String(fmt.Sprintf("arn:aws:ecs:us-east-1:123456789012:service/%s/%s", cluster, name)),
		ClusterArn:     aws.String(fmt.Sprintf("arn:aws:ecs:us-east-1:123456789012:cluster/%s", cluster)),
		Status:         aws.String("ACTIVE"),
		DesiredCount:   desired,
		RunningCount:   desired,
		TaskDefinition: aws.String(fmt.Sprintf("arn:aws:ecs:us-east-1:123456789012:task-definition/%s:1", name)),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Deployments:    []ecstypes.Deployment{{Status: aws.String("PRIMARY"), DesiredCount: desired, RunningCount: desired}},
	}
}

// CreateService implements ecsclient.ECSAPI.
func (f *ECS) CreateService(_ context.Context, in *ecs.CreateServiceInput, _ ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateService")
	f.CreateInputs = append(f.CreateInputs, in)
	if f.CreateServiceFunc != nil {
		return f.CreateServiceFunc(in)
	}

	name := aws.ToString(in.ServiceName)
	if existing, ok := f.Services[name]; ok && aws.ToString(existing.Status) == "ACTIVE" {
		return nil, APIError("InvalidParameterException", "Creation of service was not idempotent.", smithy.FaultClient)
	}
	desired := aws.ToInt32(in.DesiredCount)
	svc := SteadyService(aws.ToString(in.Cluster), name, desired)
	svc.TaskDefinition = in.TaskDefinition
	svc.LaunchType = in.LaunchType
	svc.LoadBalancers = in.LoadBalancers
	svc.NetworkConfiguration = in.NetworkConfiguration
	f.Services[name] = &svc
	cp := svc
	return &ecs.CreateServiceOutput{Service: &cp}, nil
}

// UpdateService implements ecsclient.ECSAPI.
func (f *ECS) UpdateService(_ context.Context, in *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateService")
	f.UpdateInputs = append(f.UpdateInputs, in)
	if f.UpdateServiceFunc != nil {
		return f.UpdateServiceFunc(in)
	}

	svc, ok := f.Services[aws.ToString(in.Service)]
	if !ok || aws.ToString(svc.Status) != "ACTIVE" {
		return nil, APIError("ServiceNotActiveException", "Service was not ACTIVE.", smithy.FaultClient)
	}
	if in.DesiredCount != nil {
		svc.DesiredCount = *in.DesiredCount
		svc.RunningCount = *in.DesiredCount
		svc.Deployments = []ecstypes.Deployment{{Status: aws.String("PRIMARY"), DesiredCount: *in.DesiredCount, RunningCount: *in.DesiredCount}}
	}
	if in.TaskDefinition != nil {
		svc.TaskDefinition = in.TaskDefinition
	}
	cp := *svc
	return &ecs.UpdateServiceOutput{Service: &cp}, nil
}

// DeleteService implements ecsclient.ECSAPI.
func (f *ECS) DeleteService(_ context.Context, in *ecs.DeleteServiceInput, _ ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteService")
	if f.DeleteServiceFunc != nil {
		return f.DeleteServiceFunc(in)
	}

	svc, ok := f.Services[aws.ToString(in.Service)]
	if !ok {
		return nil, APIError("ServiceNotFoundException", "Service not found.", smithy.FaultClient)
	}
	svc.Status = aws.String("INACTIVE")
	svc.DesiredCount = 0
	svc.RunningCount = 0
	cp := *svc
	return &ecs.DeleteServiceOutput{Service: &cp}, nil
}

// DescribeServices implements ecsclient.ECSAPI.
func (f *ECS) DescribeServices(_ context.Context, in *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeServices")
	if f.DescribeServicesFunc != nil {
		return f.DescribeServicesFunc(in)
	}

	out := &ecs.DescribeServicesOutput{}
	for _, name := range in.Services {
		if svc, ok := f.Services[name]; ok {
			out.Services = append(out.Services, *svc)
		} else {
			out.Failures = append(out.Failures, ecstypes.Failure{Arn: aws.String(name), Reason: aws.String("MISSING")})
		}
	}
	return out, nil
}

// RegisterTaskDefinition implements ecsclient.ECSAPI.
func (f *ECS) RegisterTaskDefinition(_ context.Context, in *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RegisterTaskDefinition")
	if f.RegisterTaskDefinitionFunc != nil {
		return f.RegisterTaskDefinitionFunc(in)
	}
	f.revision++
	family := aws.ToString(in.Family)
	return &ecs.RegisterTaskDefinitionOutput{
		TaskDefinition: &ecstypes.TaskDefinition{
			Family:            in.Family,
			Revision:          f.revision,
			TaskDefinitionArn: aws.String(fmt.Sprintf("arn:aws:ecs:us-east-1:123456789012:task-definition/%s:%d", family, f.revision)),
		},
	}, nil
}

// ListTasks implements ecsclient.ECSAPI.
func (f *ECS) ListTasks(_ context.Context, in *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListTasks")
	if f.ListTasksFunc != nil {
		return f.ListTasksFunc(in)
	}
	out := &ecs.ListTasksOutput{}
	for _, t := range f.Tasks[aws.ToString(in.ServiceName)] {
		out.TaskArns = append(out.TaskArns, aws.ToString(t.TaskArn))
	}
	return out, nil
}

// DescribeTasks implements ecsclient.ECSAPI.
func (f *ECS) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeTasks")
	wanted := make(map[string]bool, len(in.Tasks))
	for _, arn := range in.Tasks {
		wanted[arn] = true
	}
	out := &ecs.DescribeTasksOutput{}
	for _, tasks := range f.Tasks {
		for _, t := range tasks {
			if wanted[aws.ToString(t.TaskArn)] {
				out.Tasks = append(out.Tasks, t)
			}
		}
	}
	return out, nil
}

// AutoScaling is a stateful fake of the application autoscaling API.
type AutoScaling struct {
	mu sync.Mutex

	Targets  []aastypes.ScalableTarget
	Policies []aastypes.ScalingPolicy
	Calls    []string

	DescribeScalableTargetsFunc func(*applicationautoscaling.DescribeScalableTargetsInput) error
	DescribeScalingPoliciesFunc func(*applicationautoscaling.DescribeScalingPoliciesInput) error
	RegisterScalableTargetFunc  func(*applicationautoscaling.RegisterScalableTargetInput) error
	PutScalingPolicyFunc        func(*applicationautoscaling.PutScalingPolicyInput) error
}

// NewAutoScaling creates an empty fake.
func NewAutoScaling() *AutoScaling {
	return &AutoScaling{}
}

// CallCount returns how many times op was called.
func (f *AutoScaling) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// TargetsFor returns the stored targets for a resource id.
func (f *AutoScaling) TargetsFor(resourceID string) []aastypes.ScalableTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []aastypes.ScalableTarget
	for _, t := range f.Targets {
		if aws.ToString(t.ResourceId) == resourceID {
			out = append(out, t)
		}
	}
	return out
}

// PoliciesFor returns the stored policies for a resource id.
func (f *AutoScaling) PoliciesFor(resourceID string) []aastypes.ScalingPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []aastypes.ScalingPolicy
	for _, p := range f.Policies {
		if aws.ToString(p.ResourceId) == resourceID {
			out = append(out, p)
		}
	}
	return out
}

// DescribeScalableTargets implements ecsclient.AutoScalingAPI.
func (f *AutoScaling) DescribeScalableTargets(_ context.Context, in *applicationautoscaling.DescribeScalableTargetsInput, _ ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DescribeScalableTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "DescribeScalableTargets")
	if f.DescribeScalableTargetsFunc != nil {
		if err := f.DescribeScalableTargetsFunc(in); err != nil {
			return nil, err
		}
	}
	wanted := make(map[string]bool, len(in.ResourceIds))
	for _, id := range in.ResourceIds {
		wanted[id] = true
	}
	out := &applicationautoscaling.DescribeScalableTargetsOutput{}
	for _, t := range f.Targets {
		if len(wanted) == 0 || wanted[aws.ToString(t.ResourceId)] {
			out.ScalableTargets = append(out.ScalableTargets, t)
		}
	}
	return out, nil
}

// DescribeScalingPolicies implements ecsclient.AutoScalingAPI.
func (f *AutoScaling) DescribeScalingPolicies(_ context.Context, in *applicationautoscaling.DescribeScalingPoliciesInput, _ ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DescribeScalingPoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "DescribeScalingPolicies")
	if f.DescribeScalingPoliciesFunc != nil {
		if err := f.DescribeScalingPoliciesFunc(in); err != nil {
			return nil, err
		}
	}
	out := &applicationautoscaling.DescribeScalingPoliciesOutput{}
	for _, p := range f.Policies {
		if in.ResourceId == nil || aws.ToString(p.ResourceId) == aws.ToString(in.ResourceId) {
			out.ScalingPolicies = append(out.ScalingPolicies, p)
		}
	}
	return out, nil
}

// RegisterScalableTarget implements ecsclient.AutoScalingAPI.
func (f *AutoScaling) RegisterScalableTarget(_ context.Context, in *applicationautoscaling.RegisterScalableTargetInput, _ ...func(*applicationautoscaling.Options)) (*applicationautoscaling.RegisterScalableTargetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "RegisterScalableTarget")
	if f.RegisterScalableTargetFunc != nil {
		if err := f.RegisterScalableTargetFunc(in); err != nil {
			return nil, err
		}
	}
	target := aastypes.ScalableTarget{
		ResourceId:        in.ResourceId,
		ScalableDimension: in.ScalableDimension,
		ServiceNamespace:  in.ServiceNamespace,
		MinCapacity:       in.MinCapacity,
		MaxCapacity:       in.MaxCapacity,
		RoleARN:           in.RoleARN,
	}
	for i, t := range f.Targets {
		if aws.ToString(t.ResourceId) == aws.ToString(in.ResourceId) && t.ScalableDimension == in.ScalableDimension {
			f.Targets[i] = target
			return &applicationautoscaling.RegisterScalableTargetOutput{}, nil
		}
	}
	f.Targets = append(f.Targets, target)
	return &applicationautoscaling.RegisterScalableTargetOutput{}, nil
}

// DeregisterScalableTarget implements ecsclient.AutoScalingAPI.
func (f *AutoScaling) DeregisterScalableTarget(_ context.Context, in *applicationautoscaling.DeregisterScalableTargetInput, _ ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DeregisterScalableTargetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "DeregisterScalableTarget")
	kept := f.Targets[:0]
	for _, t := range f.Targets {
		if aws.ToString(t.ResourceId) == aws.ToString(in.ResourceId) && t.ScalableDimension == in.ScalableDimension {
			continue
		}
		kept = append(kept, t)
	}
	f.Targets = kept
	return &applicationautoscaling.DeregisterScalableTargetOutput{}, nil
}

// PutScalingPolicy implements ecsclient.AutoScalingAPI.
func (f *AutoScaling) PutScalingPolicy(_ context.Context, in *applicationautoscaling.PutScalingPolicyInput, _ ...func(*applicationautoscaling.Options)) (*applicationautoscaling.PutScalingPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "PutScalingPolicy")
	if f.PutScalingPolicyFunc != nil {
		if err := f.PutScalingPolicyFunc(in); err != nil {
			return nil, err
		}
	}
	policy := aastypes.ScalingPolicy{
		PolicyName:                               in.PolicyName,
		PolicyType:                               in.PolicyType,
		ResourceId:                               in.ResourceId,
		ScalableDimension:                        in.ScalableDimension,
		ServiceNamespace:                         in.ServiceNamespace,
		StepScalingPolicyConfiguration:           in.StepScalingPolicyConfiguration,
		TargetTrackingScalingPolicyConfiguration: in.TargetTrackingScalingPolicyConfiguration,
	}
	for i, p := range f.Policies {
		if aws.ToString(p.PolicyName) == aws.ToString(in.PolicyName) && aws.ToString(p.ResourceId) == aws.ToString(in.ResourceId) {
			f.Policies[i] = policy
			return &applicationautoscaling.PutScalingPolicyOutput{}, nil
		}
	}
	f.Policies = append(f.Policies, policy)
	return &applicationautoscaling.PutScalingPolicyOutput{PolicyARN: aws.String("arn:policy/" + aws.ToString(in.PolicyName))}, nil
}

// DeleteScalingPolicy implements ecsclient.AutoScalingAPI.
func (f *AutoScaling) DeleteScalingPolicy(_ context.Context, in *applicationautoscaling.DeleteScalingPolicyInput, _ ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DeleteScalingPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "DeleteScalingPolicy")
	kept := f.Policies[:0]
	for _, p := range f.Policies {
		if aws.ToString(p.PolicyName) == aws.ToString(in.PolicyName) && aws.ToString(p.ResourceId) == aws.ToString(in.ResourceId) {
			continue
		}
		kept = append(kept, p)
	}
	f.Policies = kept
	return &applicationautoscaling.DeleteScalingPolicyOutput{}, nil
}

// EC2 is a fake of the compute API that returns a fixed instance list.
type EC2 struct {
	mu sync.Mutex

	Instances []ec2types.Instance
	Inputs    []*ec2.DescribeInstancesInput

	DescribeInstancesFunc func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
}

// DescribeInstances implements ecsclient.EC2API.
func (f *EC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inputs = append(f.Inputs, in)
	if f.DescribeInstancesFunc != nil {
		return f.DescribeInstancesFunc(in)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: f.Instances}},
	}, nil
}

// Factory is a SessionFactory over the fakes that counts opened and closed sessions.
type Factory struct {
	ECS         *ECS
	AutoScaling *AutoScaling
	EC2         *EC2

	// OpenErr, when set, fails every Open.
	OpenErr error

	opened atomic.Int64
	closed atomic.Int64
}

// NewFactory creates a factory over fresh fakes.
func NewFactory() *Factory {
	return &Factory{
		ECS:         NewECS(),
		AutoScaling: NewAutoScaling(),
		EC2:         &EC2{},
	}
}

// Open implements ecsclient.SessionFactory.
func (f *Factory) Open(_ context.Context, _ engine.InfraConfig) (*ecsclient.Session, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.opened.Add(1)
	return ecsclient.NewSession(f.ECS, f.AutoScaling, f.EC2, func() { f.closed.Add(1) }), nil
}

// Opened returns the number of sessions opened.
func (f *Factory) Opened() int64 { return f.opened.Load() }

// Closed returns the number of sessions released.
func (f *Factory) Closed() int64 { return f.closed.Load() }

// Balanced reports whether every opened session was released.
func (f *Factory) Balanced() bool { return f.opened.Load() == f.closed.Load() }
