package ecsclient

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// DefaultPollDelay is the fixed delay between steady-state polls.
const DefaultPollDelay = 10 * time.Second

// Recorder receives remote call metrics. *telemetry.Metrics satisfies it.
type Recorder interface {
	RecordRemoteCall(operation string, duration time.Duration)
	RecordRemoteError(operation, class string)
	RecordSteadyStatePoll(wait string)
}

type nopRecorder struct{}

func (nopRecorder) RecordRemoteCall(string, time.Duration) {}
func (nopRecorder) RecordRemoteError(string, string)       {}
func (nopRecorder) RecordSteadyStatePoll(string)           {}

// ClientConfig configures a Client.
type ClientConfig struct {
	// PollDelay is the fixed delay between steady-state polls. Defaults to DefaultPollDelay.
	PollDelay time.Duration

	// Metrics is optional.
	Metrics Recorder
}

// Client performs classified remote calls. It holds no per-unit state and is safe for
// concurrent use; every method opens its own scoped session.
type Client struct {
	sessions  SessionFactory
	pollDelay time.Duration
	metrics   Recorder
}

// NewClient creates a client on top of a session factory.
func NewClient(sessions SessionFactory, cfg ClientConfig) *Client {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultPollDelay
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	return &Client{
		sessions:  sessions,
		pollDelay: cfg.PollDelay,
		metrics:   cfg.Metrics,
	}
}

// PollDelay returns the configured steady-state poll delay.
func (c *Client) PollDelay() time.Duration {
	return c.pollDelay
}

// withSession opens a session, runs fn and releases the session on every exit path.
// Errors returned by fn are classified and counted.
func withSession[T any](ctx context.Context, c *Client, infra engine.InfraConfig, operation, resource string, fn func(*Session) (T, error)) (T, error) {
	var zero T
	// Reject bad infra before opening anything
	if err := infra.Validate(); err != nil {
		return zero, err
	}

	ctx, span := telemetry.StartRemoteSpan(ctx, operation, infra.Kind)
	defer span.End()

	sess, err := c.sessions.Open(ctx, infra)
	if err != nil {
		classified := Classify(operation, resource, err)
		telemetry.RecordError(span, classified)
		return zero, classified
	}
	defer sess.Close()

	// Time the call itself, not session setup
	start := time.Now()
	out, err := fn(sess)
	c.metrics.RecordRemoteCall(operation, time.Since(start))
	if err != nil {
		classified := Classify(operation, resource, err)
		c.metrics.RecordRemoteError(operation, string(engine.ClassOf(classified)))
		telemetry.RecordError(span, classified)
		return zero, classified
	}
	telemetry.RecordSuccess(span)
	return out, nil
}

// CreateService creates a service from a full create request.
func (c *Client) CreateService(ctx context.Context, infra engine.InfraConfig, in *ecs.CreateServiceInput) (*ecstypes.Service, error) {
	return withSession(ctx, c, infra, "CreateService", aws.ToString(in.ServiceName), func(s *Session) (*ecstypes.Service, error) {
		out, err := s.ECS.CreateService(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.Service, nil
	})
}

// UpdateService updates an existing service.
func (c *Client) UpdateService(ctx context.Context, infra engine.InfraConfig, in *ecs.UpdateServiceInput) (*ecstypes.Service, error) {
	return withSession(ctx, c, infra, "UpdateService", aws.ToString(in.Service), func(s *Session) (*ecstypes.Service, error) {
		out, err := s.ECS.UpdateService(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.Service, nil
	})
}

// DeleteService deletes a service in infra.Cluster.
func (c *Client) DeleteService(ctx context.Context, infra engine.InfraConfig, serviceName string, force bool) (*ecstypes.Service, error) {
	return withSession(ctx, c, infra, "DeleteService", serviceName, func(s *Session) (*ecstypes.Service, error) {
		out, err := s.ECS.DeleteService(ctx, &ecs.DeleteServiceInput{
			Cluster: clusterParam(infra),
			Service: aws.String(serviceName),
			Force:   aws.Bool(force),
		})
		if err != nil {
			return nil, err
		}
		return out.Service, nil
	})
}

// DescribeService returns the live service, or nil when the service does not exist.
func (c *Client) DescribeService(ctx context.Context, infra engine.InfraConfig, serviceName string) (*ecstypes.Service, error) {
	return withSession(ctx, c, infra, "DescribeServices", serviceName, func(s *Session) (*ecstypes.Service, error) {
		return describeService(ctx, s, infra, serviceName)
	})
}

func describeService(ctx context.Context, s *Session, infra engine.InfraConfig, serviceName string) (*ecstypes.Service, error) {
	out, err := s.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  clusterParam(infra),
		Services: []string{serviceName},
	})
	if err != nil {
		return nil, err
	}
	// Match by name or ARN; failures for unknown services are not errors
	for i := range out.Services {
		if aws.ToString(out.Services[i].ServiceName) == serviceName || aws.ToString(out.Services[i].ServiceArn) == serviceName {
			return &out.Services[i], nil
		}
	}
	return nil, nil
}

// RegisterTaskDefinition registers a task definition revision.
func (c *Client) RegisterTaskDefinition(ctx context.Context, infra engine.InfraConfig, in *ecs.RegisterTaskDefinitionInput) (*ecstypes.TaskDefinition, error) {
	return withSession(ctx, c, infra, "RegisterTaskDefinition", aws.ToString(in.Family), func(s *Session) (*ecstypes.TaskDefinition, error) {
		out, err := s.ECS.RegisterTaskDefinition(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.TaskDefinition, nil
	})
}

// ListScalableTargets lists the scalable targets registered for an ECS resource id.
func (c *Client) ListScalableTargets(ctx context.Context, infra engine.InfraConfig, resourceID string) ([]aastypes.ScalableTarget, error) {
	return withSession(ctx, c, infra, "DescribeScalableTargets", resourceID, func(s *Session) ([]aastypes.ScalableTarget, error) {
		var targets []aastypes.ScalableTarget
		p := applicationautoscaling.NewDescribeScalableTargetsPaginator(s.AutoScaling, &applicationautoscaling.DescribeScalableTargetsInput{
			ServiceNamespace: aastypes.ServiceNamespaceEcs,
			ResourceIds:      []string{resourceID},
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			targets = append(targets, page.ScalableTargets...)
		}
		return targets, nil
	})
}

// ListScalingPolicies lists the scaling policies attached to an ECS resource id.
func (c *Client) ListScalingPolicies(ctx context.Context, infra engine.InfraConfig, resourceID string) ([]aastypes.ScalingPolicy, error) {
	return withSession(ctx, c, infra, "DescribeScalingPolicies", resourceID, func(s *Session) ([]aastypes.ScalingPolicy, error) {
		var policies []aastypes.ScalingPolicy
		p := applicationautoscaling.NewDescribeScalingPoliciesPaginator(s.AutoScaling, &applicationautoscaling.DescribeScalingPoliciesInput{
			ServiceNamespace: aastypes.ServiceNamespaceEcs,
			ResourceId:       aws.String(resourceID),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			policies = append(policies, page.ScalingPolicies...)
		}
		return policies, nil
	})
}

// RegisterScalableTarget registers or updates a scalable target.
func (c *Client) RegisterScalableTarget(ctx context.Context, infra engine.InfraConfig, in *applicationautoscaling.RegisterScalableTargetInput) error {
	_, err := withSession(ctx, c, infra, "RegisterScalableTarget", aws.ToString(in.ResourceId), func(s *Session) (struct{}, error) {
		_, err := s.AutoScaling.RegisterScalableTarget(ctx, in)
		return struct{}{}, err
	})
	return err
}

// DeregisterScalableTarget removes a scalable target.
func (c *Client) DeregisterScalableTarget(ctx context.Context, infra engine.InfraConfig, target aastypes.ScalableTarget) error {
	_, err := withSession(ctx, c, infra, "DeregisterScalableTarget", aws.ToString(target.ResourceId), func(s *Session) (struct{}, error) {
		_, err := s.AutoScaling.DeregisterScalableTarget(ctx, &applicationautoscaling.DeregisterScalableTargetInput{
			ResourceId:        target.ResourceId,
			ScalableDimension: target.ScalableDimension,
			ServiceNamespace:  target.ServiceNamespace,
		})
		return struct{}{}, err
	})
	return err
}

// AttachScalingPolicy creates or replaces a scaling policy.
func (c *Client) AttachScalingPolicy(ctx context.Context, infra engine.InfraConfig, in *applicationautoscaling.PutScalingPolicyInput) error {
	_, err := withSession(ctx, c, infra, "PutScalingPolicy", aws.ToString(in.PolicyName), func(s *Session) (struct{}, error) {
		_, err := s.AutoScaling.PutScalingPolicy(ctx, in)
		return struct{}{}, err
	})
	return err
}

// DeleteScalingPolicy deletes a scaling policy.
func (c *Client) DeleteScalingPolicy(ctx context.Context, infra engine.InfraConfig, policy aastypes.ScalingPolicy) error {
	_, err := withSession(ctx, c, infra, "DeleteScalingPolicy", aws.ToString(policy.PolicyName), func(s *Session) (struct{}, error) {
		_, err := s.AutoScaling.DeleteScalingPolicy(ctx, &applicationautoscaling.DeleteScalingPolicyInput{
			PolicyName:        policy.PolicyName,
			ResourceId:        policy.ResourceId,
			ScalableDimension: policy.ScalableDimension,
			ServiceNamespace:  policy.ServiceNamespace,
		})
		return struct{}{}, err
	})
	return err
}

func clusterParam(infra engine.InfraConfig) *string {
	if infra.Cluster == "" {
		return nil
	}
	return aws.String(infra.Cluster)
}
