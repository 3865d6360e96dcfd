// Package ecsclient is a thin, classified wrapper around the container-service,
// application-autoscaling and compute APIs. Every call opens its own scoped session
// and releases it on every exit path.
package ecsclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// ECSAPI is the subset of the ECS client used by this package.
type ECSAPI interface {
	CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DeleteService(ctx context.Context, params *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// AutoScalingAPI is the subset of the Application Auto Scaling client used by this package.
type AutoScalingAPI interface {
	DescribeScalableTargets(ctx context.Context, params *applicationautoscaling.DescribeScalableTargetsInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DescribeScalableTargetsOutput, error)
	DescribeScalingPolicies(ctx context.Context, params *applicationautoscaling.DescribeScalingPoliciesInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DescribeScalingPoliciesOutput, error)
	RegisterScalableTarget(ctx context.Context, params *applicationautoscaling.RegisterScalableTargetInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.RegisterScalableTargetOutput, error)
	DeregisterScalableTarget(ctx context.Context, params *applicationautoscaling.DeregisterScalableTargetInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DeregisterScalableTargetOutput, error)
	PutScalingPolicy(ctx context.Context, params *applicationautoscaling.PutScalingPolicyInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.PutScalingPolicyOutput, error)
	DeleteScalingPolicy(ctx context.Context, params *applicationautoscaling.DeleteScalingPolicyInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.DeleteScalingPolicyOutput, error)
}

// EC2API is the subset of the EC2 client used for fleet discovery.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Session bundles the service clients for one region and credential set.
// It must be closed; Close is idempotent.
type Session struct {
	ECS         ECSAPI
	AutoScaling AutoScalingAPI
	EC2         EC2API

	release func()
	once    sync.Once
}

// NewSession builds a session from already constructed clients.
// release runs once on Close and may be nil.
func NewSession(ecsAPI ECSAPI, autoScaling AutoScalingAPI, ec2API EC2API, release func()) *Session {
	return &Session{
		ECS:         ecsAPI,
		AutoScaling: autoScaling,
		EC2:         ec2API,
		release:     release,
	}
}

// Close releases the session's connections.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// SessionFactory opens a scoped session for an infra config.
type SessionFactory interface {
	Open(ctx context.Context, infra engine.InfraConfig) (*Session, error)
}

// SessionFactoryFunc adapts a function into a SessionFactory.
type SessionFactoryFunc func(ctx context.Context, infra engine.InfraConfig) (*Session, error)

// Open implements SessionFactory.
func (f SessionFactoryFunc) Open(ctx context.Context, infra engine.InfraConfig) (*Session, error) {
	return f(ctx, infra)
}

// AWSSessionFactory opens sessions against the real AWS endpoints.
// Each session owns its HTTP transport, and idle connections are closed on release,
// so no connection state is shared between concurrently deployed units.
//
// The SDK retryer is disabled on the service clients. Mutating calls are sent exactly
// once; reads are retried by the steady-state wait and by the task cadence.
type AWSSessionFactory struct {
	// HTTPTimeout bounds each HTTP round trip. Defaults to 60s.
	HTTPTimeout time.Duration
}

// Open implements SessionFactory.
func (f *AWSSessionFactory) Open(ctx context.Context, infra engine.InfraConfig) (*Session, error) {
	timeout := f.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(infra.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: tr, Timeout: timeout}),
	}
	creds := infra.Credentials
	if creds.IsStatic() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		tr.CloseIdleConnections()
		return nil, engine.NewInvalidArgumentsError("failed to load aws config", err).
			WithOperation("OpenSession")
	}

	var endpoint *string
	if infra.Endpoint != "" {
		endpoint = aws.String(infra.Endpoint)
	}

	if creds.RoleARN != "" {
		stsClient := sts.NewFromConfig(cfg, func(o *sts.Options) { o.BaseEndpoint = endpoint })
		provider := stscreds.NewAssumeRoleProvider(stsClient, creds.RoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				if creds.ExternalID != "" {
					o.ExternalID = aws.String(creds.ExternalID)
				}
			})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	// No SDK retries: a retried CreateService or PutScalingPolicy is a second mutation.
	noRetry := aws.NopRetryer{}
	return NewSession(
		ecs.NewFromConfig(cfg, func(o *ecs.Options) {
			o.BaseEndpoint = endpoint
			o.Retryer = noRetry
		}),
		applicationautoscaling.NewFromConfig(cfg, func(o *applicationautoscaling.Options) {
			o.BaseEndpoint = endpoint
			o.Retryer = noRetry
		}),
		ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			o.BaseEndpoint = endpoint
			o.Retryer = noRetry
		}),
		tr.CloseIdleConnections,
	), nil
}
