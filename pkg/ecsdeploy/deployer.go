// Package ecsdeploy implements the deployment command handlers: prepare rollback,
// rolling deploy, rolling rollback, canary deploy and canary delete.
//
// Handlers run synchronously and assume a single writer per deployed unit; the
// caller serializes operations on the same unit. Every handler writes progress to
// the supplied engine.LogCallback, ends with a SUCCESS or FAILURE line, and returns
// both a response with an explicit status and, on failure, a classified error.
package ecsdeploy

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/config"
	"github.com/openfroyo/deploycore/pkg/ecsclient"
	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/snapshot"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// Deployer runs the command handlers against one remote client.
type Deployer struct {
	client  *ecsclient.Client
	schemas *config.SchemaRegistry
}

// NewDeployer creates a deployer. A nil schemas uses the built-in manifest schemas.
func NewDeployer(client *ecsclient.Client, schemas *config.SchemaRegistry) *Deployer {
	if schemas == nil {
		schemas = config.NewSchemaRegistry()
	}
	return &Deployer{client: client, schemas: schemas}
}

// desiredState is the parsed input of a create-or-update.
type desiredState struct {
	service        *ecs.CreateServiceInput
	taskDefinition *ecs.RegisterTaskDefinitionInput
	targets        []*applicationautoscaling.RegisterScalableTargetInput
	policies       []*applicationautoscaling.PutScalingPolicyInput
}

// applyOptions controls how an existing service is updated.
type applyOptions struct {
	forceNewDeployment bool
	keepDesiredCount   bool
	timeout            time.Duration
}

func (d *Deployer) parseService(text string) (*ecs.CreateServiceInput, error) {
	if err := d.schemas.ValidateManifest(config.ManifestService, text); err != nil {
		return nil, err
	}
	return snapshot.ParseServiceManifest(text)
}

func (d *Deployer) parseDesired(serviceText, taskDefinitionText string, targetTexts, policyTexts []string) (*desiredState, error) {
	svc, err := d.parseService(serviceText)
	if err != nil {
		return nil, err
	}
	st := &desiredState{service: svc}

	// Task definition is optional
	if taskDefinitionText != "" {
		if err := d.schemas.ValidateManifest(config.ManifestTaskDefinition, taskDefinitionText); err != nil {
			return nil, err
		}
		if st.taskDefinition, err = snapshot.ParseTaskDefinitionManifest(taskDefinitionText); err != nil {
			return nil, err
		}
	}

	// Validate each manifest against its schema before decoding
	for _, text := range targetTexts {
		if err := d.schemas.ValidateManifest(config.ManifestScalableTarget, text); err != nil {
			return nil, err
		}
		t, err := snapshot.ParseScalableTargetManifest(text)
		if err != nil {
			return nil, err
		}
		st.targets = append(st.targets, t)
	}

	for _, text := range policyTexts {
		if err := d.schemas.ValidateManifest(config.ManifestScalingPolicy, text); err != nil {
			return nil, err
		}
		p, err := snapshot.ParseScalingPolicyManifest(text)
		if err != nil {
			return nil, err
		}
		st.policies = append(st.policies, p)
	}
	return st, nil
}

// bind points the desired state at the live infra: the service's cluster and every
// autoscaling entry's resource id come from infra, never from the manifests.
func (st *desiredState) bind(infra engine.InfraConfig) string {
	if infra.Cluster != "" {
		st.service.Cluster = aws.String(infra.Cluster)
	}
	resourceID := snapshot.ResourceID(infra.Cluster, aws.ToString(st.service.ServiceName))

	for _, t := range st.targets {
		t.ResourceId = aws.String(resourceID)
		if t.ServiceNamespace == "" {
			t.ServiceNamespace = aastypes.ServiceNamespaceEcs
		}
		if t.ScalableDimension == "" {
			t.ScalableDimension = aastypes.ScalableDimensionECSServiceDesiredCount
		}
	}
	for _, p := range st.policies {
		p.ResourceId = aws.String(resourceID)
		if p.ServiceNamespace == "" {
			p.ServiceNamespace = aastypes.ServiceNamespaceEcs
		}
		if p.ScalableDimension == "" {
			p.ScalableDimension = aastypes.ScalableDimensionECSServiceDesiredCount
		}
	}
	return resourceID
}

// createOrUpdate applies st: register the task definition, create the service or
// update it in place, wait for steady state, then replace its autoscaling config.
func (d *Deployer) createOrUpdate(ctx context.Context, infra engine.InfraConfig, st *desiredState, opts applyOptions, cb engine.LogCallback) error {
	name := aws.ToString(st.service.ServiceName)
	resourceID := st.bind(infra)

	// Register the new revision first so the service can point at it
	if st.taskDefinition != nil {
		engine.Info(cb, "Registering task definition %s", aws.ToString(st.taskDefinition.Family))
		td, err := d.client.RegisterTaskDefinition(ctx, infra, st.taskDefinition)
		if err != nil {
			return err
		}
		st.service.TaskDefinition = td.TaskDefinitionArn
		engine.Info(cb, "Registered task definition %s", aws.ToString(td.TaskDefinitionArn))
	}

	live, err := d.client.DescribeService(ctx, infra, name)
	if err != nil {
		return err
	}

	// Update in place, or create when missing or inactive
	if isActive(live) {
		if opts.keepDesiredCount {
			st.service.DesiredCount = aws.Int32(live.DesiredCount)
			engine.Info(cb, "Keeping the running desired count %d", live.DesiredCount)
		}

		engine.Info(cb, "Removing autoscaling configuration from service %s", name)
		if err := d.clearAutoScaling(ctx, infra, resourceID, cb); err != nil {
			return err
		}

		engine.Info(cb, "Updating service %s", name)
		if _, err := d.client.UpdateService(ctx, infra, snapshot.ToUpdateRequest(st.service, opts.forceNewDeployment)); err != nil {
			return err
		}
	} else {
		engine.Info(cb, "Creating service %s", name)
		if _, err := d.client.CreateService(ctx, infra, st.service); err != nil {
			return err
		}
	}

	// Autoscaling is applied only once the service is stable
	engine.Info(cb, "Waiting for service %s to reach steady state", name)
	if err := d.client.WaitUntilServicesStable(ctx, infra, name, opts.timeout); err != nil {
		return err
	}
	engine.Info(cb, "Service %s reached steady state", name)

	return d.applyAutoScaling(ctx, infra, st, cb)
}

func (d *Deployer) clearAutoScaling(ctx context.Context, infra engine.InfraConfig, resourceID string, cb engine.LogCallback) error {
	// Policies go before their targets
	policies, err := d.client.ListScalingPolicies(ctx, infra, resourceID)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := d.client.DeleteScalingPolicy(ctx, infra, p); err != nil {
			return err
		}
		engine.Info(cb, "Deleted scaling policy %s", aws.ToString(p.PolicyName))
	}

	targets, err := d.client.ListScalableTargets(ctx, infra, resourceID)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := d.client.DeregisterScalableTarget(ctx, infra, t); err != nil {
			return err
		}
		engine.Info(cb, "Deregistered scalable target %s", aws.ToString(t.ResourceId))
	}
	return nil
}

func (d *Deployer) applyAutoScaling(ctx context.Context, infra engine.InfraConfig, st *desiredState, cb engine.LogCallback) error {
	// Targets must exist before policies reference them
	for _, t := range st.targets {
		if err := d.client.RegisterScalableTarget(ctx, infra, t); err != nil {
			return err
		}
		engine.Info(cb, "Registered scalable target %s", aws.ToString(t.ResourceId))
	}
	for _, p := range st.policies {
		if err := d.client.AttachScalingPolicy(ctx, infra, p); err != nil {
			return err
		}
		engine.Info(cb, "Attached scaling policy %s", aws.ToString(p.PolicyName))
	}
	return nil
}

// result lists the running tasks of a service.
func (d *Deployer) result(ctx context.Context, infra engine.InfraConfig, serviceName string) (*DeployResult, error) {
	tasks, err := d.client.ListServiceTasks(ctx, infra, serviceName)
	if err != nil {
		return nil, err
	}

	res := &DeployResult{
		Region:            infra.Region,
		InfrastructureKey: infra.InfraKey,
		ServiceName:       serviceName,
		Cluster:           infra.Cluster,
		Instances:         make([]*instancesync.ECSServerInstanceInfo, 0, len(tasks)),
	}
	for _, task := range tasks {
		res.Instances = append(res.Instances, instancesync.NewECSServerInstanceInfo(task, infra.Region, infra.InfraKey, serviceName))
	}
	return res, nil
}

// fail writes the final error line and returns err as an orchestration error.
func fail(ic *telemetry.InstrumentedContext, cb engine.LogCallback, operation string, err error) error {
	var classified *engine.OrchestrationError
	if !errors.As(err, &classified) {
		err = engine.NewUnknownError(operation+" failed", err).WithOperation(operation)
	}
	engine.Fail(cb, "%s failed: %v", operation, err)
	ic.Logger.WithError(err).WithField("class", string(engine.ClassOf(err))).Error(operation + " failed")
	return err
}

func isActive(svc *ecstypes.Service) bool {
	return svc != nil && aws.ToString(svc.Status) == "ACTIVE"
}

func timeoutOf(minutes int) time.Duration {
	return engine.Minutes(minutes, DefaultTimeoutMinutes*time.Minute)
}

func logCallback(cb engine.LogCallback) engine.LogCallback {
	if cb == nil {
		return engine.NopLogCallback{}
	}
	return cb
}

func handle(infra engine.InfraConfig, serviceName string) engine.DeployedUnitHandle {
	return engine.DeployedUnitHandle{
		Cluster:     infra.Cluster,
		ServiceName: serviceName,
		Region:      infra.Region,
	}
}
