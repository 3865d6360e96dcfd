package ecsdeploy

import (
	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/snapshot"
)

// Default command unit names, used when a request does not set one.
const (
	CommandUnitPrepareRollback = "Prepare Rollback Data"
	CommandUnitDeploy          = "Deploy"
	CommandUnitRollback        = "Rollback"
	CommandUnitCanaryDeploy    = "Canary Deploy"
	CommandUnitCanaryDelete    = "Canary Delete"
)

// CanarySuffix is appended to a service name to derive its canary.
const CanarySuffix = "Canary"

// DefaultTimeoutMinutes applies when a request does not set a timeout.
const DefaultTimeoutMinutes = 10

// DefaultCanaryDesiredCount is the canary size when no override is given.
const DefaultCanaryDesiredCount int32 = 1

// PrepareRollbackRequest snapshots the live state of the service named in the descriptor.
type PrepareRollbackRequest struct {
	Infra                 engine.InfraConfig `json:"infra"`
	ServiceDescriptorText string             `json:"service_descriptor"`
	TimeoutMinutes        int                `json:"timeout_minutes,omitempty"`
	CommandUnit           string             `json:"command_unit,omitempty"`

	// FailOnPartialSnapshot turns a dropped scalable target or scaling policy into a
	// failed preparation instead of a warning.
	FailOnPartialSnapshot bool `json:"fail_on_partial_snapshot,omitempty"`
}

// RollingDeployRequest creates or updates a service and waits for steady state.
type RollingDeployRequest struct {
	Infra                 engine.InfraConfig `json:"infra"`
	ServiceDescriptorText string             `json:"service_descriptor"`
	TimeoutMinutes        int                `json:"timeout_minutes,omitempty"`
	CommandUnit           string             `json:"command_unit,omitempty"`

	// TaskDefinitionManifest, when set, is registered first and its ARN replaces the
	// descriptor's task definition.
	TaskDefinitionManifest  string   `json:"task_definition_manifest,omitempty"`
	ScalableTargetManifests []string `json:"scalable_target_manifests,omitempty"`
	ScalingPolicyManifests  []string `json:"scaling_policy_manifests,omitempty"`

	ForceNewDeployment bool `json:"force_new_deployment,omitempty"`

	// SameAsAlreadyRunningInstances keeps the live desired count on update.
	SameAsAlreadyRunningInstances bool `json:"same_as_already_running_instances,omitempty"`
}

// RollingRollbackRequest replays a snapshot taken by PrepareRollback.
type RollingRollbackRequest struct {
	Infra          engine.InfraConfig         `json:"infra"`
	Snapshot       *snapshot.RollbackSnapshot `json:"snapshot"`
	TimeoutMinutes int                        `json:"timeout_minutes,omitempty"`
	CommandUnit    string                     `json:"command_unit,omitempty"`

	// ServiceDescriptorText is optional; when set its service name must match the snapshot.
	ServiceDescriptorText string `json:"service_descriptor,omitempty"`
}

// CanaryDeployRequest deploys the canary of the service named in the descriptor.
type CanaryDeployRequest struct {
	Infra                 engine.InfraConfig `json:"infra"`
	ServiceDescriptorText string             `json:"service_descriptor"`
	TimeoutMinutes        int                `json:"timeout_minutes,omitempty"`
	CommandUnit           string             `json:"command_unit,omitempty"`

	TaskDefinitionManifest  string   `json:"task_definition_manifest,omitempty"`
	ScalableTargetManifests []string `json:"scalable_target_manifests,omitempty"`
	ScalingPolicyManifests  []string `json:"scaling_policy_manifests,omitempty"`

	// DesiredCountOverride sizes the canary. Nil means DefaultCanaryDesiredCount.
	DesiredCountOverride *int32 `json:"desired_count_override,omitempty"`
}

// CanaryDeleteRequest deletes the canary of the service named in the descriptor.
type CanaryDeleteRequest struct {
	Infra                 engine.InfraConfig `json:"infra"`
	ServiceDescriptorText string             `json:"service_descriptor"`
	TimeoutMinutes        int                `json:"timeout_minutes,omitempty"`
	CommandUnit           string             `json:"command_unit,omitempty"`
}

// Response is the outcome every handler returns.
type Response struct {
	Status       engine.CommandExecutionStatus `json:"command_execution_status"`
	ErrorMessage string                        `json:"error_message,omitempty"`
}

// PrepareRollbackResponse carries the captured snapshot.
type PrepareRollbackResponse struct {
	Response
	Snapshot *snapshot.RollbackSnapshot `json:"snapshot,omitempty"`
}

// DeployResult describes the service after a deploy, rollback or canary deploy.
type DeployResult struct {
	Region            string                                `json:"region"`
	InfrastructureKey string                                `json:"infrastructure_key"`
	ServiceName       string                                `json:"service_name"`
	Cluster           string                                `json:"cluster"`
	Instances         []*instancesync.ECSServerInstanceInfo `json:"instances"`
}

// DeployResponse carries the deploy result.
type DeployResponse struct {
	Response
	Result *DeployResult `json:"result,omitempty"`
}

// CanaryDeleteResponse reports whether a canary was deleted.
type CanaryDeleteResponse struct {
	Response
	CanaryServiceName string `json:"canary_service_name"`
	Deleted           bool   `json:"deleted"`
}

// CanaryServiceName derives the canary of a service.
func CanaryServiceName(serviceName string) string {
	return serviceName + CanarySuffix
}

func success() Response {
	return Response{Status: engine.CommandExecutionStatusSuccess}
}

func failure(err error) Response {
	return Response{Status: engine.CommandExecutionStatusFailure, ErrorMessage: err.Error()}
}

func unitName(requested, def string) string {
	if requested != "" {
		return requested
	}
	return def
}
