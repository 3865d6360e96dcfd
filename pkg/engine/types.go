package engine

import (
	"fmt"
	"time"
)

// AwsCredentials carries already-resolved connector credentials.
// Secrets are decrypted by the caller; this core never talks to a secret store.
type AwsCredentials struct {
	// AccessKeyID and SecretAccessKey select static credentials when both are set.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// RoleARN, when set, is assumed on top of the base credentials.
	RoleARN    string `json:"role_arn,omitempty" yaml:"role_arn,omitempty"`
	ExternalID string `json:"external_id,omitempty" yaml:"external_id,omitempty"`
}

// IsStatic reports whether static keys were supplied.
func (c AwsCredentials) IsStatic() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// InfraConfig is the resolved connection facts for one target environment.
// It is created once per request and never mutated; pass it by value.
type InfraConfig struct {
	// Kind is the infrastructure kind this config targets (e.g. "ECS").
	Kind string `json:"kind" yaml:"kind"`

	// Cluster is the orchestration cluster name or ARN.
	Cluster string `json:"cluster,omitempty" yaml:"cluster,omitempty"`

	// Region is the cloud region.
	Region string `json:"region" yaml:"region"`

	// Endpoint optionally overrides the service endpoint (local stacks, VPC endpoints).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// InfraKey is the stable key of the infrastructure definition.
	InfraKey string `json:"infra_key" yaml:"infra_key"`

	// Credentials are the already-decrypted credentials.
	Credentials AwsCredentials `json:"credentials" yaml:"credentials"`
}

// Validate checks the fields every remote call needs.
func (c InfraConfig) Validate() error {
	if c.Region == "" {
		return NewInvalidArgumentsError("infra config: region is required", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// DeployedUnitHandle identifies one deployable unit across deploy, sync, rollback and delete.
type DeployedUnitHandle struct {
	Cluster     string `json:"cluster"`
	ServiceName string `json:"service_name"`
	Region      string `json:"region"`
}

// Key returns a stable string form of the handle.
func (h DeployedUnitHandle) Key() string {
	return fmt.Sprintf("%s/%s/%s", h.Region, h.Cluster, h.ServiceName)
}

// String implements fmt.Stringer.
func (h DeployedUnitHandle) String() string {
	return h.Key()
}

// Minutes converts a request timeout in minutes to a duration.
// Non-positive values fall back to def.
func Minutes(timeoutMinutes int, def time.Duration) time.Duration {
	if timeoutMinutes <= 0 {
		return def
	}
	return time.Duration(timeoutMinutes) * time.Minute
}
