package instancesync

import (
	"fmt"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// InfrastructureKind discriminates which handler and fetch strategy applies to a unit.
type InfrastructureKind string

const (
	// KindECS is a cloud container service.
	KindECS InfrastructureKind = "ECS"

	// KindPDC is a physical data center: a fixed list of SSH/WinRM hosts.
	KindPDC InfrastructureKind = "PDC"

	// KindSSHWinRMAWS is an SSH/WinRM fleet discovered through the compute API.
	KindSSHWinRMAWS InfrastructureKind = "SSH_WINRM_AWS"

	// KindCustomDeployment is a script-driven host set.
	KindCustomDeployment InfrastructureKind = "CUSTOM_DEPLOYMENT"
)

// Perpetual task types, one per infrastructure kind.
const (
	TaskTypeECS              = "ECS_INSTANCE_SYNC_NG"
	TaskTypePDC              = "PDC_INSTANCE_SYNC_NG"
	TaskTypeSSHWinRMAWS      = "AWS_SSH_WINRM_INSTANCE_SYNC_NG"
	TaskTypeCustomDeployment = "CUSTOM_DEPLOYMENT_INSTANCE_SYNC_NG"
)

// Known returns true if k is one of the supported kinds.
func (k InfrastructureKind) Known() bool {
	switch k {
	case KindECS, KindPDC, KindSSHWinRMAWS, KindCustomDeployment:
		return true
	default:
		return false
	}
}

// ServerInstanceInfo is a provider-native observation of one running instance.
type ServerInstanceInfo interface {
	Kind() InfrastructureKind
}

// DeploymentInfo describes what was deployed; it seeds the instance-sync task.
type DeploymentInfo interface {
	Kind() InfrastructureKind
}

// InstanceInfo is the normalized description of one running instance.
type InstanceInfo interface {
	Kind() InfrastructureKind
}

// InfrastructureDetails are the flat key/value facts recorded for an instance.
type InfrastructureDetails map[string]string

// Handler converts between the provider-native and normalized records of one kind
// and builds its perpetual task payload. Every method rejects inputs of another kind.
type Handler interface {
	PerpetualTaskType() string
	InfrastructureKind() InfrastructureKind

	// ToDeploymentInfo collapses observed instances into the set of deployed units.
	ToDeploymentInfo(observed []ServerInstanceInfo) ([]DeploymentInfo, error)

	ToInstanceInfo(observed ServerInstanceInfo) (InstanceInfo, error)
	ToInfrastructureDetails(info InstanceInfo) (InfrastructureDetails, error)

	// BuildTaskParams serializes the perpetual task payload for the given deployments.
	BuildTaskParams(infra engine.InfraConfig, deployments []DeploymentInfo) ([]byte, error)
}

// mustBe asserts that v holds a non-nil *T.
func mustBe[T any](v interface{}, what string) (*T, error) {
	t, ok := v.(*T)
	if !ok || t == nil {
		return nil, engine.NewInvalidArgumentsError(
			fmt.Sprintf("%s must be instance of %T, got %T", what, (*T)(nil), v), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	return t, nil
}

// checkInfra rejects an infra config of another kind.
func checkInfra(infra engine.InfraConfig, kind InfrastructureKind) error {
	if InfrastructureKind(infra.Kind) != kind {
		return engine.NewInvalidArgumentsError(
			fmt.Sprintf("infra config must be of kind %s, got %q", kind, infra.Kind), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	return nil
}
