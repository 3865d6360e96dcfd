package instancesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// InstanceNameAttribute is the attribute every custom deployment instance must map.
const InstanceNameAttribute = "instancename"

// CustomDeploymentServerInstanceInfo is one record produced by a fetch script.
type CustomDeploymentServerInstanceInfo struct {
	InstanceName string                 `json:"instance_name"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	ScriptHash   string                 `json:"script_hash"`
	InfraKey     string                 `json:"infra_key"`
}

// Kind implements ServerInstanceInfo.
func (*CustomDeploymentServerInstanceInfo) Kind() InfrastructureKind { return KindCustomDeployment }

// CustomDeploymentDeploymentInfo is the fetch script a unit's instances are discovered with.
type CustomDeploymentDeploymentInfo struct {
	InstanceFetchScript string `json:"instance_fetch_script"`
	ScriptHash          string `json:"script_hash"`
	InfraKey            string `json:"infra_key"`
}

// Kind implements DeploymentInfo.
func (*CustomDeploymentDeploymentInfo) Kind() InfrastructureKind { return KindCustomDeployment }

// CustomDeploymentInstanceInfo is a normalized script-reported instance.
type CustomDeploymentInstanceInfo struct {
	InstanceName string                 `json:"instance_name"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// Kind implements InstanceInfo.
func (*CustomDeploymentInstanceInfo) Kind() InfrastructureKind { return KindCustomDeployment }

// CustomDeploymentTaskParams is the payload of a custom deployment instance-sync task.
type CustomDeploymentTaskParams struct {
	Infra engine.InfraConfig `json:"infra"`

	// Script writes the instance records to $INSTANCE_OUTPUT_PATH.
	Script     string `json:"script"`
	ScriptHash string `json:"script_hash,omitempty"`

	// InstancesListPath is a jq path to the array of instance records (e.g. ".hosts").
	InstancesListPath string `json:"instances_list_path"`

	// InstanceAttributes maps an attribute name to a jq path evaluated on each record.
	// The InstanceNameAttribute entry is required.
	InstanceAttributes map[string]string `json:"instance_attributes"`

	Shell          string            `json:"shell,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Validate checks the fields the fetcher needs.
func (p CustomDeploymentTaskParams) Validate() error {
	if p.Script == "" {
		return engine.NewInvalidArgumentsError("custom deployment params: script is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if p.InstancesListPath == "" {
		return engine.NewInvalidArgumentsError("custom deployment params: instances_list_path is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if p.InstanceAttributes[InstanceNameAttribute] == "" {
		return engine.NewInvalidArgumentsError(
			fmt.Sprintf("custom deployment params: instance attribute %q is required", InstanceNameAttribute), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// ScriptHash returns the hex sha256 of a fetch script.
func ScriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// CustomDeploymentHandler handles KindCustomDeployment.
type CustomDeploymentHandler struct{}

// PerpetualTaskType implements Handler.
func (CustomDeploymentHandler) PerpetualTaskType() string { return TaskTypeCustomDeployment }

// InfrastructureKind implements Handler.
func (CustomDeploymentHandler) InfrastructureKind() InfrastructureKind { return KindCustomDeployment }

// ToDeploymentInfo implements Handler. Records of the same script collapse into one entry.
// The script text itself is not part of an observation and is filled in by the caller.
func (CustomDeploymentHandler) ToDeploymentInfo(observed []ServerInstanceInfo) ([]DeploymentInfo, error) {
	type key struct{ hash, infraKey string }
	seen := make(map[key]bool)
	var out []DeploymentInfo
	for _, o := range observed {
		info, err := mustBe[CustomDeploymentServerInstanceInfo](o, "server instance info")
		if err != nil {
			return nil, err
		}
		k := key{info.ScriptHash, info.InfraKey}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, &CustomDeploymentDeploymentInfo{ScriptHash: info.ScriptHash, InfraKey: info.InfraKey})
	}
	return out, nil
}

// ToInstanceInfo implements Handler.
func (CustomDeploymentHandler) ToInstanceInfo(observed ServerInstanceInfo) (InstanceInfo, error) {
	info, err := mustBe[CustomDeploymentServerInstanceInfo](observed, "server instance info")
	if err != nil {
		return nil, err
	}
	return &CustomDeploymentInstanceInfo{
		InstanceName: info.InstanceName,
		Properties:   info.Properties,
	}, nil
}

// ToInfrastructureDetails implements Handler.
func (CustomDeploymentHandler) ToInfrastructureDetails(instance InstanceInfo) (InfrastructureDetails, error) {
	info, err := mustBe[CustomDeploymentInstanceInfo](instance, "instance info")
	if err != nil {
		return nil, err
	}
	return InfrastructureDetails{"instanceName": info.InstanceName}, nil
}

// BuildTaskParams implements Handler. Exactly one script per task is supported; the
// jq paths are supplied by the caller on top of the returned payload.
func (CustomDeploymentHandler) BuildTaskParams(infra engine.InfraConfig, deployments []DeploymentInfo) ([]byte, error) {
	if err := checkInfra(infra, KindCustomDeployment); err != nil {
		return nil, err
	}

	params := CustomDeploymentTaskParams{Infra: infra}
	for _, d := range deployments {
		info, err := mustBe[CustomDeploymentDeploymentInfo](d, "deployment info")
		if err != nil {
			return nil, err
		}
		if params.Script != "" && info.InstanceFetchScript != params.Script {
			return nil, engine.NewInvalidArgumentsError("custom deployment task supports a single fetch script", nil).
				WithCode(engine.ErrCodeValidation)
		}
		params.Script = info.InstanceFetchScript
		params.ScriptHash = ScriptHash(info.InstanceFetchScript)
	}
	return json.Marshal(params)
}
