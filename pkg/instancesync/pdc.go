package instancesync

import (
	"encoding/json"
	"sort"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// DefaultSSHPort is the port dialed when a host list does not name one.
const DefaultSSHPort = 22

// PDCServerInstanceInfo is a reachable host of a fixed host list.
type PDCServerInstanceInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	InfraKey string `json:"infra_key"`
}

// Kind implements ServerInstanceInfo.
func (*PDCServerInstanceInfo) Kind() InfrastructureKind { return KindPDC }

// PDCDeploymentInfo is the host set a unit was deployed to.
type PDCDeploymentInfo struct {
	Hosts    []string `json:"hosts"`
	InfraKey string   `json:"infra_key"`
}

// Kind implements DeploymentInfo.
func (*PDCDeploymentInfo) Kind() InfrastructureKind { return KindPDC }

// PDCInstanceInfo is a normalized host.
type PDCInstanceInfo struct {
	Host string `json:"host"`
}

// Kind implements InstanceInfo.
func (*PDCInstanceInfo) Kind() InfrastructureKind { return KindPDC }

// PDCTaskParams is the payload of a PDC instance-sync task.
type PDCTaskParams struct {
	Infra engine.InfraConfig `json:"infra"`
	Hosts []string           `json:"hosts"`

	// Port is dialed on every host. Defaults to DefaultSSHPort.
	Port int `json:"port,omitempty"`

	// DialTimeoutSeconds bounds each reachability check.
	DialTimeoutSeconds int `json:"dial_timeout_seconds,omitempty"`

	// Parallelism bounds concurrent dials.
	Parallelism int `json:"parallelism,omitempty"`
}

// PDCHandler handles KindPDC.
type PDCHandler struct{}

// PerpetualTaskType implements Handler.
func (PDCHandler) PerpetualTaskType() string { return TaskTypePDC }

// InfrastructureKind implements Handler.
func (PDCHandler) InfrastructureKind() InfrastructureKind { return KindPDC }

// ToDeploymentInfo implements Handler. All observed hosts form one deployment per infra key.
func (PDCHandler) ToDeploymentInfo(observed []ServerInstanceInfo) ([]DeploymentInfo, error) {
	byKey := make(map[string][]string)
	var keys []string
	for _, o := range observed {
		info, err := mustBe[PDCServerInstanceInfo](o, "server instance info")
		if err != nil {
			return nil, err
		}
		if _, ok := byKey[info.InfraKey]; !ok {
			keys = append(keys, info.InfraKey)
		}
		byKey[info.InfraKey] = append(byKey[info.InfraKey], info.Host)
	}

	out := make([]DeploymentInfo, 0, len(keys))
	for _, key := range keys {
		out = append(out, &PDCDeploymentInfo{Hosts: uniqueSorted(byKey[key]), InfraKey: key})
	}
	return out, nil
}

// ToInstanceInfo implements Handler.
func (PDCHandler) ToInstanceInfo(observed ServerInstanceInfo) (InstanceInfo, error) {
	info, err := mustBe[PDCServerInstanceInfo](observed, "server instance info")
	if err != nil {
		return nil, err
	}
	return &PDCInstanceInfo{Host: info.Host}, nil
}

// ToInfrastructureDetails implements Handler.
func (PDCHandler) ToInfrastructureDetails(instance InstanceInfo) (InfrastructureDetails, error) {
	info, err := mustBe[PDCInstanceInfo](instance, "instance info")
	if err != nil {
		return nil, err
	}
	return InfrastructureDetails{"hostname": info.Host}, nil
}

// BuildTaskParams implements Handler.
func (PDCHandler) BuildTaskParams(infra engine.InfraConfig, deployments []DeploymentInfo) ([]byte, error) {
	if err := checkInfra(infra, KindPDC); err != nil {
		return nil, err
	}

	var hosts []string
	for _, d := range deployments {
		info, err := mustBe[PDCDeploymentInfo](d, "deployment info")
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, info.Hosts...)
	}
	return json.Marshal(PDCTaskParams{
		Infra: infra,
		Hosts: uniqueSorted(hosts),
		Port:  DefaultSSHPort,
	})
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
