package instancesync

import (
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// ECSContainer is one container of a task.
type ECSContainer struct {
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	RuntimeID  string `json:"runtime_id,omitempty"`
	LastStatus string `json:"last_status,omitempty"`
}

// ECSServerInstanceInfo is a running task as reported by the container service.
type ECSServerInstanceInfo struct {
	Region            string         `json:"region"`
	Cluster           string         `json:"cluster"`
	ServiceName       string         `json:"service_name"`
	InfraKey          string         `json:"infra_key"`
	TaskARN           string         `json:"task_arn"`
	TaskDefinitionARN string         `json:"task_definition_arn"`
	LaunchType        string         `json:"launch_type,omitempty"`
	LastStatus        string         `json:"last_status,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	Containers        []ECSContainer `json:"containers,omitempty"`
}

// Kind implements ServerInstanceInfo.
func (*ECSServerInstanceInfo) Kind() InfrastructureKind { return KindECS }

// NewECSServerInstanceInfo maps a described task.
func NewECSServerInstanceInfo(task ecstypes.Task, region, infraKey, serviceName string) *ECSServerInstanceInfo {
	info := &ECSServerInstanceInfo{
		Region:            region,
		Cluster:           aws.ToString(task.ClusterArn),
		ServiceName:       serviceName,
		InfraKey:          infraKey,
		TaskARN:           aws.ToString(task.TaskArn),
		TaskDefinitionARN: aws.ToString(task.TaskDefinitionArn),
		LaunchType:        string(task.LaunchType),
		LastStatus:        aws.ToString(task.LastStatus),
		StartedAt:         aws.ToTime(task.StartedAt),
	}
	for _, c := range task.Containers {
		info.Containers = append(info.Containers, ECSContainer{
			Name:       aws.ToString(c.Name),
			Image:      aws.ToString(c.Image),
			RuntimeID:  aws.ToString(c.RuntimeId),
			LastStatus: aws.ToString(c.LastStatus),
		})
	}
	return info
}

// ECSDeploymentInfo identifies one deployed service.
type ECSDeploymentInfo struct {
	Region      string `json:"region"`
	Cluster     string `json:"cluster"`
	ServiceName string `json:"service_name"`
	InfraKey    string `json:"infra_key"`
}

// Kind implements DeploymentInfo.
func (*ECSDeploymentInfo) Kind() InfrastructureKind { return KindECS }

// ECSInstanceInfo is a normalized running task.
type ECSInstanceInfo struct {
	Region            string         `json:"region"`
	Cluster           string         `json:"cluster"`
	ServiceName       string         `json:"service_name"`
	TaskARN           string         `json:"task_arn"`
	TaskDefinitionARN string         `json:"task_definition_arn"`
	LaunchType        string         `json:"launch_type,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	Containers        []ECSContainer `json:"containers,omitempty"`
}

// Kind implements InstanceInfo.
func (*ECSInstanceInfo) Kind() InfrastructureKind { return KindECS }

// ECSRelease is one service polled by an ECS task.
type ECSRelease struct {
	ServiceName string `json:"service_name"`
	Cluster     string `json:"cluster,omitempty"`
}

// ECSTaskParams is the payload of an ECS instance-sync task.
type ECSTaskParams struct {
	Infra    engine.InfraConfig `json:"infra"`
	Services []ECSRelease       `json:"services"`
}

// ECSHandler handles KindECS.
type ECSHandler struct{}

// PerpetualTaskType implements Handler.
func (ECSHandler) PerpetualTaskType() string { return TaskTypeECS }

// InfrastructureKind implements Handler.
func (ECSHandler) InfrastructureKind() InfrastructureKind { return KindECS }

// ToDeploymentInfo implements Handler. Tasks of the same service collapse into one entry.
func (ECSHandler) ToDeploymentInfo(observed []ServerInstanceInfo) ([]DeploymentInfo, error) {
	seen := make(map[ECSDeploymentInfo]bool)
	var out []DeploymentInfo
	for _, o := range observed {
		info, err := mustBe[ECSServerInstanceInfo](o, "server instance info")
		if err != nil {
			return nil, err
		}
		d := ECSDeploymentInfo{
			Region:      info.Region,
			Cluster:     info.Cluster,
			ServiceName: info.ServiceName,
			InfraKey:    info.InfraKey,
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, &d)
	}
	return out, nil
}

// ToInstanceInfo implements Handler.
func (ECSHandler) ToInstanceInfo(observed ServerInstanceInfo) (InstanceInfo, error) {
	info, err := mustBe[ECSServerInstanceInfo](observed, "server instance info")
	if err != nil {
		return nil, err
	}
	return &ECSInstanceInfo{
		Region:            info.Region,
		Cluster:           info.Cluster,
		ServiceName:       info.ServiceName,
		TaskARN:           info.TaskARN,
		TaskDefinitionARN: info.TaskDefinitionARN,
		LaunchType:        info.LaunchType,
		StartedAt:         info.StartedAt,
		Containers:        info.Containers,
	}, nil
}

// ToInfrastructureDetails implements Handler.
func (ECSHandler) ToInfrastructureDetails(instance InstanceInfo) (InfrastructureDetails, error) {
	info, err := mustBe[ECSInstanceInfo](instance, "instance info")
	if err != nil {
		return nil, err
	}
	return InfrastructureDetails{
		"region":      info.Region,
		"cluster":     info.Cluster,
		"serviceName": info.ServiceName,
		"taskArn":     info.TaskARN,
	}, nil
}

// BuildTaskParams implements Handler.
func (ECSHandler) BuildTaskParams(infra engine.InfraConfig, deployments []DeploymentInfo) ([]byte, error) {
	if err := checkInfra(infra, KindECS); err != nil {
		return nil, err
	}

	params := ECSTaskParams{Infra: infra}
	seen := make(map[ECSRelease]bool)
	for _, d := range deployments {
		info, err := mustBe[ECSDeploymentInfo](d, "deployment info")
		if err != nil {
			return nil, err
		}
		release := ECSRelease{ServiceName: info.ServiceName, Cluster: info.Cluster}
		if seen[release] {
			continue
		}
		seen[release] = true
		params.Services = append(params.Services, release)
	}
	return json.Marshal(params)
}
