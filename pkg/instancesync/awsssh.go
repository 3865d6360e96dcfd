package instancesync

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// Host attributes an AWS fleet can be addressed by.
const (
	HostPrivateIP  = "private_ip"
	HostPrivateDNS = "private_dns"
	HostPublicIP   = "public_ip"
	HostPublicDNS  = "public_dns"
)

// AWSSSHServerInstanceInfo is a running compute instance of an SSH/WinRM fleet.
type AWSSSHServerInstanceInfo struct {
	InstanceID       string `json:"instance_id"`
	Host             string `json:"host"`
	PrivateIP        string `json:"private_ip,omitempty"`
	PrivateDNS       string `json:"private_dns,omitempty"`
	PublicIP         string `json:"public_ip,omitempty"`
	PublicDNS        string `json:"public_dns,omitempty"`
	AutoScalingGroup string `json:"auto_scaling_group,omitempty"`
	Region           string `json:"region"`
	InfraKey         string `json:"infra_key"`
}

// Kind implements ServerInstanceInfo.
func (*AWSSSHServerInstanceInfo) Kind() InfrastructureKind { return KindSSHWinRMAWS }

// NewAWSSSHServerInstanceInfo maps a described instance, addressing it by hostAttribute.
func NewAWSSSHServerInstanceInfo(inst ec2types.Instance, region, infraKey, hostAttribute string) *AWSSSHServerInstanceInfo {
	info := &AWSSSHServerInstanceInfo{
		InstanceID: aws.ToString(inst.InstanceId),
		PrivateIP:  aws.ToString(inst.PrivateIpAddress),
		PrivateDNS: aws.ToString(inst.PrivateDnsName),
		PublicIP:   aws.ToString(inst.PublicIpAddress),
		PublicDNS:  aws.ToString(inst.PublicDnsName),
		Region:     region,
		InfraKey:   infraKey,
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "aws:autoscaling:groupName" {
			info.AutoScalingGroup = aws.ToString(tag.Value)
		}
	}
	info.Host = info.address(hostAttribute)
	return info
}

func (i *AWSSSHServerInstanceInfo) address(attribute string) string {
	switch attribute {
	case HostPrivateDNS:
		return i.PrivateDNS
	case HostPublicIP:
		return i.PublicIP
	case HostPublicDNS:
		return i.PublicDNS
	default:
		return i.PrivateIP
	}
}

// AWSSSHDeploymentInfo is the fleet selector and host set a unit was deployed to.
type AWSSSHDeploymentInfo struct {
	Region           string            `json:"region"`
	InfraKey         string            `json:"infra_key"`
	Hosts            []string          `json:"hosts"`
	AutoScalingGroup string            `json:"auto_scaling_group,omitempty"`
	VpcID            string            `json:"vpc_id,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Kind implements DeploymentInfo.
func (*AWSSSHDeploymentInfo) Kind() InfrastructureKind { return KindSSHWinRMAWS }

// AWSSSHInstanceInfo is a normalized fleet instance.
type AWSSSHInstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Host       string `json:"host"`
}

// Kind implements InstanceInfo.
func (*AWSSSHInstanceInfo) Kind() InfrastructureKind { return KindSSHWinRMAWS }

// AWSSSHTaskParams is the payload of an AWS SSH/WinRM instance-sync task.
type AWSSSHTaskParams struct {
	Infra engine.InfraConfig `json:"infra"`

	// Hosts are the previously deployed hosts; only fleet members among them are reported.
	Hosts []string `json:"hosts"`

	AutoScalingGroup string            `json:"auto_scaling_group,omitempty"`
	VpcID            string            `json:"vpc_id,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`

	// HostAttribute selects the address matched against Hosts. Defaults to private_ip.
	HostAttribute string `json:"host_attribute,omitempty"`
}

// AWSSSHHandler handles KindSSHWinRMAWS.
type AWSSSHHandler struct{}

// PerpetualTaskType implements Handler.
func (AWSSSHHandler) PerpetualTaskType() string { return TaskTypeSSHWinRMAWS }

// InfrastructureKind implements Handler.
func (AWSSSHHandler) InfrastructureKind() InfrastructureKind { return KindSSHWinRMAWS }

// ToDeploymentInfo implements Handler. Instances are grouped by infra key and
// autoscaling group.
func (AWSSSHHandler) ToDeploymentInfo(observed []ServerInstanceInfo) ([]DeploymentInfo, error) {
	type group struct{ infraKey, asg string }
	byGroup := make(map[group]*AWSSSHDeploymentInfo)
	var order []group
	for _, o := range observed {
		info, err := mustBe[AWSSSHServerInstanceInfo](o, "server instance info")
		if err != nil {
			return nil, err
		}
		g := group{info.InfraKey, info.AutoScalingGroup}
		d, ok := byGroup[g]
		if !ok {
			d = &AWSSSHDeploymentInfo{
				Region:           info.Region,
				InfraKey:         info.InfraKey,
				AutoScalingGroup: info.AutoScalingGroup,
			}
			byGroup[g] = d
			order = append(order, g)
		}
		d.Hosts = append(d.Hosts, info.Host)
	}

	out := make([]DeploymentInfo, 0, len(order))
	for _, g := range order {
		d := byGroup[g]
		d.Hosts = uniqueSorted(d.Hosts)
		out = append(out, d)
	}
	return out, nil
}

// ToInstanceInfo implements Handler.
func (AWSSSHHandler) ToInstanceInfo(observed ServerInstanceInfo) (InstanceInfo, error) {
	info, err := mustBe[AWSSSHServerInstanceInfo](observed, "server instance info")
	if err != nil {
		return nil, err
	}
	return &AWSSSHInstanceInfo{InstanceID: info.InstanceID, Host: info.Host}, nil
}

// ToInfrastructureDetails implements Handler.
func (AWSSSHHandler) ToInfrastructureDetails(instance InstanceInfo) (InfrastructureDetails, error) {
	info, err := mustBe[AWSSSHInstanceInfo](instance, "instance info")
	if err != nil {
		return nil, err
	}
	return InfrastructureDetails{
		"hostname":   info.Host,
		"instanceId": info.InstanceID,
	}, nil
}

// BuildTaskParams implements Handler. The fleet selector is taken from the first
// deployment that sets one.
func (AWSSSHHandler) BuildTaskParams(infra engine.InfraConfig, deployments []DeploymentInfo) ([]byte, error) {
	if err := checkInfra(infra, KindSSHWinRMAWS); err != nil {
		return nil, err
	}

	params := AWSSSHTaskParams{Infra: infra}
	var hosts []string
	for _, d := range deployments {
		info, err := mustBe[AWSSSHDeploymentInfo](d, "deployment info")
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, info.Hosts...)
		if params.AutoScalingGroup == "" && params.VpcID == "" && len(params.Tags) == 0 {
			params.AutoScalingGroup = info.AutoScalingGroup
			params.VpcID = info.VpcID
			params.Tags = info.Tags
		}
	}
	params.Hosts = uniqueSorted(hosts)
	return json.Marshal(params)
}
