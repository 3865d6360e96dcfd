package instancesync

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

func TestECSHandler(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := ecstypes.Task{
		TaskArn:           aws.String("arn:aws:ecs:us-east-1:123:task/prod/abc"),
		TaskDefinitionArn: aws.String("arn:aws:ecs:us-east-1:123:task-definition/web:3"),
		ClusterArn:        aws.String("arn:aws:ecs:us-east-1:123:cluster/prod"),
		LaunchType:        ecstypes.LaunchTypeFargate,
		LastStatus:        aws.String("RUNNING"),
		StartedAt:         aws.Time(started),
		Containers: []ecstypes.Container{
			{Name: aws.String("web"), Image: aws.String("nginx:1.27"), RuntimeId: aws.String("rt-1")},
		},
	}

	observed := NewECSServerInstanceInfo(task, "us-east-1", "prod-ecs", "web")
	if observed.TaskARN != "arn:aws:ecs:us-east-1:123:task/prod/abc" || observed.LaunchType != "FARGATE" {
		t.Fatalf("unexpected server instance info %+v", observed)
	}
	if len(observed.Containers) != 1 || observed.Containers[0].RuntimeID != "rt-1" {
		t.Fatalf("expected container mapping, got %+v", observed.Containers)
	}

	h := ECSHandler{}
	second := *observed
	second.TaskARN = "arn:aws:ecs:us-east-1:123:task/prod/def"

	deployments, err := h.ToDeploymentInfo([]ServerInstanceInfo{observed, &second})
	if err != nil {
		t.Fatalf("expected deployment info, got %v", err)
	}
	if len(deployments) != 1 {
		t.Fatalf("expected tasks of one service to collapse, got %d", len(deployments))
	}
	d := deployments[0].(*ECSDeploymentInfo)
	if d.ServiceName != "web" || d.InfraKey != "prod-ecs" {
		t.Errorf("unexpected deployment info %+v", d)
	}

	instance, err := h.ToInstanceInfo(observed)
	if err != nil {
		t.Fatalf("expected instance info, got %v", err)
	}
	if !instance.(*ECSInstanceInfo).StartedAt.Equal(started) {
		t.Errorf("expected started at %s, got %s", started, instance.(*ECSInstanceInfo).StartedAt)
	}

	details, err := h.ToInfrastructureDetails(instance)
	if err != nil {
		t.Fatalf("expected details, got %v", err)
	}
	if details["serviceName"] != "web" || details["taskArn"] != observed.TaskARN {
		t.Errorf("unexpected details %v", details)
	}

	infra := engine.InfraConfig{Kind: "ECS", Region: "us-east-1", Cluster: "prod", InfraKey: "prod-ecs"}
	data, err := h.BuildTaskParams(infra, deployments)
	if err != nil {
		t.Fatalf("expected params, got %v", err)
	}
	var params ECSTaskParams
	if err := json.Unmarshal(data, &params); err != nil {
		t.Fatalf("params are not valid json: %v", err)
	}
	if len(params.Services) != 1 || params.Services[0].ServiceName != "web" || params.Infra.Cluster != "prod" {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestPDCHandler(t *testing.T) {
	h := PDCHandler{}
	observed := []ServerInstanceInfo{
		&PDCServerInstanceInfo{Host: "b.example", Port: 22, InfraKey: "lab"},
		&PDCServerInstanceInfo{Host: "a.example", Port: 22, InfraKey: "lab"},
		&PDCServerInstanceInfo{Host: "a.example", Port: 22, InfraKey: "lab"},
	}

	deployments, err := h.ToDeploymentInfo(observed)
	if err != nil {
		t.Fatalf("expected deployment info, got %v", err)
	}
	if len(deployments) != 1 {
		t.Fatalf("expected one deployment, got %d", len(deployments))
	}
	if hosts := deployments[0].(*PDCDeploymentInfo).Hosts; !reflect.DeepEqual(hosts, []string{"a.example", "b.example"}) {
		t.Errorf("expected sorted unique hosts, got %v", hosts)
	}

	instance, err := h.ToInstanceInfo(observed[0])
	if err != nil {
		t.Fatalf("expected instance info, got %v", err)
	}
	details, err := h.ToInfrastructureDetails(instance)
	if err != nil {
		t.Fatalf("expected details, got %v", err)
	}
	if details["hostname"] != "b.example" {
		t.Errorf("unexpected details %v", details)
	}

	data, err := h.BuildTaskParams(engine.InfraConfig{Kind: "PDC", Region: "local"}, deployments)
	if err != nil {
		t.Fatalf("expected params, got %v", err)
	}
	var params PDCTaskParams
	if err := json.Unmarshal(data, &params); err != nil {
		t.Fatalf("params are not valid json: %v", err)
	}
	if params.Port != DefaultSSHPort || len(params.Hosts) != 2 {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestAWSSSHHandler(t *testing.T) {
	inst := ec2types.Instance{
		InstanceId:       aws.String("i-1"),
		PrivateIpAddress: aws.String("10.1.0.5"),
		PrivateDnsName:   aws.String("ip-10-1-0-5.ec2.internal"),
		Tags: []ec2types.Tag{
			{Key: aws.String("aws:autoscaling:groupName"), Value: aws.String("web-asg")},
		},
	}

	byIP := NewAWSSSHServerInstanceInfo(inst, "us-east-1", "fleet", "")
	if byIP.Host != "10.1.0.5" || byIP.AutoScalingGroup != "web-asg" {
		t.Fatalf("unexpected server instance info %+v", byIP)
	}
	byDNS := NewAWSSSHServerInstanceInfo(inst, "us-east-1", "fleet", HostPrivateDNS)
	if byDNS.Host != "ip-10-1-0-5.ec2.internal" {
		t.Fatalf("expected private dns host, got %s", byDNS.Host)
	}

	h := AWSSSHHandler{}
	deployments, err := h.ToDeploymentInfo([]ServerInstanceInfo{byIP})
	if err != nil {
		t.Fatalf("expected deployment info, got %v", err)
	}
	d := deployments[0].(*AWSSSHDeploymentInfo)
	if d.AutoScalingGroup != "web-asg" || !reflect.DeepEqual(d.Hosts, []string{"10.1.0.5"}) {
		t.Errorf("unexpected deployment info %+v", d)
	}

	instance, err := h.ToInstanceInfo(byIP)
	if err != nil {
		t.Fatalf("expected instance info, got %v", err)
	}
	details, err := h.ToInfrastructureDetails(instance)
	if err != nil {
		t.Fatalf("expected details, got %v", err)
	}
	if details["hostname"] != "10.1.0.5" || details["instanceId"] != "i-1" {
		t.Errorf("unexpected details %v", details)
	}

	data, err := h.BuildTaskParams(engine.InfraConfig{Kind: "SSH_WINRM_AWS", Region: "us-east-1"}, deployments)
	if err != nil {
		t.Fatalf("expected params, got %v", err)
	}
	var params AWSSSHTaskParams
	if err := json.Unmarshal(data, &params); err != nil {
		t.Fatalf("params are not valid json: %v", err)
	}
	if params.AutoScalingGroup != "web-asg" || len(params.Hosts) != 1 {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestCustomDeploymentHandler(t *testing.T) {
	script := "echo '{\"hosts\":[]}' > $INSTANCE_OUTPUT_PATH"
	h := CustomDeploymentHandler{}

	observed := &CustomDeploymentServerInstanceInfo{
		InstanceName: "host-1",
		Properties:   map[string]interface{}{"ip": "10.0.0.9"},
		ScriptHash:   ScriptHash(script),
		InfraKey:     "custom",
	}
	deployments, err := h.ToDeploymentInfo([]ServerInstanceInfo{observed, observed})
	if err != nil {
		t.Fatalf("expected deployment info, got %v", err)
	}
	if len(deployments) != 1 {
		t.Fatalf("expected one deployment, got %d", len(deployments))
	}

	instance, err := h.ToInstanceInfo(observed)
	if err != nil {
		t.Fatalf("expected instance info, got %v", err)
	}
	details, err := h.ToInfrastructureDetails(instance)
	if err != nil {
		t.Fatalf("expected details, got %v", err)
	}
	if details["instanceName"] != "host-1" {
		t.Errorf("unexpected details %v", details)
	}

	infra := engine.InfraConfig{Kind: "CUSTOM_DEPLOYMENT", Region: "local"}
	data, err := h.BuildTaskParams(infra, []DeploymentInfo{&CustomDeploymentDeploymentInfo{InstanceFetchScript: script}})
	if err != nil {
		t.Fatalf("expected params, got %v", err)
	}
	var params CustomDeploymentTaskParams
	if err := json.Unmarshal(data, &params); err != nil {
		t.Fatalf("params are not valid json: %v", err)
	}
	if params.Script != script || params.ScriptHash != ScriptHash(script) {
		t.Errorf("unexpected params %+v", params)
	}

	_, err = h.BuildTaskParams(infra, []DeploymentInfo{
		&CustomDeploymentDeploymentInfo{InstanceFetchScript: "a"},
		&CustomDeploymentDeploymentInfo{InstanceFetchScript: "b"},
	})
	if !engine.IsInvalidArguments(err) {
		t.Fatalf("expected two scripts to be rejected, got %v", err)
	}
}

func TestCustomDeploymentTaskParams_Validate(t *testing.T) {
	valid := CustomDeploymentTaskParams{
		Script:             "true",
		InstancesListPath:  ".hosts",
		InstanceAttributes: map[string]string{InstanceNameAttribute: ".name"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}

	noScript := valid
	noScript.Script = ""
	noPath := valid
	noPath.InstancesListPath = ""
	noName := valid
	noName.InstanceAttributes = map[string]string{"ip": ".ip"}

	for name, p := range map[string]CustomDeploymentTaskParams{"script": noScript, "path": noPath, "name": noName} {
		if err := p.Validate(); !engine.IsInvalidArguments(err) {
			t.Errorf("%s: expected invalid arguments, got %v", name, err)
		}
	}
}

// Every handler must refuse records of another kind before doing any work.
func TestHandlers_TypeBoundary(t *testing.T) {
	ecsInfo := &ECSServerInstanceInfo{TaskARN: "arn"}
	pdcInfo := &PDCServerInstanceInfo{Host: "h"}
	ecsDeployment := &ECSDeploymentInfo{ServiceName: "web"}
	pdcDeployment := &PDCDeploymentInfo{Hosts: []string{"h"}}
	ecsInstance := &ECSInstanceInfo{TaskARN: "arn"}
	pdcInstance := &PDCInstanceInfo{Host: "h"}

	tests := []struct {
		handler    Handler
		observed   ServerInstanceInfo
		deployment DeploymentInfo
		instance   InstanceInfo
		infraKind  string
	}{
		{ECSHandler{}, pdcInfo, pdcDeployment, pdcInstance, "PDC"},
		{PDCHandler{}, ecsInfo, ecsDeployment, ecsInstance, "ECS"},
		{AWSSSHHandler{}, ecsInfo, ecsDeployment, ecsInstance, "ECS"},
		{CustomDeploymentHandler{}, pdcInfo, pdcDeployment, pdcInstance, "PDC"},
	}

	for _, tt := range tests {
		kind := tt.handler.InfrastructureKind()
		t.Run(string(kind), func(t *testing.T) {
			if _, err := tt.handler.ToDeploymentInfo([]ServerInstanceInfo{tt.observed}); !engine.IsInvalidArguments(err) {
				t.Errorf("ToDeploymentInfo: expected invalid arguments, got %v", err)
			}
			if _, err := tt.handler.ToInstanceInfo(tt.observed); !engine.IsInvalidArguments(err) {
				t.Errorf("ToInstanceInfo: expected invalid arguments, got %v", err)
			}
			if _, err := tt.handler.ToInstanceInfo(nil); !engine.IsInvalidArguments(err) {
				t.Errorf("ToInstanceInfo(nil): expected invalid arguments, got %v", err)
			}
			if _, err := tt.handler.ToInfrastructureDetails(tt.instance); !engine.IsInvalidArguments(err) {
				t.Errorf("ToInfrastructureDetails: expected invalid arguments, got %v", err)
			}

			matching := engine.InfraConfig{Kind: string(kind), Region: "r"}
			if _, err := tt.handler.BuildTaskParams(matching, []DeploymentInfo{tt.deployment}); !engine.IsInvalidArguments(err) {
				t.Errorf("BuildTaskParams: expected invalid arguments, got %v", err)
			}
			wrongInfra := engine.InfraConfig{Kind: tt.infraKind, Region: "r"}
			if _, err := tt.handler.BuildTaskParams(wrongInfra, nil); !engine.IsInvalidArguments(err) {
				t.Errorf("BuildTaskParams with %s infra: expected invalid arguments, got %v", tt.infraKind, err)
			}
		})
	}
}

func TestHandlers_TypedNilInputs(t *testing.T) {
	tests := []struct {
		name       string
		handler    Handler
		observed   ServerInstanceInfo
		instance   InstanceInfo
		deployment DeploymentInfo
	}{
		{"ecs", ECSHandler{}, (*ECSServerInstanceInfo)(nil), (*ECSInstanceInfo)(nil), (*ECSDeploymentInfo)(nil)},
		{"pdc", PDCHandler{}, (*PDCServerInstanceInfo)(nil), (*PDCInstanceInfo)(nil), (*PDCDeploymentInfo)(nil)},
		{"aws ssh", AWSSSHHandler{}, (*AWSSSHServerInstanceInfo)(nil), (*AWSSSHInstanceInfo)(nil), (*AWSSSHDeploymentInfo)(nil)},
		{"custom", CustomDeploymentHandler{}, (*CustomDeploymentServerInstanceInfo)(nil), (*CustomDeploymentInstanceInfo)(nil), (*CustomDeploymentDeploymentInfo)(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.handler.ToInstanceInfo(tt.observed); !engine.IsInvalidArguments(err) {
				t.Errorf("ToInstanceInfo: expected invalid arguments, got %v", err)
			}
			if _, err := tt.handler.ToDeploymentInfo([]ServerInstanceInfo{tt.observed}); !engine.IsInvalidArguments(err) {
				t.Errorf("ToDeploymentInfo: expected invalid arguments, got %v", err)
			}
			if _, err := tt.handler.ToInfrastructureDetails(tt.instance); !engine.IsInvalidArguments(err) {
				t.Errorf("ToInfrastructureDetails: expected invalid arguments, got %v", err)
			}
			infra := engine.InfraConfig{Kind: string(tt.handler.InfrastructureKind()), Cluster: "prod", Region: "us-east-1", InfraKey: "k"}
			if _, err := tt.handler.BuildTaskParams(infra, []DeploymentInfo{tt.deployment}); !engine.IsInvalidArguments(err) {
				t.Errorf("BuildTaskParams: expected invalid arguments, got %v", err)
			}
		})
	}
}
