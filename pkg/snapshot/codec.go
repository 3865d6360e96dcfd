// Package snapshot encodes remote service state to text and back.
//
// The descriptor schema is the provider's own create request: a service descriptor is an
// ecs.CreateServiceInput, a scalable target descriptor is a RegisterScalableTargetInput and
// a scaling policy descriptor is a PutScalingPolicyInput. Manifests may be YAML or JSON;
// keys match field names case-insensitively and unknown keys are ignored. Encoded text is
// JSON and decodes back to an equal value.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"sigs.k8s.io/yaml"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// ParseServiceManifest parses a YAML or JSON service manifest.
func ParseServiceManifest(text string) (*ecs.CreateServiceInput, error) {
	in := &ecs.CreateServiceInput{}
	if err := parseManifest("service", text, in); err != nil {
		return nil, err
	}
	if in.ServiceName == nil || *in.ServiceName == "" {
		return nil, engine.NewInvalidArgumentsError("service manifest: serviceName is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return in, nil
}

// ParseTaskDefinitionManifest parses a YAML or JSON task definition manifest.
func ParseTaskDefinitionManifest(text string) (*ecs.RegisterTaskDefinitionInput, error) {
	in := &ecs.RegisterTaskDefinitionInput{}
	if err := parseManifest("task definition", text, in); err != nil {
		return nil, err
	}
	if in.Family == nil || *in.Family == "" {
		return nil, engine.NewInvalidArgumentsError("task definition manifest: family is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return in, nil
}

// ParseScalableTargetManifest parses a YAML or JSON scalable target manifest.
func ParseScalableTargetManifest(text string) (*applicationautoscaling.RegisterScalableTargetInput, error) {
	in := &applicationautoscaling.RegisterScalableTargetInput{}
	if err := parseManifest("scalable target", text, in); err != nil {
		return nil, err
	}
	return in, nil
}

// ParseScalingPolicyManifest parses a YAML or JSON scaling policy manifest.
func ParseScalingPolicyManifest(text string) (*applicationautoscaling.PutScalingPolicyInput, error) {
	in := &applicationautoscaling.PutScalingPolicyInput{}
	if err := parseManifest("scaling policy", text, in); err != nil {
		return nil, err
	}
	if in.PolicyName == nil || *in.PolicyName == "" {
		return nil, engine.NewInvalidArgumentsError("scaling policy manifest: policyName is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return in, nil
}

// ManifestToJSON converts a YAML or JSON manifest to JSON.
func ManifestToJSON(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("manifest is empty")
	}
	return yaml.YAMLToJSON([]byte(text))
}

func parseManifest(what, text string, out interface{}) error {
	data, err := ManifestToJSON(text)
	if err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("invalid %s manifest", what), err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("invalid %s manifest", what), err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// EncodeService encodes a service descriptor.
func EncodeService(in *ecs.CreateServiceInput) (string, error) {
	return encode("service", in)
}

// DecodeService decodes a service descriptor produced by EncodeService.
func DecodeService(text string) (*ecs.CreateServiceInput, error) {
	out := &ecs.CreateServiceInput{}
	if err := decode("service", text, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeScalableTarget encodes a scalable target descriptor.
func EncodeScalableTarget(in *applicationautoscaling.RegisterScalableTargetInput) (string, error) {
	return encode("scalable target", in)
}

// DecodeScalableTarget decodes a scalable target descriptor.
func DecodeScalableTarget(text string) (*applicationautoscaling.RegisterScalableTargetInput, error) {
	out := &applicationautoscaling.RegisterScalableTargetInput{}
	if err := decode("scalable target", text, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeScalingPolicy encodes a scaling policy descriptor.
func EncodeScalingPolicy(in *applicationautoscaling.PutScalingPolicyInput) (string, error) {
	return encode("scaling policy", in)
}

// DecodeScalingPolicy decodes a scaling policy descriptor.
func DecodeScalingPolicy(text string) (*applicationautoscaling.PutScalingPolicyInput, error) {
	out := &applicationautoscaling.PutScalingPolicyInput{}
	if err := decode("scaling policy", text, out); err != nil {
		return nil, err
	}
	return out, nil
}

func encode(what string, in interface{}) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", engine.NewInvalidArgumentsError(fmt.Sprintf("failed to encode %s descriptor", what), err)
	}
	return string(data), nil
}

func decode(what, text string, out interface{}) error {
	if strings.TrimSpace(text) == "" {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("%s descriptor is empty", what), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("invalid %s descriptor", what), err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}
