package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"sigs.k8s.io/yaml"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// Manifest kinds with a built-in schema.
const (
	ManifestService        = "service"
	ManifestTaskDefinition = "task_definition"
	ManifestScalableTarget = "scalable_target"
	ManifestScalingPolicy  = "scaling_policy"
)

// SchemaRegistry manages CUE schemas for manifest validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas. They are constants, so a
// compile failure is a programming error.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	builtins := []struct{ name, def, src string }{
		{ManifestService, "#Service", builtinServiceSchema},
		{ManifestTaskDefinition, "#TaskDefinition", builtinTaskDefinitionSchema},
		{ManifestScalableTarget, "#ScalableTarget", builtinScalableTargetSchema},
		{ManifestScalingPolicy, "#ScalingPolicy", builtinScalingPolicySchema},
	}
	for _, b := range builtins {
		if err := sr.RegisterSchema(b.name, b.def, b.src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles src and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the names of all registered schemas, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateManifest validates YAML or JSON manifest text against the named schema.
// Keys are compared with their first letter lowercased, so both the provider's
// camelCase and the SDK's PascalCase spellings are accepted.
func (sr *SchemaRegistry) ValidateManifest(kind, text string) error {
	data, err := normalizeManifest(text)
	if err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("%s manifest is not valid YAML or JSON", kind), err).
			WithCode(engine.ErrCodeValidation)
	}

	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[kind]
	if !ok {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("no schema registered for %q", kind), nil).
			WithCode(engine.ErrCodeValidation)
	}

	val := sr.ctx.CompileBytes(data)
	if err := val.Err(); err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("%s manifest could not be loaded", kind), err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("%s manifest failed validation: %v", kind, err), err).
			WithCode(engine.ErrCodeValidation).WithDetail("kind", kind)
	}
	return nil
}

// normalizeManifest converts text to JSON with every object key's first letter
// lowercased and null or empty-string members removed, which is how the SDK
// marshals unset fields. Numbers keep their literal form so integers stay integers.
func normalizeManifest(text string) ([]byte, error) {
	if len(bytes.TrimSpace([]byte(text))) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}

	raw, err := yaml.YAMLToJSON([]byte(text))
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("manifest must be an object")
	}

	return json.Marshal(lowerKeys(doc))
}

func lowerKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if val == nil || val == "" {
				continue
			}
			out[lowerFirst(k)] = lowerKeys(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = lowerKeys(t[i])
		}
		return t
	default:
		return v
	}
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

const builtinServiceSchema = `
#Port: int & >0 & <=65535

#Service: {
	serviceName: string & =~"^[a-zA-Z0-9_-]{1,255}$"

	cluster?:        string
	taskDefinition?: string
	desiredCount?:   int & >=0

	launchType?:         "EC2" | "FARGATE" | "EXTERNAL" | "MANAGED_INSTANCES"
	schedulingStrategy?: "REPLICA" | "DAEMON"
	propagateTags?:      "TASK_DEFINITION" | "SERVICE" | "NONE"

	healthCheckGracePeriodSeconds?: int & >=0

	loadBalancers?: [...{
		targetGroupArn?:   string
		loadBalancerName?: string
		containerName?:    string
		containerPort?:    #Port
		...
	}]

	serviceRegistries?: [...{
		registryArn?:   string
		containerName?: string
		containerPort?: #Port
		port?:          #Port
		...
	}]

	deploymentConfiguration?: {
		maximumPercent?:        int & >=0
		minimumHealthyPercent?: int & >=0
		...
	}

	networkConfiguration?: {
		awsvpcConfiguration?: {
			subnets?:        [...string]
			securityGroups?: [...string]
			assignPublicIp?: "ENABLED" | "DISABLED"
			...
		}
		...
	}

	tags?: [...{
		key?:   string
		value?: string
		...
	}]

	...
}
`

const builtinTaskDefinitionSchema = `
#TaskDefinition: {
	family: string & =~"^[a-zA-Z0-9_-]{1,255}$"

	networkMode?: "bridge" | "host" | "awsvpc" | "none"
	cpu?:         string
	memory?:      string

	containerDefinitions?: [...{
		name?:      string & !=""
		image?:     string & !=""
		essential?: bool
		portMappings?: [...{
			containerPort?: int & >0 & <=65535
			hostPort?:      int & >=0 & <=65535
			...
		}]
		...
	}]

	...
}
`

const builtinScalableTargetSchema = `
#ScalableTarget: {
	resourceId?:        string & =~"^service/[^/]+/[^/]+$"
	scalableDimension?: "ecs:service:DesiredCount"
	serviceNamespace?:  "ecs"
	minCapacity?:       int & >=0
	maxCapacity?:       int & >=0

	...
}
`

const builtinScalingPolicySchema = `
#ScalingPolicy: {
	policyName: string & !=""

	resourceId?:        string & =~"^service/[^/]+/[^/]+$"
	scalableDimension?: "ecs:service:DesiredCount"
	serviceNamespace?:  "ecs"
	policyType?:        "TargetTrackingScaling" | "StepScaling" | "PredictiveScaling"

	targetTrackingScalingPolicyConfiguration?: {
		targetValue?:      number
		scaleInCooldown?:  int & >=0
		scaleOutCooldown?: int & >=0
		disableScaleIn?:   bool
		...
	}

	...
}
`
