package perpetualtask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/itchyny/gojq"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/scriptexec"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// RecordMapper turns a fetch script's raw output into attribute maps, one per
// instance. Each map must carry instancesync.InstanceNameAttribute.
type RecordMapper func(output []byte) ([]map[string]interface{}, error)

// CustomDeploymentExecutor runs the task's fetch script and reports the instances
// it lists.
type CustomDeploymentExecutor struct {
	publisher Publisher
	mapper    RecordMapper
}

// NewCustomDeploymentExecutor creates a custom deployment executor. A nil mapper
// evaluates the payload's jq paths.
func NewCustomDeploymentExecutor(publisher Publisher, mapper RecordMapper) *CustomDeploymentExecutor {
	return &CustomDeploymentExecutor{publisher: publisher, mapper: mapper}
}

// RunOnce implements Executor.
func (e *CustomDeploymentExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeat time.Time) Response {
	return syncRun(ctx, e.publisher, taskID, instancesync.TaskTypeCustomDeployment, instancesync.KindCustomDeployment, heartbeat,
		func(ctx context.Context, ic *telemetry.InstrumentedContext) ([]instancesync.ServerInstanceInfo, error) {
			var p instancesync.CustomDeploymentTaskParams
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if err := checkKind(p.Infra, instancesync.KindCustomDeployment); err != nil {
				return nil, err
			}

			// Without an injected mapper the payload's jq paths are required
			mapper := e.mapper
			if mapper == nil {
				if err := p.Validate(); err != nil {
					return nil, err
				}
				m, err := jqMapper(p.InstancesListPath, p.InstanceAttributes)
				if err != nil {
					return nil, err
				}
				mapper = m
			} else if p.Script == "" {
				return nil, engine.NewInvalidArgumentsError("custom deployment params: script is required", nil).
					WithCode(engine.ErrCodeValidation)
			}

			// Run fetch script; it writes the instance list to $INSTANCE_OUTPUT_PATH
			res, output, err := scriptexec.RunWithOutputFile(ctx, scriptexec.Options{
				Script:  p.Script,
				Shell:   p.Shell,
				Env:     p.Env,
				Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
			})
			if err != nil {
				return nil, err
			}
			ic.Logger.WithField("duration_ms", res.Duration.Milliseconds()).Debug("fetch script finished")

			records, err := mapper(output)
			if err != nil {
				return nil, err
			}

			// Every instance carries the hash of the script that listed it
			hash := p.ScriptHash
			if hash == "" {
				hash = instancesync.ScriptHash(p.Script)
			}
			out := make([]instancesync.ServerInstanceInfo, 0, len(records))
			for i, rec := range records {
				name, ok := rec[instancesync.InstanceNameAttribute].(string)
				if !ok || name == "" {
					return nil, engine.NewInvalidArgumentsError(
						fmt.Sprintf("instance %d has no %q attribute", i, instancesync.InstanceNameAttribute), nil).
						WithCode(engine.ErrCodeValidation)
				}
				out = append(out, &instancesync.CustomDeploymentServerInstanceInfo{
					InstanceName: name,
					Properties:   rec,
					ScriptHash:   hash,
					InfraKey:     p.Infra.InfraKey,
				})
			}
			return out, nil
		})
}

// Cleanup implements Executor. It always succeeds.
func (e *CustomDeploymentExecutor) Cleanup(string, []byte) bool { return true }

// jqMapper compiles the list path and the attribute paths up front.
func jqMapper(listPath string, attributes map[string]string) (RecordMapper, error) {
	list, err := compileJQ(listPath)
	if err != nil {
		return nil, err
	}

	// Sorted so compile errors are reported deterministically
	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make(map[string]*gojq.Code, len(attributes))
	for _, name := range names {
		code, err := compileJQ(attributes[name])
		if err != nil {
			return nil, err
		}
		paths[name] = code
	}

	return func(output []byte) ([]map[string]interface{}, error) {
		dec := json.NewDecoder(bytes.NewReader(output))
		var doc interface{}
		if err := dec.Decode(&doc); err != nil {
			return nil, engine.NewInvalidArgumentsError("fetch script output is not JSON", err).
				WithCode(engine.ErrCodeValidation)
		}

		v, err := first(list, doc)
		if err != nil {
			return nil, err
		}
		items, ok := v.([]interface{})
		if !ok {
			return nil, engine.NewInvalidArgumentsError(
				fmt.Sprintf("instances list path %q must select an array, got %T", listPath, v), nil).
				WithCode(engine.ErrCodeTypeMismatch)
		}

		records := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			rec := make(map[string]interface{}, len(names))
			for _, name := range names {
				val, err := first(paths[name], item)
				if err != nil {
					return nil, err
				}
				// Absent attributes are omitted
				if val != nil {
					rec[name] = val
				}
			}
			records = append(records, rec)
		}
		return records, nil
	}, nil
}

func compileJQ(expr string) (*gojq.Code, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("invalid jq path %q", expr), err).
			WithCode(engine.ErrCodeValidation)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("invalid jq path %q", expr), err).
			WithCode(engine.ErrCodeValidation)
	}
	return code, nil
}

// first returns the first value code yields for input, or nil.
func first(code *gojq.Code, input interface{}) (interface{}, error) {
	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, engine.NewInvalidArgumentsError("jq path failed", err).WithCode(engine.ErrCodeValidation)
	}
	return v, nil
}
