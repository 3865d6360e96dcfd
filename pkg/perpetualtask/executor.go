package perpetualtask

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// fetchFunc lists the instances of one run.
type fetchFunc func(ctx context.Context, ic *telemetry.InstrumentedContext) ([]instancesync.ServerInstanceInfo, error)

// syncRun is the skeleton every executor shares: observe, publish on every path,
// convert the outcome to a Response. A panic in fetch becomes a failed run.
func syncRun(ctx context.Context, publisher Publisher, taskID, taskType string, kind instancesync.InfrastructureKind, heartbeat time.Time, fetch fetchFunc) Response {
	ic := telemetry.StartTask(ctx, taskID, taskType)
	ic.Logger = ic.Logger.WithInfraKind(string(kind))
	result := newResult(taskID, kind, heartbeat)

	// Observe
	instances, err := safeFetch(ic, fetch)
	result.ObservedAt = time.Now().UTC()
	if err != nil {
		result.Status = engine.CommandExecutionStatusFailure
		result.ErrorMessage = err.Error()
		ic.Logger.WithError(err).WithField("class", string(engine.ClassOf(err))).Error("instance sync failed")
	} else {
		result.Status = engine.CommandExecutionStatusSuccess
		result.Instances = instances
		ic.Logger.WithField("instances", len(instances)).Debug("instance sync observed")
	}

	if m := telemetry.MetricsFromContext(ctx); m != nil {
		m.RecordSyncRun(string(kind), taskID, string(result.Status), len(result.Instances))
	}

	// Convert outcome to a task response
	resp := Response{ResponseCode: ResponseCodeOK, ResponseMessage: "success"}
	if err != nil {
		resp = Response{ResponseCode: ResponseCodeFailed, ResponseMessage: err.Error()}
	}

	// Failed runs are published too
	if pubErr := publisher.Publish(ic.Ctx, result); pubErr != nil {
		ic.Logger.WithError(pubErr).Error("failed to publish instance sync result")
		resp.ResponseCode = ResponseCodeFailed
		if err != nil {
			resp.ResponseMessage = fmt.Sprintf("%s; publish failed: %v", resp.ResponseMessage, pubErr)
		} else {
			resp.ResponseMessage = fmt.Sprintf("publish failed: %v", pubErr)
			err = pubErr
		}
	}

	ic.End(result.Status, err)
	return resp
}

func safeFetch(ic *telemetry.InstrumentedContext, fetch fetchFunc) (instances []instancesync.ServerInstanceInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewUnknownError(fmt.Sprintf("instance sync panicked: %v", r), nil).
				WithCode(engine.ErrCodeInternal)
		}
	}()
	instances, err = fetch(ic.Ctx, ic)
	// Publish an empty list, never null
	if instances == nil {
		instances = []instancesync.ServerInstanceInfo{}
	}
	return instances, err
}

// decodeParams decodes a task payload.
func decodeParams(params []byte, out interface{}) error {
	if len(params) == 0 {
		return engine.NewInvalidArgumentsError("task params are empty", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := json.Unmarshal(params, out); err != nil {
		return engine.NewInvalidArgumentsError(fmt.Sprintf("task params must be instance of %T", out), err).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	return nil
}

// checkKind rejects a payload whose infra is of another kind.
func checkKind(infra engine.InfraConfig, kind instancesync.InfrastructureKind) error {
	if infra.Kind != "" && instancesync.InfrastructureKind(infra.Kind) != kind {
		return engine.NewInvalidArgumentsError(
			fmt.Sprintf("task params must be instance of %s params, got infra kind %q", kind, infra.Kind), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	return nil
}
