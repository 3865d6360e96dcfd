package ecsclient

import (
	"errors"
	"net/http"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/deploycore/pkg/engine"
)

type statusError struct{ status int }

func (e *statusError) Error() string       { return http.StatusText(e.status) }
func (e *statusError) HTTPStatusCode() int { return e.status }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.ErrorClass
	}{
		{"nil passes", nil, ""},
		{"throttling code", &smithy.GenericAPIError{Code: "Throttling"}, engine.ErrorClassTransient},
		{"server fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, engine.ErrorClassTransient},
		{"known rejected code", &smithy.GenericAPIError{Code: "AccessDeniedException"}, engine.ErrorClassRemoteRejected},
		{"client fault", &smithy.GenericAPIError{Code: "SomethingNew", Fault: smithy.FaultClient}, engine.ErrorClassRemoteRejected},
		{"429", &statusError{status: 429}, engine.ErrorClassTransient},
		{"503", &statusError{status: 503}, engine.ErrorClassTransient},
		{"404", &statusError{status: 404}, engine.ErrorClassRemoteRejected},
		{"net timeout", timeoutError{}, engine.ErrorClassTransient},
		{"unknown", errors.New("weird"), engine.ErrorClassUnknown},
		{"already classified", engine.NewTimeoutError("wait", nil), engine.ErrorClassTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("Op", "res", tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("Expected nil, got %v", got)
				}
				return
			}
			if engine.ClassOf(got) != tt.want {
				t.Fatalf("Expected class %s, got %s (%v)", tt.want, engine.ClassOf(got), got)
			}
		})
	}
}

func TestClassify_KeepsProviderCode(t *testing.T) {
	err := Classify("UpdateService", "web", &smithy.GenericAPIError{Code: "ServiceNotFoundException", Message: "Service not found."})

	var oe *engine.OrchestrationError
	if !errors.As(err, &oe) {
		t.Fatalf("Expected OrchestrationError, got %T", err)
	}
	if oe.Code != "ServiceNotFoundException" || oe.Resource != "web" || oe.Operation != "UpdateService" {
		t.Errorf("Unexpected error context: %+v", oe)
	}
	if oe.Message != "Service not found." {
		t.Errorf("Expected provider message, got %q", oe.Message)
	}
}
