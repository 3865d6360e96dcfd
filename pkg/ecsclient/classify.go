package ecsclient

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// throttleCodes are provider error codes that indicate rate limiting.
var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
}

// serverCodes are provider error codes that indicate a server-side failure.
var serverCodes = map[string]bool{
	"ServerException":             true,
	"InternalFailure":             true,
	"InternalServiceException":    true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"ConcurrentUpdateException":   true,
}

// rejectedCodes are provider error codes for requests that will never succeed as sent.
var rejectedCodes = map[string]bool{
	"ClientException":               true,
	"InvalidParameterException":     true,
	"ValidationException":           true,
	"ServiceNotFoundException":      true,
	"ServiceNotActiveException":     true,
	"ClusterNotFoundException":      true,
	"PlatformUnknownException":      true,
	"AccessDeniedException":         true,
	"UnauthorizedOperation":         true,
	"ObjectNotFoundException":       true,
	"FailedResourceAccessException": true,
	"LimitExceededException":        true,
	"InvalidParameterValue":         true,
	"UnrecognizedClientException":   true,
	"ExpiredTokenException":         true,

	"PlatformTaskDefinitionIncompatibilityException": true,
}

// Classify maps an SDK error into the orchestration taxonomy. Errors that are already
// classified pass through unchanged; nil stays nil.
func Classify(operation, resource string, err error) error {
	if err == nil {
		return nil
	}

	var classified *engine.OrchestrationError
	if errors.As(err, &classified) {
		return err
	}

	// Per-request deadline, not the caller's overall timeout
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("request deadline exceeded", err).
			WithOperation(operation).WithResource(resource).WithCode(engine.ErrCodeTimeout)
	}

	// Provider error codes first, then the fault
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttleCodes[code]:
			return engine.NewTransientError(apiErr.ErrorMessage(), err).
				WithOperation(operation).WithResource(resource).WithCode(code)
		case serverCodes[code], apiErr.ErrorFault() == smithy.FaultServer:
			return engine.NewTransientError(apiErr.ErrorMessage(), err).
				WithOperation(operation).WithResource(resource).WithCode(code)
		case rejectedCodes[code], apiErr.ErrorFault() == smithy.FaultClient:
			return engine.NewRemoteRejectedError(apiErr.ErrorMessage(), err).
				WithOperation(operation).WithResource(resource).WithCode(code)
		}
	}

	// Fall back to the HTTP status
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status := statusErr.HTTPStatusCode()
		switch {
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			return engine.NewTransientError(http.StatusText(status), err).
				WithOperation(operation).WithResource(resource)
		case status >= http.StatusBadRequest:
			return engine.NewRemoteRejectedError(http.StatusText(status), err).
				WithOperation(operation).WithResource(resource)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.NewTransientError("network timeout", err).
			WithOperation(operation).WithResource(resource).WithCode(engine.ErrCodeTimeout)
	}

	return engine.NewUnknownError("remote call failed", err).
		WithOperation(operation).WithResource(resource)
}
