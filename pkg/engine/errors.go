package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an orchestration failure for propagation and retry decisions.
type ErrorClass string

const (
	// ErrorClassInvalidArguments marks a malformed or mismatched request.
	// It is fatal and never retried.
	ErrorClassInvalidArguments ErrorClass = "invalid_arguments"

	// ErrorClassRemoteRejected marks an operation the provider refused
	// (bad request, not found, access denied). Surfaced verbatim to the operator.
	ErrorClassRemoteRejected ErrorClass = "remote_rejected"

	// ErrorClassTransient marks throttling, timeouts and 5xx responses.
	// The caller's own retry policy decides whether to try again.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassTimeout marks a bounded wait that ran out of attempts.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassPartialSnapshotLoss marks an optional snapshot entry that could not be encoded.
	ErrorClassPartialSnapshotLoss ErrorClass = "partial_snapshot_loss"

	// ErrorClassUnknown wraps anything that could not be classified.
	ErrorClassUnknown ErrorClass = "unknown"
)

// OrchestrationError is a classified error with the context needed for operator logs.
type OrchestrationError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the provider error code, if any.
	Code string `json:"code,omitempty"`

	// Resource identifies the remote resource involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the remote or local operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details holds extra context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *OrchestrationError {
	return &OrchestrationError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewInvalidArgumentsError creates an invalid-arguments error.
func NewInvalidArgumentsError(message string, err error) *OrchestrationError {
	return newError(ErrorClassInvalidArguments, message, err)
}

// NewRemoteRejectedError creates a remote-rejected error.
func NewRemoteRejectedError(message string, err error) *OrchestrationError {
	return newError(ErrorClassRemoteRejected, message, err)
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *OrchestrationError {
	return newError(ErrorClassTransient, message, err)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *OrchestrationError {
	return newError(ErrorClassTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewPartialSnapshotLossError creates a partial-snapshot-loss error.
func NewPartialSnapshotLossError(message string, err error) *OrchestrationError {
	return newError(ErrorClassPartialSnapshotLoss, message, err)
}

// NewUnknownError wraps an unclassified error.
func NewUnknownError(message string, err error) *OrchestrationError {
	return newError(ErrorClassUnknown, message, err)
}

// WithResource adds resource context to an error.
func (e *OrchestrationError) WithResource(resource string) *OrchestrationError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *OrchestrationError) WithOperation(operation string) *OrchestrationError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *OrchestrationError) WithCode(code string) *OrchestrationError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *OrchestrationError) WithDetail(key string, value interface{}) *OrchestrationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first OrchestrationError in the chain,
// or ErrorClassUnknown when there is none.
func ClassOf(err error) ErrorClass {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassUnknown
}

func hasClass(err error, class ErrorClass) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsInvalidArguments reports whether err is classified as invalid arguments.
func IsInvalidArguments(err error) bool { return hasClass(err, ErrorClassInvalidArguments) }

// IsRemoteRejected reports whether err is classified as remote-rejected.
func IsRemoteRejected(err error) bool { return hasClass(err, ErrorClassRemoteRejected) }

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsTimeout reports whether err is classified as a timeout.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsPartialSnapshotLoss reports whether err is classified as partial snapshot loss.
func IsPartialSnapshotLoss(err error) bool { return hasClass(err, ErrorClassPartialSnapshotLoss) }

// IsRetryable returns true for errors the caller may retry: transient failures and timeouts.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsTimeout(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTypeMismatch     = "TYPE_MISMATCH"
	ErrCodeUnregisteredKind = "UNREGISTERED_KIND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeThrottled        = "THROTTLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
