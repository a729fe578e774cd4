// Package engine provides the durable workflow core: the definition
// registry, the subscription lifecycle state machine, the step-by-step
// process engine, the task scheduler and the drift reconciler.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: device timeouts, lock contention, storage unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict.
	// Examples: concurrent modification races, a locked subscription.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: illegal lifecycle transitions, unknown workflows,
	// registration-time configuration mistakes.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeSubscriptionLocked     = "SUBSCRIPTION_LOCKED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeStepActionError        = "STEP_ACTION_ERROR"
	CodeDeviceError            = "DEVICE_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeTypeMismatch           = "TYPE_MISMATCH"
	CodeDuplicateDefinition    = "DUPLICATE_DEFINITION"
	CodeInvalidProcessState    = "INVALID_PROCESS_STATE"
)

// OrchError represents a classified orchestration error with context.
type OrchError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Subscription is the subscription ID involved, if applicable.
	Subscription string `json:"subscription,omitempty"`

	// Process is the process ID involved, if applicable.
	Process string `json:"process,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Subscription != "" {
		msg += fmt.Sprintf(" (subscription=%s)", e.Subscription)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *OrchError) Is(target error) bool {
	t, ok := target.(*OrchError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithSubscription adds subscription context to an error.
func (e *OrchError) WithSubscription(id string) *OrchError {
	e.Subscription = id
	return e
}

// WithProcess adds process context to an error.
func (e *OrchError) WithProcess(id string) *OrchError {
	e.Process = id
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(code, message string, err error) *OrchError {
	return &OrchError{Class: ErrorClassTransient, Code: code, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(code, message string, err error) *OrchError {
	return &OrchError{Class: ErrorClassConflict, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(code, message string, err error) *OrchError {
	return &OrchError{Class: ErrorClassPermanent, Code: code, Message: message, Err: err}
}

// NewDeviceError wraps a device collaborator failure. Device errors surface
// to the engine as retryable step failures with the device detail attached.
func NewDeviceError(message string, err error) *OrchError {
	return &OrchError{Class: ErrorClassTransient, Code: CodeDeviceError, Message: message, Err: err}
}

// HasCode returns true if err carries the given orchestration error code.
func HasCode(err error, code string) bool {
	var e *OrchError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable; permanent errors are not.
func IsRetryable(err error) bool {
	var e *OrchError
	if errors.As(err, &e) {
		return e.Class != ErrorClassPermanent
	}
	// Unclassified errors default to retryable so device and storage
	// hiccups never fail a subscription without operator intent.
	return true
}
