// Package apperrors provides structured application errors with HTTP status mapping.
//
// Sentinels classify failures for errors.Is; *Error carries the context.
// Network errors are the only transient class: everything else is permanent
// and must not be retried.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrNetwork      = errors.New("network error")
	ErrService      = errors.New("service error")
	ErrTimeout      = errors.New("timeout")
	ErrState        = errors.New("invalid state")
	ErrCompensation = errors.New("compensation failed")
	ErrCancelled    = errors.New("cancelled")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For validation errors (e.g., "params")
	Resource   string // For not found/conflict/state (e.g., "job")
	Op         string // Operation that failed (e.g., "gateway.dispatch")
	StatusCode int    // Remote HTTP status, when one was received
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel and the cause so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Duplicate reports an id that is already taken.
func Duplicate(resource, id string) error {
	return Conflict(resource, id, fmt.Sprintf("%s %s already exists", resource, id))
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Network creates a transient error: connection failures, remote 5xx, throttling.
func Network(op string, statusCode int, cause error) error {
	msg := fmt.Sprintf("%s: %v", op, cause)
	if statusCode > 0 {
		msg = fmt.Sprintf("%s: remote returned %d: %v", op, statusCode, cause)
	}
	return &Error{
		Sentinel:   ErrNetwork,
		Message:    msg,
		Op:         op,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// Service creates a permanent error reported by the remote service.
func Service(op string, statusCode int, message string) error {
	return &Error{
		Sentinel:   ErrService,
		Message:    fmt.Sprintf("%s: %s", op, message),
		Op:         op,
		StatusCode: statusCode,
	}
}

// Timeout reports an operation that exceeded its allotted time.
func Timeout(op string, after time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: timed out after %s", op, after),
		Op:       op,
	}
}

// State reports a transition that the current state does not allow.
func State(resource, id, message string) error {
	return &Error{
		Sentinel: ErrState,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, message),
		Resource: resource,
	}
}

// Compensation reports a failed undo action for a completed step.
func Compensation(step string, cause error) error {
	return &Error{
		Sentinel: ErrCompensation,
		Message:  fmt.Sprintf("compensating %s: %v", step, cause),
		Op:       step,
		Cause:    cause,
	}
}

// Cancelled reports work that stopped because cancellation was requested.
func Cancelled(resource, id string) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  fmt.Sprintf("%s %s was cancelled", resource, id),
		Resource: resource,
	}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// StatusCode returns the remote HTTP status recorded on err, or 0.
func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}
