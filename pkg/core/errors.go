// Package core defines the domain model and error taxonomy shared by the
// O-Cloud control-plane components: inventory, deployments, jobs,
// performance monitoring, alarms and notifications.
package core

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and surfacing decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates a request rejected synchronously at
	// creation time. Examples: non-positive collection interval, malformed
	// threshold criteria.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates an unknown entity id.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates a duplicate id on create or an invalid
	// lifecycle transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTransient indicates a temporary delivery failure that is
	// retried internally and never surfaced synchronously to the emitter.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal indicates a non-recoverable backend failure. It is
	// recorded on the affected entity and does not propagate further.
	ErrorClassFatal ErrorClass = "fatal"
)

// CoreError represents a classified error with context.
type CoreError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Entity is the entity id that caused the error, if applicable.
	Entity string `json:"entity,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	switch {
	case e.Entity != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s (entity=%s): %s", e.Class, e.Message, e.Entity, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("[%s] %s (entity=%s)", e.Class, e.Message, e.Entity)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithEntity adds entity context to an error.
func (e *CoreError) WithEntity(id string) *CoreError {
	e.Entity = id
	return e
}

// WithOperation adds operation context to an error.
func (e *CoreError) WithOperation(op string) *CoreError {
	e.Operation = op
	return e
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *CoreError {
	return &CoreError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *CoreError {
	return &CoreError{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *CoreError {
	return &CoreError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewTransientError creates a new transient delivery error.
func NewTransientError(message string, err error) *CoreError {
	return &CoreError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewFatalError creates a new fatal backend error.
func NewFatalError(message string, err error) *CoreError {
	return &CoreError{Class: ErrorClassFatal, Message: message, Err: err}
}

func hasClass(err error, class ErrorClass) bool {
	var e *CoreError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool { return hasClass(err, ErrorClassFatal) }

// IsRetryable returns true if the error can be retried. Only transient
// delivery failures are retryable; everything else is surfaced or recorded.
func IsRetryable(err error) bool { return IsTransient(err) }
