// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("service unavailable")
	ErrUpstream    = errors.New("upstream failure")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error         // Wrapped sentinel for errors.Is() classification
	Kind       error         // Optional domain sentinel (e.g. govsync.ErrInvalidPeriod)
	Code       string        // Machine-readable code (e.g. "TIMEOUT", "HTTP_500")
	Message    string        // Human-readable message
	Field      string        // For validation errors (e.g., "periodId")
	Resource   string        // For not found/conflict (e.g., "job")
	Op         string        // Operation that failed (e.g., "store.insertResult")
	RetryAfter time.Duration // For unavailable errors, 0 when unknown
	Cause      error         // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel, the kind and the cause to errors.Is().
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	for _, err := range []error{e.Sentinel, e.Kind, e.Cause} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
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
func Conflict(resource, reason string, cause error) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		Cause:    cause,
	}
}

// Unavailable creates a retriable service-unavailable error.
func Unavailable(code, message string, retryAfter time.Duration) error {
	return &Error{
		Sentinel:   ErrUnavailable,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	}
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

// WithKind returns a copy of err tagged with a domain sentinel.
// Errors that are not *Error are wrapped as internal errors first.
func WithKind(err error, kind error) error {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return &Error{Sentinel: ErrInternal, Kind: kind, Message: err.Error(), Cause: err}
	}
	cp := *appErr
	cp.Kind = kind
	return &cp
}

// CodeOf returns the machine-readable code carried by err, or "" if none.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		return appErr.RetryAfter, true
	}
	return 0, false
}
