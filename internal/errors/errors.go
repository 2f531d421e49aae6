// Package errors defines the application error type shared by every layer of
// the approvals service. Each error carries a stable code that transports map
// onto HTTP statuses and gRPC codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	ErrCodeInvalidRequest   Code = "INVALID_REQUEST"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeNotPending       Code = "NOT_PENDING"
	ErrCodeExpired          Code = "EXPIRED"
	ErrCodeUnauthorized     Code = "UNAUTHORIZED"
	ErrCodeForbidden        Code = "FORBIDDEN"
	ErrCodeNoEscalationPath Code = "NO_ESCALATION_PATH"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeOutcomeUnknown   Code = "OUTCOME_UNKNOWN"
	ErrCodeInternal         Code = "INTERNAL"
)

// ErrNotApplied marks a failure a store reported before writing anything,
// so the outcome of the operation is known.
var ErrNotApplied = stderrors.New("nothing was written")

// AppError is the error type returned by repositories and services.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// InvalidInput reports a missing or malformed request field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidRequest, Field: field, Message: message}
}

// NotFound reports an unknown resource id.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Conflict reports a concurrent modification detected by a store.
func Conflict(resource, id string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: fmt.Sprintf("%s %q was modified concurrently", resource, id)}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the caller may retry the operation after
// re-reading the aggregate. Terminal-state violations are never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeConflict, ErrCodeOutcomeUnknown:
		return true
	}
	return false
}

// Message returns the human readable part of err without the code prefix.
func Message(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if appErr.Field != "" {
			return appErr.Field + ": " + appErr.Message
		}
		return appErr.Message
	}
	return err.Error()
}
