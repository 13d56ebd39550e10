// Package apperrors provides coded errors shared by every layer of the
// screening workflow service. Each error carries a stable machine-readable
// code that the HTTP layer maps onto a status, so callers can branch on the
// kind without parsing messages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the kind of a workflow error on the wire.
type Code string

const (
	ErrCodeUnauthenticated  Code = "UNAUTHENTICATED"
	ErrCodeForbidden        Code = "FORBIDDEN"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeLocked           Code = "LOCKED"
	ErrCodeStepNotReachable Code = "STEP_NOT_REACHABLE"
	ErrCodeExpired          Code = "EXPIRED"
	ErrCodeBusy             Code = "BUSY"
	ErrCodeValidation       Code = "VALIDATION_ERROR"
	ErrCodeInternal         Code = "INTERNAL"
)

// Error is a coded error. The zero value is not usable; construct through the
// helpers below.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error with a fixed message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// NotFound reports a missing resource by type and identifier.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

// InvalidInput reports a malformed or out-of-range request field.
func InvalidInput(field, msg string) *Error {
	return Newf(ErrCodeValidation, "invalid %s: %s", field, msg)
}

// Forbidden reports a permission denial.
func Forbidden(msg string) *Error {
	return New(ErrCodeForbidden, msg)
}

// Lockedf reports an operation blocked by an active lock.
func Lockedf(format string, args ...any) *Error {
	return Newf(ErrCodeLocked, format, args...)
}

// Conflictf reports a state conflict (duplicate action, already resolved).
func Conflictf(format string, args ...any) *Error {
	return Newf(ErrCodeConflict, format, args...)
}

// CodeOf returns the code carried by err, walking wrapped causes. Errors
// without a code are reported as internal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeLocked:
		return http.StatusLocked
	case ErrCodeStepNotReachable:
		return http.StatusUnprocessableEntity
	case ErrCodeExpired:
		return http.StatusGone
	case ErrCodeBusy:
		return http.StatusServiceUnavailable
	case ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
