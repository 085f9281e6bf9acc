// Package errors provides coded application errors shared by every layer of
// the service. The code decides the HTTP status at the API boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an application error.
type ErrorCode string

const (
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeNotAnApprover    ErrorCode = "NOT_AN_APPROVER"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeUnavailable      ErrorCode = "UNAVAILABLE"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// Sentinels usable with errors.Is. Any *AppError with the same code matches.
var (
	ErrPermissionDenied = &AppError{Code: ErrCodePermissionDenied}
	ErrNotAnApprover    = &AppError{Code: ErrCodeNotAnApprover}
	ErrInvalidState     = &AppError{Code: ErrCodeInvalidState}
	ErrNotFound         = &AppError{Code: ErrCodeNotFound}
	ErrInvalidInput     = &AppError{Code: ErrCodeInvalidInput}
	ErrConflict         = &AppError{Code: ErrCodeConflict}
	ErrUnauthorized     = &AppError{Code: ErrCodeUnauthorized}
)

// AppError is an error with a machine-readable code.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *AppError) Unwrap() error { return e.cause }

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// PermissionDenied reports a missing capability.
func PermissionDenied(message string) *AppError {
	return &AppError{Code: ErrCodePermissionDenied, Message: message}
}

// InvalidState reports an operation attempted from the wrong state.
func InvalidState(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidState, Message: message}
}

// NotAnApprover reports an actor missing from a workflow's approver list.
func NotAnApprover(userID, requestID string) *AppError {
	return &AppError{
		Code:    ErrCodeNotAnApprover,
		Message: fmt.Sprintf("user %s is not an approver on request %s", userID, requestID),
	}
}

// CodeOf extracts the code of the first AppError in the chain.
// Errors without a code report ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// As is re-exported so callers need a single errors import.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is re-exported so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// HTTPStatus maps an error to the HTTP status the API returns for it.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodePermissionDenied, ErrCodeNotAnApprover:
		return http.StatusForbidden
	case ErrCodeInvalidState, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
