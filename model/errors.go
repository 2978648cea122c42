package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow engine error codes. PROCESS_NOT_FOUND and ENGINE_REJECTED are both
// business rejections by the engine; the first is kept separate so callers
// can tell an unknown process definition apart from a refused start.
const (
	ErrProcessNotFound   = "PROCESS_NOT_FOUND"
	ErrEngineRejected    = "ENGINE_REJECTED"
	ErrEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrEngineTimeout     = "ENGINE_TIMEOUT"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewProcessNotFoundError returns a PROCESS_NOT_FOUND error for a process
// definition the engine does not know.
func NewProcessNotFoundError(processID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrProcessNotFound,
		Message: fmt.Sprintf("process definition %q is not deployed in the workflow engine", processID),
	}
}

// NewEngineRejectedError returns an ENGINE_REJECTED error carrying the
// engine's own explanation.
func NewEngineRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEngineRejected, Message: msg}
}

// NewEngineUnavailableError returns an ENGINE_UNAVAILABLE error.
func NewEngineUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEngineUnavailable,
		Message: "The workflow engine is temporarily unavailable",
	}
}

// NewEngineTimeoutError returns an ENGINE_TIMEOUT error.
func NewEngineTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEngineTimeout,
		Message: "The workflow engine did not respond in time",
	}
}

// IsCode reports whether err wraps an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == code
}
