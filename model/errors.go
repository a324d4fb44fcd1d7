package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Override-engine error codes.
const (
	ErrTransportError        = "TRANSPORT_ERROR"
	ErrPreconditionViolation = "PRECONDITION_VIOLATION"
	ErrSaveInProgress        = "SAVE_IN_PROGRESS"
)

// Field-level validation codes.
const (
	CodeRequired    = "REQUIRED"
	CodeDuplicate   = "DUPLICATE"
	CodeInvalidEnum = "INVALID_ENUM"
	CodeInvalid     = "INVALID"
)

// ErrorEnvelope is the standard error value returned by every layer of the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.String()
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// AsEnvelope extracts an *ErrorEnvelope from err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
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

// NewConflictError returns a CONFLICT error. Conflicts are recoverable: the
// caller reloads the authoritative document and re-applies or discards its
// local changes.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewTransportError returns a TRANSPORT_ERROR wrapping a network or
// authentication failure that happened while talking to the repository.
func NewTransportError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTransportError, Message: msg}
}

// NewPreconditionViolation returns a PRECONDITION_VIOLATION. It signals a
// data-integrity problem, not a user-recoverable condition.
func NewPreconditionViolation(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPreconditionViolation,
		Message: "Override document contains duplicate identity keys",
		Details: details,
	}
}

// NewSaveInProgressError returns a SAVE_IN_PROGRESS error.
func NewSaveInProgressError(workflowKey string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSaveInProgress,
		Message: fmt.Sprintf("a save for workflow %q is already in flight", workflowKey),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
