package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrCodeBadRequest             = "BAD_REQUEST"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeInternal               = "INTERNAL_ERROR"
	ErrCodeDefinition             = "DEFINITION_ERROR"
	ErrCodeTerminalState          = "TERMINAL_STATE"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodePersistence            = "PERSISTENCE_ERROR"
)

// Error is the typed error returned across the engine API. Two errors are
// considered equal by errors.Is when their codes match, so callers can test
// against the sentinels below.
type Error struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	Cause   error        `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// FieldError describes a single validation problem, typically in a workflow
// definition.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Sentinels for errors.Is.
var (
	ErrBadRequest             = &Error{Code: ErrCodeBadRequest}
	ErrNotFound               = &Error{Code: ErrCodeNotFound}
	ErrConflict               = &Error{Code: ErrCodeConflict}
	ErrDefinition             = &Error{Code: ErrCodeDefinition}
	ErrTerminalState          = &Error{Code: ErrCodeTerminalState}
	ErrConcurrentModification = &Error{Code: ErrCodeConcurrentModification}
	ErrPersistence            = &Error{Code: ErrCodePersistence}
)

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *Error {
	return &Error{Code: ErrCodeBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Datastores return it when an
// optimistic version check fails.
func NewConflictError(msg string) *Error {
	return &Error{Code: ErrCodeConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *Error {
	return &Error{
		Code:    ErrCodeInternal,
		Message: "An unexpected error occurred",
	}
}

// NewDefinitionError returns a DEFINITION_ERROR carrying field-level details.
func NewDefinitionError(name string, details []FieldError) *Error {
	return &Error{
		Code:    ErrCodeDefinition,
		Message: fmt.Sprintf("workflow definition %q is invalid", name),
		Details: details,
	}
}

// NewTerminalStateError returns a TERMINAL_STATE error for an instance that
// is already completed or cancelled.
func NewTerminalStateError(instanceID, status string) *Error {
	return &Error{
		Code:    ErrCodeTerminalState,
		Message: fmt.Sprintf("workflow instance %q is %s", instanceID, status),
	}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error. The
// cause, when present, is the last error observed while retrying.
func NewConcurrentModificationError(instanceID string, attempts int, cause error) *Error {
	return &Error{
		Code:    ErrCodeConcurrentModification,
		Message: fmt.Sprintf("workflow instance %q modified concurrently (%d attempts)", instanceID, attempts),
		Cause:   cause,
	}
}

// NewPersistenceError wraps a datastore failure.
func NewPersistenceError(op string, cause error) *Error {
	return &Error{
		Code:    ErrCodePersistence,
		Message: fmt.Sprintf("datastore %s failed", op),
		Cause:   cause,
	}
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
