package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	e := &Error{Code: ErrCodeNotFound, Message: "instance missing"}
	want := "NOT_FOUND: instance missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Error_withCause(t *testing.T) {
	e := NewPersistenceError("commit", errors.New("connection reset"))
	want := "PERSISTENCE_ERROR: datastore commit failed: connection reset"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_implements_error(t *testing.T) {
	var _ error = (*Error)(nil)
}

func TestError_Is_matchesByCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not found", NewNotFoundError("x"), ErrNotFound, true},
		{"conflict", NewConflictError("x"), ErrConflict, true},
		{"terminal", NewTerminalStateError("i-1", WorkflowStatusCancelled), ErrTerminalState, true},
		{"definition", NewDefinitionError("wf", nil), ErrDefinition, true},
		{"bad request", NewBadRequestError("x"), ErrBadRequest, true},
		{"different code", NewNotFoundError("x"), ErrConflict, false},
		{"wrapped", fmt.Errorf("load: %w", NewNotFoundError("x")), ErrNotFound, true},
		{"plain error", errors.New("boom"), ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewConcurrentModificationError_unwrapsCause(t *testing.T) {
	cause := NewTerminalStateError("i-1", WorkflowStatusCompleted)
	err := NewConcurrentModificationError("i-1", 4, cause)

	if !errors.Is(err, ErrConcurrentModification) {
		t.Error("errors.Is(ErrConcurrentModification) = false, want true")
	}
	if !errors.Is(err, ErrTerminalState) {
		t.Error("errors.Is(ErrTerminalState) = false, want true through cause")
	}
}

func TestNewPersistenceError(t *testing.T) {
	cause := errors.New("disk full")
	e := NewPersistenceError("append history", cause)
	if e.Code != ErrCodePersistence {
		t.Errorf("Code = %q, want %q", e.Code, ErrCodePersistence)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(cause) = false, want true")
	}
}

func TestNewDefinitionError_carriesDetails(t *testing.T) {
	details := []FieldError{
		{Field: "steps[0].transitions[0].target", Code: "DANGLING_TARGET", Message: "unknown step"},
	}
	e := NewDefinitionError("building_consent_process", details)
	if e.Code != ErrCodeDefinition {
		t.Errorf("Code = %q, want %q", e.Code, ErrCodeDefinition)
	}
	if len(e.Details) != 1 || e.Details[0].Code != "DANGLING_TARGET" {
		t.Errorf("Details = %+v", e.Details)
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrCodeInternal {
		t.Errorf("Code = %q, want %q", e.Code, ErrCodeInternal)
	}
}

func TestAsError(t *testing.T) {
	wrapped := fmt.Errorf("fire: %w", NewConflictError("stale"))
	e, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError() ok = false, want true")
	}
	if e.Code != ErrCodeConflict {
		t.Errorf("Code = %q, want %q", e.Code, ErrCodeConflict)
	}
	if _, ok := AsError(errors.New("plain")); ok {
		t.Error("AsError(plain) ok = true, want false")
	}
}

func TestWorkflowInstance_Terminal(t *testing.T) {
	for status, want := range map[string]bool{
		WorkflowStatusActive:    false,
		WorkflowStatusCompleted: true,
		WorkflowStatusCancelled: true,
	} {
		if got := (WorkflowInstance{Status: status}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestWorkflowInstance_Clone(t *testing.T) {
	orig := WorkflowInstance{ID: "i-1", Context: map[string]any{"compliant": false}}
	cp := orig.Clone()
	cp.Context["compliant"] = true
	if orig.Context["compliant"] != false {
		t.Error("mutating the clone changed the original context")
	}
}
