// Package transport contains the read-only admin and audit HTTP surface:
// health, readiness, metrics and audit queries over workflow history and
// pending tasks.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps error codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrCodeBadRequest:             http.StatusBadRequest,
	model.ErrCodeNotFound:               http.StatusNotFound,
	model.ErrCodeConflict:               http.StatusConflict,
	model.ErrCodeInternal:               http.StatusInternalServerError,
	model.ErrCodeDefinition:             http.StatusUnprocessableEntity,
	model.ErrCodeTerminalState:          http.StatusConflict,
	model.ErrCodeConcurrentModification: http.StatusConflict,
	model.ErrCodePersistence:            http.StatusServiceUnavailable,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error body. Errors that are not a
// *model.Error, and the causes of those that are, never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	e, ok := model.AsError(err)
	if !ok {
		e = model.NewInternalError()
	}

	status := statusForCode[e.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.Error `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: e})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
