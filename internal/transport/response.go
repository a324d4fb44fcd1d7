// Package transport contains the HTTP router, middleware chain and request
// handlers for the admin and runtime APIs.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/hoa/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrSaveInProgress:        http.StatusConflict,
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrTransportError:        http.StatusBadGateway,
	model.ErrPreconditionViolation: http.StatusInternalServerError,
	model.ErrInternalError:         http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// listResponse wraps collection responses.
type listResponse[T any] struct {
	Items []T `json:"items"`
}

// WriteJSON writes body as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": envelope}. Errors without an envelope
// in their chain are reported as INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
