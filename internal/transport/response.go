// Package transport contains the HTTP router, middleware chain, and request
// handlers of the expediente API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrValidationError:   http.StatusBadRequest,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrProcessNotFound:   http.StatusNotFound,
	model.ErrEngineRejected:    http.StatusBadRequest,
	model.ErrEngineUnavailable: http.StatusBadGateway,
	model.ErrEngineTimeout:     http.StatusGatewayTimeout,
}

// StatusForCode returns the HTTP status for an error code, 500 when the code
// is unknown.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope with the matching status.
// Errors that are not an *ErrorEnvelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForCode(ee.Code), errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace id attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	WriteJSON(w, StatusForCode(out.Code), errorResponse{Error: &out})
}
