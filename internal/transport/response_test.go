package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/acme/expediente/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewBadRequestError("bad"), http.StatusBadRequest},
		{model.NewUnauthorizedError("who"), http.StatusUnauthorized},
		{model.NewForbiddenError("no"), http.StatusForbidden},
		{model.NewNotFoundError("gone"), http.StatusNotFound},
		{model.NewValidationError(nil), http.StatusBadRequest},
		{model.NewProcessNotFoundError("x"), http.StatusNotFound},
		{model.NewEngineRejectedError("no"), http.StatusBadRequest},
		{model.NewEngineUnavailableError(), http.StatusBadGateway},
		{model.NewEngineTimeoutError(), http.StatusGatewayTimeout},
		{model.NewInternalError(), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		var ee *model.ErrorEnvelope
		errors.As(tt.err, &ee)
		t.Run(ee.Code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}

			var resp struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error.Code != ee.Code {
				t.Errorf("code = %q, want %q", resp.Error.Code, ee.Code)
			}
		})
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.Join(errors.New("context"), model.NewEngineTimeoutError()))
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestWriteError_plainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("db password is hunter2"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Error.Code)
	}
	if resp.Error.Message == "db password is hunter2" {
		t.Error("internal error details must not leak to the caller")
	}
}

func TestStatusForCode_unknown(t *testing.T) {
	if got := StatusForCode("SOMETHING_ELSE"); got != http.StatusInternalServerError {
		t.Errorf("StatusForCode(unknown) = %d, want 500", got)
	}
}
