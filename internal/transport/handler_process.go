package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acme/expediente/internal/process"
	"github.com/acme/expediente/model"
)

const maxRequestBody = 1 << 20

func handleStartProcess(svc *process.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req model.StartProcessRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				WriteError(w, model.NewBadRequestError("request body too large"))
			case errors.Is(err, io.EOF):
				WriteError(w, model.NewBadRequestError("request body is required"))
			default:
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
			}
			return
		}

		result, err := svc.StartProcess(r.Context(), rctx, CapabilitiesFrom(r.Context()), req)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleDeployProcess(svc *process.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		result, err := svc.DeployProcess(r.Context(), rctx, CapabilitiesFrom(r.Context()), r.URL.Query().Get("name"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleGetInstance(svc *process.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := model.InstanceKey(chi.URLParam(r, "key"))

		rec, err := svc.GetInstance(r.Context(), CapabilitiesFrom(r.Context()), key)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleListInstances(svc *process.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.InstanceFilters{
			BpmnProcessID: q.Get("processId"),
			SubjectID:     q.Get("subjectId"),
			Page:          queryInt(r, "page", 1),
			PageSize:      queryInt(r, "page_size", 20),
		}

		page, err := svc.ListInstances(r.Context(), CapabilitiesFrom(r.Context()), filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
