package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Operation names understood by MockEngine.
const (
	OpStartInstance = "startInstance"
	OpDeploy        = "deploy"
	OpEngines       = "engines"
)

const engineRestPath = "/engine-rest"

// MockEngine is a Camunda engine-rest stand-in. Without configured responses
// it behaves like an engine that knows a fixed set of process definitions.
// Every received request is recorded for later assertion.
type MockEngine struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	processes    []string
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock engine.
type RecordedRequest struct {
	Method     string
	Path       string
	PathValue  string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring mock responses for a specific operation.
type OperationMock struct {
	engine *MockEngine
	op     string
}

// newMockEngine starts an engine-rest fake that knows processes.
func newMockEngine(t *testing.T, processes ...string) *MockEngine {
	t.Helper()

	me := &MockEngine{
		t:            t,
		processes:    processes,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+engineRestPath+"/process-definition/key/{key}/start", me.handle(OpStartInstance, me.defaultStart))
	mux.HandleFunc("POST "+engineRestPath+"/deployment/create", me.handle(OpDeploy, me.defaultDeploy))
	mux.HandleFunc("GET "+engineRestPath+"/engine", me.handle(OpEngines, func(w http.ResponseWriter, _ *http.Request, _ *RecordedRequest) {
		writeJSON(w, http.StatusOK, []map[string]string{{"name": "default"}})
	}))

	me.server = httptest.NewServer(mux)
	t.Cleanup(me.server.Close)
	return me
}

// URL returns the engine-rest base URL.
func (me *MockEngine) URL() string {
	return me.server.URL + engineRestPath
}

// OnOperation returns a builder for configuring responses for the named operation.
func (me *MockEngine) OnOperation(op string) *OperationMock {
	return &OperationMock{engine: me, op: op}
}

// RespondWith configures the operation to respond with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.engine.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithException answers with a Camunda exception body.
func (om *OperationMock) RespondWithException(status int, excType, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"type": excType, "message": message})
}

// RespondWithDelay configures a delayed response to simulate a slow engine.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.engine.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError closes the connection without answering.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.engine.addResponse(om.op, &mockResponse{connError: true})
	return om
}

func (me *MockEngine) addResponse(op string, resp *mockResponse) {
	me.mu.Lock()
	defer me.mu.Unlock()
	cfg, ok := me.operations[op]
	if !ok {
		cfg = &operationConfig{}
		me.operations[op] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

type defaultHandler func(w http.ResponseWriter, r *http.Request, rec *RecordedRequest)

func (me *MockEngine) handle(op string, fallback defaultHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			PathValue:  r.PathValue("key"),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(1 << 20); err == nil && r.MultipartForm != nil {
				if files := r.MultipartForm.File["data"]; len(files) > 0 {
					rec.Body = map[string]any{"filename": files[0].Filename}
				}
			}
		} else if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		me.mu.Lock()
		me.receivedByOp[op] = append(me.receivedByOp[op], rec)
		me.mu.Unlock()

		resp := me.nextResponse(op)
		if resp == nil {
			fallback(w, r, rec)
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		writeJSON(w, resp.status, resp.body)
	}
}

func (me *MockEngine) defaultStart(w http.ResponseWriter, _ *http.Request, rec *RecordedRequest) {
	me.mu.RLock()
	known := slices.Contains(me.processes, rec.PathValue)
	me.mu.RUnlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"type":    "RestException",
			"message": fmt.Sprintf("No matching process definition with key: %s and no tenant-id", rec.PathValue),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           uuid.NewString(),
		"definitionId": rec.PathValue + ":1:" + uuid.NewString(),
		"ended":        false,
	})
}

func (me *MockEngine) defaultDeploy(w http.ResponseWriter, _ *http.Request, rec *RecordedRequest) {
	filename, _ := rec.Body["filename"].(string)
	key := strings.TrimSuffix(filename, ".bpmn")

	me.mu.Lock()
	if !slices.Contains(me.processes, key) {
		me.processes = append(me.processes, key)
	}
	me.mu.Unlock()

	defID := key + ":2:" + uuid.NewString()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":   uuid.NewString(),
		"name": key,
		"deployedProcessDefinitions": map[string]any{
			defID: map[string]any{"id": defID, "key": key, "version": 2, "resource": filename},
		},
	})
}

func (me *MockEngine) nextResponse(op string) *mockResponse {
	me.mu.RLock()
	cfg, ok := me.operations[op]
	me.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (me *MockEngine) AssertCalled(t *testing.T, op string, expectedCount int) {
	t.Helper()
	me.mu.RLock()
	actual := len(me.receivedByOp[op])
	me.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock engine: operation %q called %d times, want %d", op, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (me *MockEngine) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	me.AssertCalled(t, op, 0)
}

// LastRequest returns the last request received for the operation, or nil.
func (me *MockEngine) LastRequest(op string) *RecordedRequest {
	me.mu.RLock()
	defer me.mu.RUnlock()
	reqs := me.receivedByOp[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// CallCount returns how many requests the operation received.
func (me *MockEngine) CallCount(op string) int {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return len(me.receivedByOp[op])
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (me *MockEngine) ResetOperation(op string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.operations, op)
	delete(me.receivedByOp, op)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}
