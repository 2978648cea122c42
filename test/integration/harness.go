// Package integration provides a reusable test harness for end-to-end
// integration testing of the expediente service. It starts the full HTTP
// stack against a mock engine-rest server, an in-memory Redis for events,
// the in-memory ledger, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/acme/expediente/internal/capability"
	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/engine"
	"github.com/acme/expediente/internal/events"
	"github.com/acme/expediente/internal/ledger"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/internal/process"
	"github.com/acme/expediente/internal/transport"
	"github.com/acme/expediente/model"
)

// ProcessRecepcion is the document reception process known to the mock engine.
const ProcessRecepcion = "recepcion-documento"

// TestHarness encapsulates a fully wired expediente instance with a mock
// engine for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Collaborators exposed for advanced test scenarios.
	Engine   *MockEngine
	Redis    *miniredis.Miniredis
	Ledger   ledger.Store
	Registry *prometheus.Registry
	Config   *config.Config

	bus *events.Bus
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	processes      []string
	policyFile     string
	engineTimeout  time.Duration
	circuitBreaker config.CircuitBreakerConfig
	ledgerDisabled bool
}

// WithProcesses replaces the process definitions known to the mock engine.
func WithProcesses(ids ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.processes = ids
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithEngineTimeout bounds each engine call.
func WithEngineTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.engineTimeout = d
	}
}

// WithCircuitBreaker configures the engine circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.circuitBreaker = cb
	}
}

// WithoutLedger disables the instance ledger.
func WithoutLedger() HarnessOption {
	return func(c *harnessConfig) {
		c.ledgerDisabled = true
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		processes:     []string{ProcessRecepcion},
		engineTimeout: 5 * time.Second,
		circuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	ctx := context.Background()
	h := &TestHarness{t: t}

	// Step 1: Start the external fakes.
	h.Engine = newMockEngine(t, hc.processes...)
	h.Redis = miniredis.RunT(t)
	h.issuer = newTokenIssuer(t)

	// Step 2: Build config over the defaults.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Authorization.PolicyFile = hc.policyFile
	cfg.Engine.Driver = engine.DriverRest
	cfg.Engine.RequestTimeout = hc.engineTimeout
	cfg.Engine.ResourceDir = engineTestdataDir()
	cfg.Engine.Rest = config.RestConfig{
		BaseURL:        h.Engine.URL(),
		Timeout:        hc.engineTimeout * 2,
		CircuitBreaker: hc.circuitBreaker,
	}
	cfg.Events.Driver = "redis"
	cfg.Events.Redis.Addr = h.Redis.Addr()
	cfg.Events.NotifyPermission = "acme.notificaciones"
	cfg.Ledger.Enabled = !hc.ledgerDisabled
	cfg.Ledger.Driver = "memory"
	h.Config = cfg

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)

	// Step 3: Engine, ledger, and event bus.
	eng, err := engine.New(ctx, cfg.Engine, logger, metrics)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store, closeStore, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	h.Ledger = store
	h.bus, err = events.Open(ctx, cfg.Events, logger, metrics)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	t.Cleanup(func() {
		h.bus.Close()
		eng.Close()
		closeStore()
	})

	// Step 4: Capability resolver.
	var evaluator model.PolicyEvaluator
	if hc.policyFile != "" {
		evaluator, err = capability.NewStaticPolicyEvaluator(hc.policyFile)
		if err != nil {
			t.Fatalf("load policy file: %v", err)
		}
	} else {
		evaluator = capability.NewPolicyEvaluator(capability.DefaultPolicy(
			cfg.Authorization.RequiredScope, cfg.Authorization.AdminRole,
		))
	}
	capResolver := capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 5: Process service.
	svc := process.NewService(eng,
		process.WithLedger(store),
		process.WithPublisher(h.bus, events.Factory{
			ApplicationName: cfg.Application.Name,
			CoreName:        cfg.Application.CoreName,
		}),
		process.WithTimeout(cfg.Engine.RequestTimeout),
		process.WithLogger(logger),
		process.WithMetrics(metrics),
	)

	// Step 6: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	readiness := observability.ReadinessChecks{
		"engine": eng,
		"events": observability.CheckFunc(h.bus.HealthCheck),
	}
	if store != nil {
		readiness["ledger"] = store
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		IdentityResolver:   transport.NewJWTResolver(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Process:            svc,
		Logger:             logger,
		Metrics:            metrics,
		MetricsHandler:     observability.HandlerFor(h.Registry),
		Readiness:          readiness,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// StreamEntries returns the events written to the notification stream.
func (h *TestHarness) StreamEntries() []redis.XMessage {
	h.t.Helper()
	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	defer client.Close()

	msgs, err := client.XRange(context.Background(), h.Config.Events.Topic, "-", "+").Result()
	if err != nil {
		h.t.Fatalf("read stream: %v", err)
	}
	return msgs
}

// WaitForEvents polls the notification stream until it holds at least n
// entries.
func (h *TestHarness) WaitForEvents(n int, timeout time.Duration) []redis.XMessage {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msgs := h.StreamEntries()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("stream holds %d events after %s, want %d", len(msgs), timeout, n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// StartProcess posts a start request for processID.
func (h *TestHarness) StartProcess(processID string, variables map[string]any, token string) *http.Response {
	h.t.Helper()
	return h.POST("/expediente/startProcess", model.StartProcessRequest{
		ProcessID: processID,
		Variables: variables,
	}, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			bodyReader = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Default test claims ---

// FacultadClaims returns claims carrying the scope that may start processes.
func FacultadClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-facultad",
		Username:  "jperez",
		Email:     "jperez@acme.test",
		Scopes:    []string{"openid", "acme.facultad"},
	}
}

// AdminClaims returns claims carrying the administrative realm role.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Username:  "admin",
		Email:     "admin@acme.test",
		Scopes:    []string{"openid", "acme.facultad"},
		Roles:     []string{"ADMINLEGO"},
	}
}

// NoAuthorityClaims returns claims of an authenticated caller with no
// relevant scope or role.
func NoAuthorityClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-nadie",
		Username:  "nadie",
		Scopes:    []string{"openid"},
	}
}

// RecepcionVariables returns the variables sent when a document arrives.
func RecepcionVariables() map[string]any {
	return map[string]any{
		"persona":       "Juan Perez",
		"fileId":        "3f1d2c9e-6b7a-4e0f-9a51-1c2d3e4f5a6b",
		"username":      "jperez",
		"tipoDocumento": "CURP",
	}
}

// --- Helpers ---

// engineTestdataDir returns the directory holding deployable BPMN resources.
func engineTestdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "internal", "engine", "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
