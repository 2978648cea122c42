package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Process metrics
	ProcessStartsTotal      *prometheus.CounterVec
	ProcessStartDuration    *prometheus.HistogramVec
	ProcessDeploymentsTotal *prometheus.CounterVec

	// Engine metrics
	EngineRequestsTotal       *prometheus.CounterVec
	EngineRequestDuration     *prometheus.HistogramVec
	EngineCircuitBreakerState *prometheus.GaugeVec

	// Event, ledger and worker metrics
	EventPublishesTotal *prometheus.CounterVec
	LedgerWritesTotal   *prometheus.CounterVec
	JobsHandledTotal    *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expediente_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expediente_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expediente_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		ProcessStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_process_starts_total",
			Help: "Total number of process start requests by outcome.",
		}, []string{"process_id", "outcome"}),
		ProcessStartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expediente_process_start_duration_seconds",
			Help:    "Process start duration in seconds, engine call included.",
			Buckets: engineDurationBuckets,
		}, []string{"process_id"}),
		ProcessDeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_process_deployments_total",
			Help: "Total number of process deployments by outcome.",
		}, []string{"outcome"}),

		EngineRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_engine_requests_total",
			Help: "Total number of workflow engine requests.",
		}, []string{"engine", "operation", "outcome"}),
		EngineRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expediente_engine_request_duration_seconds",
			Help:    "Workflow engine request duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"engine", "operation"}),
		EngineCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expediente_engine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"engine"}),

		EventPublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_event_publishes_total",
			Help: "Total number of outbound event publishes by outcome.",
		}, []string{"event_name", "outcome"}),
		LedgerWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_ledger_writes_total",
			Help: "Total number of instance ledger writes by outcome.",
		}, []string{"outcome"}),
		JobsHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expediente_jobs_handled_total",
			Help: "Total number of BPMN jobs handled by outcome.",
		}, []string{"job_type", "outcome"}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expediente_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expediente_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ProcessStartsTotal,
		m.ProcessStartDuration,
		m.ProcessDeploymentsTotal,
		m.EngineRequestsTotal,
		m.EngineRequestDuration,
		m.EngineCircuitBreakerState,
		m.EventPublishesTotal,
		m.LedgerWritesTotal,
		m.JobsHandledTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper tolerates a nil receiver so collaborators can be built
// without metrics in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordProcessStart records the outcome of a start request. Outcome is
// "started" or an error code.
func (m *Metrics) RecordProcessStart(processID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProcessStartsTotal.WithLabelValues(processID, outcome).Inc()
	m.ProcessStartDuration.WithLabelValues(processID).Observe(duration.Seconds())
}

// RecordProcessDeployment records the outcome of a deployment.
func (m *Metrics) RecordProcessDeployment(outcome string) {
	if m == nil {
		return
	}
	m.ProcessDeploymentsTotal.WithLabelValues(outcome).Inc()
}

// RecordEngineRequest records a workflow engine call.
func (m *Metrics) RecordEngineRequest(engine, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EngineRequestsTotal.WithLabelValues(engine, operation, outcome).Inc()
	m.EngineRequestDuration.WithLabelValues(engine, operation).Observe(duration.Seconds())
}

// SetEngineCircuitBreakerState sets the circuit breaker state for an engine.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetEngineCircuitBreakerState(engine string, state float64) {
	if m == nil {
		return
	}
	m.EngineCircuitBreakerState.WithLabelValues(engine).Set(state)
}

// RecordEventPublish records an outbound event publish.
func (m *Metrics) RecordEventPublish(eventName, outcome string) {
	if m == nil {
		return
	}
	m.EventPublishesTotal.WithLabelValues(eventName, outcome).Inc()
}

// RecordLedgerWrite records an instance ledger write.
func (m *Metrics) RecordLedgerWrite(outcome string) {
	if m == nil {
		return
	}
	m.LedgerWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordJobHandled records a handled BPMN job.
func (m *Metrics) RecordJobHandled(jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsHandledTotal.WithLabelValues(jobType, outcome).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics using chi's route pattern (not
// the actual URL path) to keep label cardinality bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
