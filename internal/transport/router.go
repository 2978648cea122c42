package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/internal/process"
	"github.com/acme/expediente/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	IdentityResolver   model.IdentityResolver
	CapabilityResolver model.CapabilityResolver
	Process            *process.Service
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	MetricsHandler     http.Handler
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h)
	}

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(deps.IdentityResolver))
		r.Use(AttachLogger(logger))
		r.Use(ResolveCapabilities(deps.CapabilityResolver))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.Route("/expediente", func(r chi.Router) {
			r.Post("/startProcess", handleStartProcess(deps.Process))
			r.Get("/deployProcess", handleDeployProcess(deps.Process))
			r.Get("/processInstances", handleListInstances(deps.Process))
			r.Get("/processInstances/{key}", handleGetInstance(deps.Process))
		})
	})

	return r
}
