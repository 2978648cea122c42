package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/capability"
	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/document"
	"github.com/acme/expediente/internal/engine"
	"github.com/acme/expediente/internal/events"
	"github.com/acme/expediente/internal/ledger"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/internal/process"
	"github.com/acme/expediente/internal/transport"
	"github.com/acme/expediente/internal/worker"
	"github.com/acme/expediente/model"
)

func serve(c *cli.Context) error {
	// Step 1: Load configuration.
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, cfg.Application.Name, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Connect the workflow engine.
	eng, err := engine.New(ctx, cfg.Engine, logger, metrics)
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return err
	}

	// Step 4: Open the instance ledger (optional).
	store, closeStore, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		logger.Error("ledger initialization failed", zap.Error(err))
		return multierr.Append(err, eng.Close())
	}

	// Step 5: Open the event bus.
	bus, err := events.Open(ctx, cfg.Events, logger, metrics)
	if err != nil {
		logger.Error("event bus initialization failed", zap.Error(err))
		closeStore()
		return multierr.Append(err, eng.Close())
	}
	factory := events.Factory{
		ApplicationName: cfg.Application.Name,
		CoreName:        cfg.Application.CoreName,
	}

	// Step 6: Authentication and authorization.
	capResolver, err := buildCapabilityResolver(cfg.Authorization)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return shutdownAll(err, bus, closeStore, eng)
	}
	capResolver.WithObserver(metrics)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	identities := transport.NewJWTResolver(cfg.Identity, jwks)

	// Step 7: Process service.
	svc := process.NewService(eng,
		process.WithLedger(store),
		process.WithPublisher(bus, factory),
		process.WithTimeout(cfg.Engine.RequestTimeout),
		process.WithLogger(logger),
		process.WithMetrics(metrics),
	)

	// Step 8: Job workers (optional).
	var (
		runner *worker.Runner
		docs   *document.Repository
	)
	if cfg.Workers.Enabled {
		runner, docs, err = startWorkers(ctx, cfg, eng, bus, factory, logger, metrics)
		if err != nil {
			logger.Error("job worker initialization failed", zap.Error(err))
			return shutdownAll(err, bus, closeStore, eng)
		}
	}

	// Step 9: Build HTTP router.
	readiness := observability.ReadinessChecks{"engine": eng}
	if store != nil {
		readiness["ledger"] = store
	}
	if bus.HealthCheck != nil {
		readiness["events"] = observability.CheckFunc(bus.HealthCheck)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		IdentityResolver:   identities,
		CapabilityResolver: capResolver,
		Process:            svc,
		Logger:             logger,
		Metrics:            metrics,
		MetricsHandler:     observability.Handler(),
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("engine", eng.Name()),
		zap.Bool("workers", runner != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop job workers before the collaborators they use.
	if runner != nil {
		runner.Stop()
	}
	if docs != nil {
		if err := docs.Close(); err != nil {
			logger.Error("document repository close error", zap.Error(err))
		}
	}

	if err := shutdownAll(nil, bus, closeStore, eng); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// buildCapabilityResolver uses the policy file when configured and the
// built-in scope/role policy otherwise.
func buildCapabilityResolver(cfg config.AuthorizationConfig) (*capability.Resolver, error) {
	var evaluator model.PolicyEvaluator
	if cfg.PolicyFile != "" {
		e, err := capability.NewStaticPolicyEvaluator(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		evaluator = e
	} else {
		evaluator = capability.NewPolicyEvaluator(capability.DefaultPolicy(cfg.RequiredScope, cfg.AdminRole))
	}
	return capability.NewResolver(evaluator, cfg.CacheTTL), nil
}

func startWorkers(
	ctx context.Context,
	cfg *config.Config,
	eng engine.Engine,
	publisher model.EventPublisher,
	factory events.Factory,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*worker.Runner, *document.Repository, error) {
	zc, ok := engine.ZeebeClientOf(eng)
	if !ok {
		return nil, nil, errors.New("job workers need the zeebe engine driver")
	}

	docs, err := document.Open(ctx, cfg.Documents, logger)
	if err != nil {
		return nil, nil, err
	}

	registry := worker.NewRegistry()
	worker.NewReception(docs, publisher, factory, cfg.Documents.QuarantineMarkers, logger).Register(registry)

	runner := worker.NewRunner(zc, registry, cfg.Workers, logger, metrics)
	runner.Start(ctx)
	return runner, docs, nil
}

// shutdownAll closes the shared collaborators and joins their errors with
// cause.
func shutdownAll(cause error, bus *events.Bus, closeStore func(), eng engine.Engine) error {
	err := cause
	err = multierr.Append(err, bus.Close())
	closeStore()
	err = multierr.Append(err, eng.Close())
	return err
}
