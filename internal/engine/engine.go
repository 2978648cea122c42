// Package engine provides the workflow engine clients used to start and
// deploy BPMN processes: Camunda 8 over gRPC, Camunda 7 over REST, and an
// in-process engine for development.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// Driver names.
const (
	DriverZeebe  = "zeebe"
	DriverRest   = "rest"
	DriverMemory = "memory"
)

// Engine is a model.ProcessEngine that can report its health and release
// its connections.
type Engine interface {
	model.ProcessEngine
	Name() string
	HealthCheck(ctx context.Context) error
	Close() error
}

// New builds the engine selected by cfg.Driver, wrapped with metrics and
// tracing.
func New(ctx context.Context, cfg config.EngineConfig, logger *zap.Logger, metrics *observability.Metrics) (Engine, error) {
	var (
		e   Engine
		err error
	)
	switch cfg.Driver {
	case DriverZeebe:
		e, err = NewZeebeEngine(ctx, cfg.Zeebe, cfg.ResourceDir, logger)
	case DriverRest:
		e, err = NewRestEngine(cfg.Rest, cfg.ResourceDir, logger, func(s BreakerState) {
			metrics.SetEngineCircuitBreakerState(DriverRest, s.GaugeValue())
		})
	case DriverMemory:
		e = NewMemoryEngine(cfg.Memory.Processes...)
	default:
		return nil, fmt.Errorf("engine: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(e, metrics), nil
}

// resourcePath resolves a deployable BPMN resource. Names are bare file
// names, with or without the .bpmn extension.
func resourcePath(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid process resource name %q", name))
	}
	if filepath.Ext(name) != ".bpmn" {
		name += ".bpmn"
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", model.NewNotFoundError(fmt.Sprintf("process resource %q not found", name))
	}
	return path, nil
}

// Instrumented records metrics and spans around another engine.
type Instrumented struct {
	Engine
	metrics *observability.Metrics
}

// Instrument wraps e with metrics and tracing.
func Instrument(e Engine, metrics *observability.Metrics) *Instrumented {
	return &Instrumented{Engine: e, metrics: metrics}
}

// Unwrap returns the wrapped engine.
func (i *Instrumented) Unwrap() Engine { return i.Engine }

// StartProcessInstance implements model.ProcessEngine.
func (i *Instrumented) StartProcessInstance(ctx context.Context, processID string, variables map[string]any) (model.ProcessInstanceResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.start_process_instance",
		observability.AttrEngine.String(i.Name()),
		observability.AttrProcessID.String(processID),
	)
	start := time.Now()

	result, err := i.Engine.StartProcessInstance(ctx, processID, variables)

	i.metrics.RecordEngineRequest(i.Name(), "start", outcome(err), time.Since(start))
	if err == nil {
		span.SetAttributes(observability.AttrInstanceKey.String(string(result.ProcessInstanceKey)))
	}
	observability.EndSpanWithError(span, err)
	return result, err
}

// DeployProcess implements model.ProcessEngine.
func (i *Instrumented) DeployProcess(ctx context.Context, name string) (model.DeploymentResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.deploy_process",
		observability.AttrEngine.String(i.Name()),
	)
	start := time.Now()

	result, err := i.Engine.DeployProcess(ctx, name)

	i.metrics.RecordEngineRequest(i.Name(), "deploy", outcome(err), time.Since(start))
	observability.EndSpanWithError(span, err)
	return result, err
}

// unwrap peels instrumentation off e.
func unwrap(e Engine) Engine {
	for {
		w, ok := e.(interface{ Unwrap() Engine })
		if !ok {
			return e
		}
		e = w.Unwrap()
	}
}
