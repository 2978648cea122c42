// Package process implements the process trigger: authorize the caller,
// validate the request, start the instance in the workflow engine and
// report what happened.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/events"
	"github.com/acme/expediente/internal/ledger"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// DefaultTimeout bounds a single engine call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Service starts and deploys processes on behalf of authenticated callers.
type Service struct {
	engine          model.ProcessEngine
	ledger          ledger.Store
	publisher       model.EventPublisher
	factory         events.Factory
	validate        *validator.Validate
	timeout         time.Duration
	logger          *zap.Logger
	metrics         *observability.Metrics
	sensitiveFields []string
}

// Option configures optional dependencies.
type Option func(*Service)

// WithLedger records every started instance in store.
func WithLedger(store ledger.Store) Option {
	return func(s *Service) { s.ledger = store }
}

// WithPublisher publishes a PROCESO_INICIADO event after every start.
func WithPublisher(p model.EventPublisher, f events.Factory) Option {
	return func(s *Service) {
		s.publisher = p
		s.factory = f
	}
}

// WithTimeout sets the engine call timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSensitiveFields replaces the variable names redacted from logs and
// events.
func WithSensitiveFields(fields []string) Option {
	return func(s *Service) { s.sensitiveFields = fields }
}

// NewService creates a Service calling engine.
func NewService(engine model.ProcessEngine, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		validate: newValidator(),
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartProcess starts an instance of req.ProcessID. Every call that passes
// authorization and validation reaches the engine exactly once; there is no
// retry and no deduplication.
func (s *Service) StartProcess(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	req model.StartProcessRequest,
) (model.ProcessInstanceResult, error) {
	start := time.Now()
	metricID := "unknown"

	result, err := s.startProcess(ctx, rctx, caps, req, &metricID)

	s.metrics.RecordProcessStart(metricID, outcomeOf(err), time.Since(start))
	return result, err
}

func (s *Service) startProcess(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	req model.StartProcessRequest,
	metricID *string,
) (model.ProcessInstanceResult, error) {
	logger := observability.RequestLogger(ctx, s.logger)

	// Step 1: Authorize.
	if rctx == nil {
		return model.ProcessInstanceResult{}, model.NewUnauthorizedError("authentication required")
	}
	if !caps.Has(model.CapProcessStart) {
		logger.Warn("process start denied", zap.String("process_id", req.ProcessID))
		return model.ProcessInstanceResult{}, model.NewForbiddenError(
			fmt.Sprintf("insufficient capabilities to start process %q", req.ProcessID),
		)
	}

	// Step 2: Validate.
	if details := s.validateStart(req); len(details) > 0 {
		return model.ProcessInstanceResult{}, model.NewValidationError(details)
	}

	// Step 3: Call the engine. The caller going away does not cancel the
	// call, the timeout does.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	result, err := s.engine.StartProcessInstance(callCtx, req.ProcessID, req.Variables)
	if err != nil {
		err = classify(callCtx, err)
		if !model.IsCode(err, model.ErrProcessNotFound) {
			*metricID = req.ProcessID
		}
		logger.Error("process start failed",
			zap.String("process_id", req.ProcessID),
			zap.Error(err),
		)
		return model.ProcessInstanceResult{}, err
	}
	*metricID = req.ProcessID

	// Step 4: Normalize the result.
	if result.BpmnProcessID == "" {
		result.BpmnProcessID = req.ProcessID
	}
	if result.ProcessInstanceKey == "" {
		logger.Error("engine returned no instance key", zap.String("process_id", req.ProcessID))
		return model.ProcessInstanceResult{}, model.NewEngineUnavailableError()
	}

	logger.Info("process started",
		zap.String("process_id", result.BpmnProcessID),
		zap.String("process_instance_key", string(result.ProcessInstanceKey)),
		zap.Int32("version", result.Version),
	)
	logger.Debug("process variables",
		zap.Any("variables", observability.RedactVariables(req.Variables, s.sensitiveFields)),
	)

	// Steps 5-6: Record and notify. Neither can fail the request.
	s.record(ctx, rctx, req, result, logger)
	s.publishStarted(ctx, req, result, logger)

	return result, nil
}

// DeployProcess deploys the BPMN resource called name.
func (s *Service) DeployProcess(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	name string,
) (model.DeploymentResult, error) {
	logger := observability.RequestLogger(ctx, s.logger)

	if rctx == nil {
		return model.DeploymentResult{}, model.NewUnauthorizedError("authentication required")
	}
	if !caps.Has(model.CapProcessDeploy) {
		return model.DeploymentResult{}, model.NewForbiddenError("insufficient capabilities to deploy processes")
	}
	if name == "" {
		return model.DeploymentResult{}, model.NewValidationError([]model.FieldError{{
			Field: "name", Code: "REQUIRED", Message: "name is required",
		}})
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	result, err := s.engine.DeployProcess(callCtx, name)
	if err != nil {
		err = classify(callCtx, err)
		s.metrics.RecordProcessDeployment(outcomeOf(err))
		logger.Error("process deployment failed", zap.String("name", name), zap.Error(err))
		return model.DeploymentResult{}, err
	}
	s.metrics.RecordProcessDeployment(outcomeOf(nil))

	for _, p := range result.Processes {
		logger.Info("process deployed",
			zap.String("process_id", p.BpmnProcessID),
			zap.Int32("version", p.Version),
			zap.String("process_definition_key", string(p.ProcessDefinitionKey)),
			zap.String("resource_name", p.ResourceName),
		)
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, rctx *model.RequestContext, req model.StartProcessRequest, result model.ProcessInstanceResult, logger *zap.Logger) {
	if s.ledger == nil {
		return
	}
	rec := model.ProcessInstanceRecord{
		ProcessInstanceKey:   result.ProcessInstanceKey,
		BpmnProcessID:        result.BpmnProcessID,
		ProcessDefinitionKey: result.ProcessDefinitionKey,
		Version:              result.Version,
		SubjectID:            rctx.SubjectID,
		Username:             rctx.Username,
		CorrelationID:        rctx.CorrelationID,
		Variables:            observability.RedactVariables(req.Variables, s.sensitiveFields),
		StartedAt:            time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.ledger.Record(writeCtx, rec); err != nil {
		s.metrics.RecordLedgerWrite("error")
		logger.Error("instance not recorded",
			zap.String("process_instance_key", string(result.ProcessInstanceKey)),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordLedgerWrite("ok")
}

func (s *Service) publishStarted(ctx context.Context, req model.StartProcessRequest, result model.ProcessInstanceResult, logger *zap.Logger) {
	if s.publisher == nil {
		return
	}
	ev := s.factory.New(ctx, model.EventProcessStarted, map[string]any{
		"bpmnProcessId":        result.BpmnProcessID,
		"processInstanceKey":   string(result.ProcessInstanceKey),
		"processDefinitionKey": string(result.ProcessDefinitionKey),
		"version":              result.Version,
		"variables":            observability.RedactVariables(req.Variables, s.sensitiveFields),
	})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		logger.Error("process started event not published", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// classify turns whatever the engine returned into an error envelope. Engines
// classify their own failures; anything else is a transport problem.
func classify(callCtx context.Context, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return model.NewEngineTimeoutError()
	}
	return model.NewEngineUnavailableError()
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return "error"
}
