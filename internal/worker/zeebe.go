package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
)

const workerName = "expediente"

// Runner polls the Zeebe gateway for jobs of every registered type and
// reports the outcome of each back to the engine.
type Runner struct {
	client   zbc.Client
	registry *Registry
	cfg      config.WorkersConfig
	logger   *zap.Logger
	metrics  *observability.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	workers []worker.JobWorker
}

// NewRunner creates a runner. Nothing is polled until Start.
func NewRunner(client zbc.Client, registry *Registry, cfg config.WorkersConfig, logger *zap.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxJobsActive <= 0 {
		cfg.MaxJobsActive = 32
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Runner{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start opens one job worker per registered type.
func (r *Runner) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, jobType := range r.registry.Types() {
		w := r.client.NewJobWorker().
			JobType(jobType).
			Handler(r.handle).
			Concurrency(r.cfg.Concurrency).
			MaxJobsActive(r.cfg.MaxJobsActive).
			Timeout(r.cfg.JobTimeout).
			Name(workerName).
			Open()
		r.workers = append(r.workers, w)
		r.logger.Info("job worker opened", zap.String("job_type", jobType))
	}
}

// Stop closes all workers and waits for running handlers.
func (r *Runner) Stop() {
	for _, w := range r.workers {
		w.Close()
	}
	for _, w := range r.workers {
		w.AwaitClose()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.workers = nil
}

func (r *Runner) handle(client worker.JobClient, activated entities.Job) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.JobTimeout)
	defer cancel()

	job, err := jobFromZeebe(activated)
	var out Outcome
	if err != nil {
		out = failed(job, err)
	} else {
		ctx, span := observability.StartSpan(ctx, "worker.Handle",
			observability.AttrJobType.String(job.Type),
		)
		out = r.registry.Dispatch(ctx, job)
		if out.Action == ActionFail {
			observability.EndSpanWithError(span, errors.New(out.Message))
		} else {
			observability.EndSpanWithError(span, nil)
		}
	}

	logger := r.logger.With(
		zap.String("job_type", job.Type),
		zap.Int64("job_key", job.Key),
		zap.String("outcome", out.Action.String()),
	)
	if err := report(ctx, client, job.Key, out); err != nil {
		logger.Error("job outcome not reported", zap.Error(err))
		r.metrics.RecordJobHandled(job.Type, "report_error")
		return
	}
	if out.Action == ActionComplete {
		logger.Debug("job handled")
	} else {
		logger.Warn("job not completed", zap.String("error_code", out.ErrorCode), zap.String("message", out.Message))
	}
	r.metrics.RecordJobHandled(job.Type, out.Action.String())
}

func report(ctx context.Context, client worker.JobClient, key int64, out Outcome) error {
	switch out.Action {
	case ActionThrow:
		_, err := client.NewThrowErrorCommand().
			JobKey(key).
			ErrorCode(out.ErrorCode).
			ErrorMessage(out.Message).
			Send(ctx)
		return err
	case ActionFail:
		_, err := client.NewFailJobCommand().
			JobKey(key).
			Retries(out.Retries).
			ErrorMessage(out.Message).
			Send(ctx)
		return err
	default:
		cmd := client.NewCompleteJobCommand().JobKey(key)
		if len(out.Variables) > 0 {
			withVars, err := cmd.VariablesFromMap(out.Variables)
			if err != nil {
				return fmt.Errorf("encode variables: %w", err)
			}
			_, err = withVars.Send(ctx)
			return err
		}
		_, err := cmd.Send(ctx)
		return err
	}
}

func jobFromZeebe(j entities.Job) (Job, error) {
	job := Job{
		Key:     j.GetKey(),
		Type:    j.GetType(),
		Retries: j.GetRetries(),
	}
	vars, err := j.GetVariablesAsMap()
	if err != nil {
		return job, fmt.Errorf("decode variables: %w", err)
	}
	job.Variables = vars
	return job, nil
}
