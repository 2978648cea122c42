package events

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// Publish outcomes recorded in metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// AsyncPublisher hands events to an inner publisher in the background so a
// slow bus never delays the response. At most maxInFlight publishes run at
// once; events arriving beyond that are dropped and counted.
type AsyncPublisher struct {
	inner   model.EventPublisher
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewAsyncPublisher wraps inner. A non-positive maxInFlight defaults to 64 and
// a non-positive timeout to 5s.
func NewAsyncPublisher(inner model.EventPublisher, maxInFlight int64, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *AsyncPublisher {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncPublisher{
		inner:   inner,
		sem:     semaphore.NewWeighted(maxInFlight),
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish schedules ev and returns immediately. It never returns an error:
// failures are logged and counted.
func (p *AsyncPublisher) Publish(ctx context.Context, ev model.Event) error {
	p.mu.Lock()
	if p.closed || !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		p.logger.Warn("event dropped",
			zap.String("event_id", ev.ID),
			zap.String("event_name", ev.EventName),
		)
		p.metrics.RecordEventPublish(ev.EventName, OutcomeDropped)
		return nil
	}
	p.wg.Add(1)
	p.mu.Unlock()

	// Detached from the request so the response does not cancel delivery.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer cancel()

		if err := p.inner.Publish(pubCtx, ev); err != nil {
			p.logger.Error("event publish failed",
				zap.String("event_id", ev.ID),
				zap.String("event_name", ev.EventName),
				zap.String("correlation_id", ev.CorrelationID),
				zap.Error(err),
			)
			p.metrics.RecordEventPublish(ev.EventName, OutcomeError)
			return
		}
		p.metrics.RecordEventPublish(ev.EventName, OutcomeOK)
	}()
	return nil
}

// Close stops accepting events, waits for in-flight publishes and closes the
// inner publisher when it supports closing.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	if c, ok := p.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
