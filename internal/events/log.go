package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/acme/expediente/model"
)

// LogPublisher writes events to the log. Used in development.
type LogPublisher struct {
	logger           *zap.Logger
	notifyPermission string
}

// NewLogPublisher creates a publisher logging through logger.
func NewLogPublisher(logger *zap.Logger, notifyPermission string) *LogPublisher {
	return &LogPublisher{logger: logger, notifyPermission: notifyPermission}
}

// Publish implements model.EventPublisher.
func (p *LogPublisher) Publish(_ context.Context, ev model.Event) error {
	p.logger.Info("event published",
		zap.String("event_id", ev.ID),
		zap.String("event_name", ev.EventName),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("username", ev.Username),
		zap.String("notifica_facultad", p.notifyPermission),
		zap.Any("datos", ev.EventBody),
	)
	return nil
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

// Publish implements model.EventPublisher.
func (NoopPublisher) Publish(context.Context, model.Event) error { return nil }
