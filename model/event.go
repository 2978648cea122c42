package model

import (
	"context"
	"time"
)

// Event types understood by the notification consumers.
const (
	EventTypeDBStore = "DB_STORE"
	EventTypeInfo    = "INFO"
)

// Event names emitted by this service.
const (
	EventProcessStarted = "PROCESO_INICIADO"
	EventNotification   = "NOTIFICACION"
)

// Event is an outbound notification. Body is free-form JSON; publishers wrap
// it together with the notification permission before sending.
type Event struct {
	ID              string         `json:"id"`
	CorrelationID   string         `json:"correlationId"`
	EventType       string         `json:"eventType"`
	Username        string         `json:"username"`
	EventName       string         `json:"eventName"`
	ApplicationName string         `json:"applicationName"`
	CoreName        string         `json:"coreName"`
	EventBody       map[string]any `json:"eventBody"`
	OccurredAt      time.Time      `json:"occurredAt"`
}

// EventPublisher sends events to the notification bus.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
