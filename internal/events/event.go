// Package events publishes notifications about started processes and job
// outcomes to the notification bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/acme/expediente/model"
)

// NoCorrelationID is used when the request did not come through the gateway.
const NoCorrelationID = "No gateway, so no correlation id found"

// Factory stamps events with the service identity.
type Factory struct {
	ApplicationName string
	CoreName        string
}

// New builds an event named name with body. Correlation id and username come
// from the request context in ctx, when there is one.
func (f Factory) New(ctx context.Context, name string, body map[string]any) model.Event {
	ev := model.Event{
		ID:              uuid.NewString(),
		CorrelationID:   NoCorrelationID,
		EventType:       model.EventTypeDBStore,
		EventName:       name,
		ApplicationName: f.ApplicationName,
		CoreName:        f.CoreName,
		EventBody:       body,
		OccurredAt:      time.Now().UTC(),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.CorrelationID != "" {
			ev.CorrelationID = rctx.CorrelationID
		}
		ev.Username = rctx.Actor()
	}
	return ev
}

// wireEvent is the JSON shape consumers read. The body is wrapped with the
// permission required to see the notification.
type wireEvent struct {
	ID              string    `json:"id"`
	CorrelationID   string    `json:"correlationId"`
	EventType       string    `json:"eventType"`
	Username        string    `json:"username"`
	EventName       string    `json:"eventName"`
	ApplicationName string    `json:"applicationName"`
	CoreName        string    `json:"coreName"`
	EventBody       wireBody  `json:"eventBody"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type wireBody struct {
	NotificaFacultad string         `json:"notificaFacultad"`
	Datos            map[string]any `json:"datos"`
}

// Encode serializes ev for the bus.
func Encode(ev model.Event, notifyPermission string) ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:              ev.ID,
		CorrelationID:   ev.CorrelationID,
		EventType:       ev.EventType,
		Username:        ev.Username,
		EventName:       ev.EventName,
		ApplicationName: ev.ApplicationName,
		CoreName:        ev.CoreName,
		EventBody: wireBody{
			NotificaFacultad: notifyPermission,
			Datos:            ev.EventBody,
		},
		OccurredAt: ev.OccurredAt,
	})
}
