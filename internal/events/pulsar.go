package events

import (
	"context"
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/model"
)

// PulsarPublisher sends events to an Apache Pulsar topic, keyed by
// correlation id so related events stay ordered.
type PulsarPublisher struct {
	client           pulsar.Client
	producer         pulsar.Producer
	notifyPermission string
}

// NewPulsarPublisher connects to the broker and creates a producer on topic.
func NewPulsarPublisher(cfg config.PulsarConfig, topic, notifyPermission string) (*PulsarPublisher, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               cfg.URL,
		OperationTimeout:  cfg.OperationTimeout,
		ConnectionTimeout: cfg.ConnectionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("events: pulsar client: %w", err)
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: pulsar producer for %s: %w", topic, err)
	}

	return &PulsarPublisher{
		client:           client,
		producer:         producer,
		notifyPermission: notifyPermission,
	}, nil
}

// Publish implements model.EventPublisher.
func (p *PulsarPublisher) Publish(ctx context.Context, ev model.Event) error {
	msg, err := pulsarMessage(ev, p.notifyPermission)
	if err != nil {
		return err
	}
	if _, err := p.producer.Send(ctx, msg); err != nil {
		return fmt.Errorf("events: pulsar send: %w", err)
	}
	return nil
}

// Close flushes the producer and closes the client.
func (p *PulsarPublisher) Close() error {
	p.producer.Close()
	p.client.Close()
	return nil
}

func pulsarMessage(ev model.Event, notifyPermission string) (*pulsar.ProducerMessage, error) {
	payload, err := Encode(ev, notifyPermission)
	if err != nil {
		return nil, fmt.Errorf("events: encode: %w", err)
	}
	return &pulsar.ProducerMessage{
		Payload: payload,
		Key:     ev.CorrelationID,
		Properties: map[string]string{
			"eventName": ev.EventName,
			"eventType": ev.EventType,
			"coreName":  ev.CoreName,
		},
		EventTime: ev.OccurredAt,
	}, nil
}
