package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/acme/expediente/model"
)

// RedisPublisher appends events to a Redis stream.
type RedisPublisher struct {
	client           *redis.Client
	stream           string
	maxLen           int64
	notifyPermission string
}

// NewRedisPublisher creates a publisher writing to stream. A positive maxLen
// caps the stream length approximately.
func NewRedisPublisher(client *redis.Client, stream string, maxLen int64, notifyPermission string) *RedisPublisher {
	return &RedisPublisher{
		client:           client,
		stream:           stream,
		maxLen:           maxLen,
		notifyPermission: notifyPermission,
	}
}

// Publish implements model.EventPublisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev model.Event) error {
	payload, err := Encode(ev, p.notifyPermission)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":            ev.ID,
			"eventName":     ev.EventName,
			"correlationId": ev.CorrelationID,
			"payload":       payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("events: xadd %s: %w", p.stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
