package events

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// Bus is the publisher returned by Open. HealthCheck is nil when the driver
// has nothing to probe.
type Bus struct {
	*AsyncPublisher
	HealthCheck func(ctx context.Context) error
}

// Open builds the publisher selected by cfg.Driver, wrapped in an
// AsyncPublisher.
func Open(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger, metrics *observability.Metrics) (*Bus, error) {
	var (
		inner model.EventPublisher
		check func(context.Context) error
	)

	switch cfg.Driver {
	case "redis":
		addr := cfg.Redis.Addr
		if cfg.Redis.AddrEnv != "" {
			if v := os.Getenv(cfg.Redis.AddrEnv); v != "" {
				addr = v
			}
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("events: redis %s: %w", addr, err)
		}
		rp := NewRedisPublisher(client, cfg.Topic, cfg.Redis.MaxLength, cfg.NotifyPermission)
		inner, check = rp, rp.HealthCheck
	case "pulsar":
		pp, err := NewPulsarPublisher(cfg.Pulsar, cfg.Topic, cfg.NotifyPermission)
		if err != nil {
			return nil, err
		}
		inner = pp
	case "log":
		inner = NewLogPublisher(logger.Named("events"), cfg.NotifyPermission)
	case "none", "":
		inner = NoopPublisher{}
	default:
		return nil, fmt.Errorf("events: unsupported driver %q", cfg.Driver)
	}

	logger.Info("event publisher ready",
		zap.String("driver", cfg.Driver),
		zap.String("topic", cfg.Topic),
	)

	return &Bus{
		AsyncPublisher: NewAsyncPublisher(inner, cfg.MaxInFlight, cfg.PublishTimeout, logger, metrics),
		HealthCheck:    check,
	}, nil
}
