package ledger

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acme/expediente/internal/config"
)

// Open builds the store selected by cfg. It returns a nil Store when the
// ledger is disabled. The returned close function is never nil.
func Open(ctx context.Context, cfg config.LedgerConfig) (Store, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, noop, nil
	}

	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, noop, fmt.Errorf("ledger: environment variable %q is empty", cfg.DSNEnv)
		}
		pcfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("ledger: parse dsn: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			pcfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			pcfg.MinConns = int32(min(cfg.MaxIdleConns, int(pcfg.MaxConns)))
		}
		if cfg.ConnMaxLifetime > 0 {
			pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, noop, fmt.Errorf("ledger: connect: %w", err)
		}
		store := NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return store, pool.Close, nil
	default:
		return nil, noop, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}
