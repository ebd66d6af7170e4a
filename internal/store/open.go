package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/resilience"
)

// Open creates the store selected by cfg.Driver with the contention retry
// policy from rc.
func Open(ctx context.Context, cfg config.StoreConfig, rc config.RetryConfig) (Store, error) {
	retry := WithRetry(resilience.ContentionRetry(rc))
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "signal-engine.db"
		}
		return NewSQLite(dsn, retry)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns}, retry)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
