// Package persistence exposes shared wiring for database-backed repositories.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelpay/onramp/internal/observability"
)

// Connect establishes a pgx pool against dsn, retrying the initial ping with
// exponential backoff until maxWait elapses or ctx is cancelled. The database
// frequently comes up after the service in containerised deployments.
func Connect(ctx context.Context, dsn string, maxWait time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: create pool: %w", err)
	}

	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	deadline := time.Now().Add(maxWait)
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second

	for {
		pingErr := pool.Ping(ctx)
		if pingErr == nil {
			return pool, nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop || time.Now().Add(sleep).After(deadline) {
			pool.Close()
			return nil, fmt.Errorf("persistence: database unreachable after %s: %w", maxWait, pingErr)
		}
		observability.Log().Debug("database ping failed, retrying",
			observability.F("sleep", sleep),
			observability.F("error", pingErr))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("persistence: connect cancelled: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
}
