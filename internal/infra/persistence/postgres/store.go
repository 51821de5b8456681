// Package postgres provides PostgreSQL-backed stores for orders and identities.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store bundles the PostgreSQL repositories over one shared pool.
type Store struct {
	pool       *pgxpool.Pool
	Orders     *OrderStore
	Identities *IdentityStore
}

// New constructs a Store backed by the provided pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:       pool,
		Orders:     NewOrderStore(pool),
		Identities: NewIdentityStore(pool),
	}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store: nil pool")
	}
	return s.pool.Ping(ctx)
}

func scanDecimal(raw string, field string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return value, nil
}
