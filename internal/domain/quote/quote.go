// Package quote defines the price-quote contract consumed by the order workflow.
package quote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is a time-bounded, server-computed conversion snapshot. The order
// workflow copies its pricing fields by value at creation time.
type Quote struct {
	ID           uuid.UUID       `json:"id"`
	Base         string          `json:"base"`
	Asset        string          `json:"asset"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Fee          decimal.Decimal `json:"fee"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Expired reports whether the quote lapsed at the given instant.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Service is the pricing collaborator consumed by the order workflow.
type Service interface {
	// Validate reports whether the quote exists and has not expired.
	Validate(ctx context.Context, id uuid.UUID) (bool, error)
	// Get fetches the quote by id. The boolean reports presence.
	Get(ctx context.Context, id uuid.UUID) (Quote, bool, error)
}
