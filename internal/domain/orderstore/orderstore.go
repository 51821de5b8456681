// Package orderstore defines persistence contracts for purchase orders.
package orderstore

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks an order through its settlement lifecycle.
type Status string

const (
	// StatusQuoteLocked marks a freshly created order whose quote-derived
	// pricing is frozen. It is the only status written by the creation path;
	// downstream transitions belong to the payment webhook subsystem.
	StatusQuoteLocked Status = "QUOTE_LOCKED"
)

// Type names the purchase direction of an order.
type Type string

const (
	// TypeBuy is a fiat-to-crypto purchase.
	TypeBuy Type = "buy"
)

// Order is the durable record of a purchase. Fields copied from the
// originating quote are frozen at creation time; later quote mutation or
// expiry never changes an existing order.
type Order struct {
	ID           uuid.UUID       `json:"id"`
	OrderNumber  int64           `json:"order_number"`
	UserID       uuid.UUID       `json:"user_id"`
	QuoteID      uuid.UUID       `json:"quote_id"`
	Type         Type            `json:"type"`
	Base         string          `json:"base"`
	Asset        string          `json:"asset"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Fee          decimal.Decimal `json:"fee"`
	Status       Status          `json:"status"`
	PaymentID    *string         `json:"payment_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Reference returns the user-facing decimal reference derived from the
// assigned order number.
func (o Order) Reference() string {
	return strconv.FormatInt(o.OrderNumber, 10)
}

// NewOrder carries the caller-supplied fields of an order insert. The order
// number is assigned by the store from its shared monotonic counter.
type NewOrder struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	QuoteID      uuid.UUID
	Type         Type
	Base         string
	Asset        string
	FiatAmount   decimal.Decimal
	CryptoAmount decimal.Decimal
	ExchangeRate decimal.Decimal
	Fee          decimal.Decimal
	Status       Status
}

// Tx exposes the write operations available inside a store transaction.
type Tx interface {
	// CreateOrder inserts the order and returns it with the assigned order
	// number and timestamps. A failed insert rolls back with the enclosing
	// transaction; the burnt counter value is never reused.
	CreateOrder(ctx context.Context, order NewOrder) (Order, error)
}

// Store is the durable repository of orders.
type Store interface {
	// WithTransaction runs fn inside a single database transaction,
	// committing on nil and rolling back on error.
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	// GetOrder fetches an order by id. The boolean reports presence.
	GetOrder(ctx context.Context, id uuid.UUID) (Order, bool, error)
	// ListByUser returns the user's orders in reverse chronological order.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
}
