package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelpay/onramp/internal/domain/orderstore"
)

// OrderStore persists orders. Order numbers come from the orders_number_seq
// sequence attached as the column default, so assignment is atomic with the
// insert and shared across every connection and process instance.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    user_id,
    quote_id,
    order_type,
    base,
    asset,
    fiat_amount,
    crypto_amount,
    exchange_rate,
    fee,
    status,
    created_at,
    updated_at
)
VALUES (
    @id,
    @user_id,
    @quote_id,
    @order_type,
    @base,
    @asset,
    @fiat_amount::numeric,
    @crypto_amount::numeric,
    @exchange_rate::numeric,
    @fee::numeric,
    @status,
    NOW(),
    NOW()
)
RETURNING order_number, created_at, updated_at;
`

	orderSelectBase = `
SELECT
    id,
    order_number,
    user_id,
    quote_id,
    order_type,
    base,
    asset,
    fiat_amount::text,
    crypto_amount::text,
    exchange_rate::text,
    fee::text,
    status,
    payment_id,
    created_at,
    updated_at
FROM orders
`

	orderSelectByIDSQL   = orderSelectBase + `WHERE id = $1;`
	orderSelectByUserSQL = orderSelectBase + `WHERE user_id = $1 ORDER BY created_at DESC, order_number DESC;`
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func (s *OrderStore) createOrderWith(ctx context.Context, q querier, draft orderstore.NewOrder) (orderstore.Order, error) {
	if draft.ID == uuid.Nil {
		return orderstore.Order{}, fmt.Errorf("order store: order id required")
	}
	if draft.UserID == uuid.Nil {
		return orderstore.Order{}, fmt.Errorf("order store: user id required")
	}
	args := pgx.NamedArgs{
		"id":            draft.ID,
		"user_id":       draft.UserID,
		"quote_id":      draft.QuoteID,
		"order_type":    string(draft.Type),
		"base":          draft.Base,
		"asset":         draft.Asset,
		"fiat_amount":   draft.FiatAmount.String(),
		"crypto_amount": draft.CryptoAmount.String(),
		"exchange_rate": draft.ExchangeRate.String(),
		"fee":           draft.Fee.String(),
		"status":        string(draft.Status),
	}

	order := orderstore.Order{
		ID:           draft.ID,
		UserID:       draft.UserID,
		QuoteID:      draft.QuoteID,
		Type:         draft.Type,
		Base:         draft.Base,
		Asset:        draft.Asset,
		FiatAmount:   draft.FiatAmount,
		CryptoAmount: draft.CryptoAmount,
		ExchangeRate: draft.ExchangeRate,
		Fee:          draft.Fee,
		Status:       draft.Status,
	}
	if err := q.QueryRow(ctx, orderInsertSQL, args).Scan(&order.OrderNumber, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: insert order: %w", err)
	}
	return order, nil
}

// WithTransaction executes the supplied callback within a database
// transaction. A rolled-back attempt may burn a sequence value; the gap is
// tolerable, a duplicate is not.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("order store: begin tx: %w", err)
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

// GetOrder fetches an order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id uuid.UUID) (orderstore.Order, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Order{}, false, err
	}
	order, err := scanOrder(pool.QueryRow(ctx, orderSelectByIDSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, false, nil
		}
		return orderstore.Order{}, false, fmt.Errorf("order store: get order: %w", err)
	}
	return order, true, nil
}

// ListByUser returns the user's orders in reverse chronological order.
func (s *OrderStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderSelectByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []orderstore.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func (t *orderTx) CreateOrder(ctx context.Context, draft orderstore.NewOrder) (orderstore.Order, error) {
	if t == nil {
		return orderstore.Order{}, fmt.Errorf("order store: nil transaction")
	}
	return t.store.createOrderWith(ctx, t.tx, draft)
}

func scanOrder(row pgx.Row) (orderstore.Order, error) {
	var (
		order        orderstore.Order
		orderType    string
		status       string
		fiatAmount   string
		cryptoAmount string
		exchangeRate string
		fee          string
		paymentID    *string
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.QuoteID,
		&orderType,
		&order.Base,
		&order.Asset,
		&fiatAmount,
		&cryptoAmount,
		&exchangeRate,
		&fee,
		&status,
		&paymentID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return orderstore.Order{}, err
	}

	var err error
	if order.FiatAmount, err = scanDecimal(fiatAmount, "fiat_amount"); err != nil {
		return orderstore.Order{}, err
	}
	if order.CryptoAmount, err = scanDecimal(cryptoAmount, "crypto_amount"); err != nil {
		return orderstore.Order{}, err
	}
	if order.ExchangeRate, err = scanDecimal(exchangeRate, "exchange_rate"); err != nil {
		return orderstore.Order{}, err
	}
	if order.Fee, err = scanDecimal(fee, "fee"); err != nil {
		return orderstore.Order{}, err
	}

	order.Type = orderstore.Type(orderType)
	order.Status = orderstore.Status(status)
	order.PaymentID = paymentID
	order.CreatedAt = createdAt
	order.UpdatedAt = updatedAt
	return order, nil
}
