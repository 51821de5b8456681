// Package orders implements the order-creation workflow and its read paths.
package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kestrelpay/onramp/errs"
	"github.com/kestrelpay/onramp/internal/domain/orderstore"
	"github.com/kestrelpay/onramp/internal/domain/quote"
	"github.com/kestrelpay/onramp/internal/observability"
)

const component = "order workflow"

// IdentityResolver resolves the identity a request acts as.
type IdentityResolver interface {
	Acting(ctx context.Context, caller *uuid.UUID) (uuid.UUID, error)
}

// Service orchestrates order creation and reads. All collaborator failures
// are translated into the errs taxonomy before crossing the interface
// boundary; raw storage errors never drive control decisions here.
type Service struct {
	store    orderstore.Store
	quotes   quote.Service
	resolver IdentityResolver
}

// NewService wires the workflow over its collaborators.
func NewService(store orderstore.Store, quotes quote.Service, resolver IdentityResolver) *Service {
	return &Service{store: store, quotes: quotes, resolver: resolver}
}

// CreateOrder converts the referenced quote into a durable order owned by the
// acting identity. Quote validation and fetch run outside the store
// transaction; the transaction wraps exactly the insert so its duration stays
// minimal.
func (s *Service) CreateOrder(ctx context.Context, quoteID uuid.UUID, caller *uuid.UUID) (orderstore.Order, error) {
	if quoteID == uuid.Nil {
		return orderstore.Order{}, errs.New(component, errs.CodeInvalidRequest,
			errs.WithMessage("quote_id is required"))
	}

	acting, err := s.resolver.Acting(ctx, caller)
	if err != nil {
		observability.Log().Error("identity resolution failed",
			observability.F("error", err))
		return orderstore.Order{}, err
	}

	valid, err := s.quotes.Validate(ctx, quoteID)
	if err != nil {
		observability.Log().Error("quote validation failed",
			observability.F("quote_id", quoteID),
			observability.F("error", err))
		// Collaborator failures surface as 500 like any other internal fault.
		return orderstore.Order{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("quote service unavailable"),
			errs.WithHTTP(http.StatusInternalServerError),
			errs.WithCause(err))
	}
	if !valid {
		return orderstore.Order{}, errs.New(component, errs.CodeQuoteExpired,
			errs.WithMessage("quote is invalid or expired"),
			errs.WithRemediation("request a new quote"))
	}

	q, found, err := s.quotes.Get(ctx, quoteID)
	if err != nil {
		observability.Log().Error("quote fetch failed",
			observability.F("quote_id", quoteID),
			observability.F("error", err))
		return orderstore.Order{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("quote service unavailable"),
			errs.WithHTTP(http.StatusInternalServerError),
			errs.WithCause(err))
	}
	if !found {
		// The quote vanished between validation and fetch. Distinct from
		// expiry: the caller should re-quote rather than treat the quote as
		// lapsed.
		return orderstore.Order{}, errs.New(component, errs.CodeQuoteNotFound,
			errs.WithMessage("quote no longer exists"),
			errs.WithRemediation("request a new quote"))
	}

	draft := orderstore.NewOrder{
		ID:      uuid.New(),
		UserID:  acting,
		QuoteID: q.ID,
		Type:    orderstore.TypeBuy,
		Base:    q.Base,
		Asset:   q.Asset,
		// Copied by value: later quote mutation or expiry never changes the
		// order.
		FiatAmount:   q.FiatAmount,
		CryptoAmount: q.CryptoAmount,
		ExchangeRate: q.ExchangeRate,
		Fee:          q.Fee,
		Status:       orderstore.StatusQuoteLocked,
	}

	var created orderstore.Order
	err = s.store.WithTransaction(ctx, func(txCtx context.Context, tx orderstore.Tx) error {
		inserted, txErr := tx.CreateOrder(txCtx, draft)
		if txErr != nil {
			return txErr
		}
		created = inserted
		return nil
	})
	if err != nil {
		observability.Log().Error("order persistence failed",
			observability.F("quote_id", quoteID),
			observability.F("user_id", acting),
			observability.F("error", err))
		return orderstore.Order{}, errs.New(component, errs.CodePersistence,
			errs.WithMessage("order could not be persisted"),
			errs.WithRemediation("retry the request"),
			errs.WithCause(err))
	}

	observability.Log().Info("order created",
		observability.F("order_id", created.ID),
		observability.F("order_number", created.OrderNumber),
		observability.F("user_id", created.UserID))
	observability.RecordOrderCreated(ctx, created.Base, created.Asset)
	return created, nil
}

// GetOrder fetches an order by id, enforcing ownership for every caller,
// anonymous callers included.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID, caller *uuid.UUID) (orderstore.Order, error) {
	acting, err := s.resolver.Acting(ctx, caller)
	if err != nil {
		return orderstore.Order{}, err
	}

	order, found, err := s.store.GetOrder(ctx, id)
	if err != nil {
		observability.Log().Error("order fetch failed",
			observability.F("order_id", id),
			observability.F("error", err))
		return orderstore.Order{}, errs.New(component, errs.CodePersistence,
			errs.WithMessage("order could not be read"),
			errs.WithCause(err))
	}
	if !found {
		return orderstore.Order{}, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("order not found"))
	}
	if order.UserID != acting {
		return orderstore.Order{}, errs.New(component, errs.CodeAccessDenied,
			errs.WithMessage("order not accessible"))
	}
	return order, nil
}

// ListOrders returns all orders owned by the acting identity, newest first.
func (s *Service) ListOrders(ctx context.Context, caller *uuid.UUID) ([]orderstore.Order, error) {
	acting, err := s.resolver.Acting(ctx, caller)
	if err != nil {
		return nil, err
	}

	orders, err := s.store.ListByUser(ctx, acting)
	if err != nil {
		observability.Log().Error("order list failed",
			observability.F("user_id", acting),
			observability.F("error", err))
		return nil, errs.New(component, errs.CodePersistence,
			errs.WithMessage("orders could not be read"),
			errs.WithCause(err))
	}
	return orders, nil
}
