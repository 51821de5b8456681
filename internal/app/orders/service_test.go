package orders

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kestrelpay/onramp/errs"
	"github.com/kestrelpay/onramp/internal/domain/orderstore"
	"github.com/kestrelpay/onramp/internal/domain/quote"
)

// memoryOrderStore mirrors the Postgres store semantics: a shared counter
// assigns order numbers inside the transaction, and a failed insert burns the
// counter value without leaving a row behind.
type memoryOrderStore struct {
	mu      sync.Mutex
	counter int64
	orders  map[uuid.UUID]orderstore.Order

	failInsert error
	txBegun    int
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{orders: make(map[uuid.UUID]orderstore.Order)}
}

func (s *memoryOrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	s.mu.Lock()
	s.txBegun++
	s.mu.Unlock()
	return fn(ctx, &memoryOrderTx{store: s})
}

func (s *memoryOrderStore) GetOrder(_ context.Context, id uuid.UUID) (orderstore.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	return order, ok, nil
}

func (s *memoryOrderStore) ListByUser(_ context.Context, userID uuid.UUID) ([]orderstore.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orderstore.Order
	for _, order := range s.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber > out[j].OrderNumber })
	return out, nil
}

type memoryOrderTx struct {
	store *memoryOrderStore
}

func (t *memoryOrderTx) CreateOrder(_ context.Context, draft orderstore.NewOrder) (orderstore.Order, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.counter++
	if t.store.failInsert != nil {
		return orderstore.Order{}, t.store.failInsert
	}
	now := time.Now()
	order := orderstore.Order{
		ID:           draft.ID,
		OrderNumber:  t.store.counter,
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
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.store.orders[order.ID] = order
	return order, nil
}

type stubQuoteService struct {
	mu     sync.Mutex
	quotes map[uuid.UUID]quote.Quote
	// vanished marks quotes that validate but cannot be fetched, reproducing
	// the removal race between the two calls.
	vanished map[uuid.UUID]bool
	err      error
}

func newStubQuoteService() *stubQuoteService {
	return &stubQuoteService{
		quotes:   make(map[uuid.UUID]quote.Quote),
		vanished: make(map[uuid.UUID]bool),
	}
}

func (s *stubQuoteService) add(q quote.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.ID] = q
}

func (s *stubQuoteService) Validate(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	q, ok := s.quotes[id]
	if !ok && !s.vanished[id] {
		return false, nil
	}
	if s.vanished[id] {
		return true, nil
	}
	return !q.Expired(time.Now()), nil
}

func (s *stubQuoteService) Get(_ context.Context, id uuid.UUID) (quote.Quote, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return quote.Quote{}, false, s.err
	}
	q, ok := s.quotes[id]
	return q, ok, nil
}

type stubResolver struct {
	anonymous uuid.UUID
	calls     int
	err       error
}

func (r *stubResolver) Acting(_ context.Context, caller *uuid.UUID) (uuid.UUID, error) {
	r.calls++
	if r.err != nil {
		return uuid.Nil, r.err
	}
	if caller != nil && *caller != uuid.Nil {
		return *caller, nil
	}
	return r.anonymous, nil
}

func freshQuote() quote.Quote {
	now := time.Now()
	return quote.Quote{
		ID:           uuid.New(),
		Base:         "EUR",
		Asset:        "BTC",
		FiatAmount:   decimal.NewFromInt(100),
		CryptoAmount: decimal.RequireFromString("0.002"),
		ExchangeRate: decimal.NewFromInt(50000),
		Fee:          decimal.NewFromInt(1),
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Minute),
	}
}

func newTestService() (*Service, *memoryOrderStore, *stubQuoteService, *stubResolver) {
	store := newMemoryOrderStore()
	quotes := newStubQuoteService()
	resolver := &stubResolver{anonymous: uuid.New()}
	return NewService(store, quotes, resolver), store, quotes, resolver
}

func TestCreateOrderLocksQuoteFields(t *testing.T) {
	service, store, quotes, resolver := newTestService()
	q := freshQuote()
	quotes.add(q)

	order, err := service.CreateOrder(context.Background(), q.ID, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Status != orderstore.StatusQuoteLocked {
		t.Fatalf("status = %s, want %s", order.Status, orderstore.StatusQuoteLocked)
	}
	if order.OrderNumber != 1 {
		t.Fatalf("order number = %d, want 1", order.OrderNumber)
	}
	if order.Reference() != "1" {
		t.Fatalf("reference = %q, want %q", order.Reference(), "1")
	}
	if order.UserID != resolver.anonymous {
		t.Fatalf("order owner = %s, want anonymous %s", order.UserID, resolver.anonymous)
	}
	if order.Base != "EUR" || order.Asset != "BTC" {
		t.Fatalf("pair = %s/%s, want EUR/BTC", order.Base, order.Asset)
	}
	if !order.FiatAmount.Equal(q.FiatAmount) || !order.CryptoAmount.Equal(q.CryptoAmount) ||
		!order.ExchangeRate.Equal(q.ExchangeRate) || !order.Fee.Equal(q.Fee) {
		t.Fatal("quote-derived fields must be copied verbatim")
	}

	// Mutating the quote afterwards must not touch the persisted order.
	mutated := q
	mutated.ExchangeRate = decimal.NewFromInt(60000)
	quotes.add(mutated)

	stored, found, _ := store.GetOrder(context.Background(), order.ID)
	if !found {
		t.Fatal("order must be persisted")
	}
	if !stored.ExchangeRate.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("stored rate = %s, want frozen 50000", stored.ExchangeRate)
	}
}

func TestCreateOrderRequiresQuoteID(t *testing.T) {
	service, store, _, resolver := newTestService()

	_, err := service.CreateOrder(context.Background(), uuid.Nil, nil)
	if !errs.HasCode(err, errs.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if resolver.calls != 0 {
		t.Fatal("missing quote_id must not trigger identity resolution")
	}
	if store.counter != 0 || store.txBegun != 0 {
		t.Fatal("missing quote_id must not advance the counter or open a transaction")
	}
}

func TestCreateOrderExpiredQuote(t *testing.T) {
	service, store, quotes, _ := newTestService()
	q := freshQuote()
	q.ExpiresAt = time.Now().Add(-time.Second)
	quotes.add(q)

	_, err := service.CreateOrder(context.Background(), q.ID, nil)
	if !errs.HasCode(err, errs.CodeQuoteExpired) {
		t.Fatalf("expected quote_expired, got %v", err)
	}
	if len(store.orders) != 0 || store.counter != 0 {
		t.Fatal("expired quote must leave no order or counter side effects")
	}
}

func TestCreateOrderQuoteVanishedAfterValidation(t *testing.T) {
	service, store, quotes, _ := newTestService()
	id := uuid.New()
	quotes.vanished[id] = true

	_, err := service.CreateOrder(context.Background(), id, nil)
	if !errs.HasCode(err, errs.CodeQuoteNotFound) {
		t.Fatalf("expected quote_not_found, got %v", err)
	}
	if len(store.orders) != 0 {
		t.Fatal("vanished quote must create no order")
	}
}

func TestCreateOrderPersistenceFailure(t *testing.T) {
	service, store, quotes, _ := newTestService()
	q := freshQuote()
	quotes.add(q)
	store.failInsert = errors.New("duplicate key value")

	_, err := service.CreateOrder(context.Background(), q.ID, nil)
	if !errs.HasCode(err, errs.CodePersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(store.orders) != 0 {
		t.Fatal("failed insert must leave no order row")
	}

	// A burnt counter value is tolerable; the next creation may observe a
	// gap but never a duplicate.
	store.failInsert = nil
	order, err := service.CreateOrder(context.Background(), q.ID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if order.OrderNumber != 2 {
		t.Fatalf("retry order number = %d, want 2 (gap after rollback)", order.OrderNumber)
	}
}

func TestCreateOrderConcurrentNumbersUnique(t *testing.T) {
	service, _, quotes, _ := newTestService()
	q := freshQuote()
	quotes.add(q)

	const n = 20
	numbers := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			order, err := service.CreateOrder(context.Background(), q.ID, nil)
			if err != nil {
				t.Errorf("create %d: %v", slot, err)
				return
			}
			numbers[slot] = order.OrderNumber
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, number := range numbers {
		if number <= 0 {
			t.Fatalf("order number %d out of range", number)
		}
		if seen[number] {
			t.Fatalf("duplicate order number %d", number)
		}
		seen[number] = true
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	service, _, quotes, resolver := newTestService()
	q := freshQuote()
	quotes.add(q)

	owner := uuid.New()
	order, err := service.CreateOrder(context.Background(), q.ID, &owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := service.GetOrder(context.Background(), order.ID, &owner)
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if got.ID != order.ID || got.Reference() != order.Reference() {
		t.Fatal("owner read must return the created order")
	}

	stranger := uuid.New()
	_, err = service.GetOrder(context.Background(), order.ID, &stranger)
	if !errs.HasCode(err, errs.CodeAccessDenied) {
		t.Fatalf("expected access_denied for stranger, got %v", err)
	}

	// The anonymous shared identity is a caller like any other.
	_, err = service.GetOrder(context.Background(), order.ID, nil)
	if !errs.HasCode(err, errs.CodeAccessDenied) {
		t.Fatalf("expected access_denied for anonymous %s, got %v", resolver.anonymous, err)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	service, _, _, _ := newTestService()
	_, err := service.GetOrder(context.Background(), uuid.New(), nil)
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	service, _, quotes, _ := newTestService()
	q := freshQuote()
	quotes.add(q)

	caller := uuid.New()
	var created []orderstore.Order
	for i := 0; i < 3; i++ {
		order, err := service.CreateOrder(context.Background(), q.ID, &caller)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		created = append(created, order)
	}
	// Orders from another identity must not leak into the listing.
	other := uuid.New()
	if _, err := service.CreateOrder(context.Background(), q.ID, &other); err != nil {
		t.Fatalf("create other: %v", err)
	}

	listed, err := service.ListOrders(context.Background(), &caller)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != len(created) {
		t.Fatalf("listed %d orders, want %d", len(listed), len(created))
	}
	for i := 1; i < len(listed); i++ {
		if listed[i-1].OrderNumber < listed[i].OrderNumber {
			t.Fatal("listing must be newest first")
		}
	}
}

func TestWorkflowQuoteServiceFailure(t *testing.T) {
	service, _, quotes, _ := newTestService()
	quotes.err = errors.New("pricing backend down")

	_, err := service.CreateOrder(context.Background(), uuid.New(), nil)
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if status := errs.HTTPStatus(err); status != http.StatusInternalServerError {
		t.Fatalf("quote service failure must map to 500, got %d", status)
	}
}
