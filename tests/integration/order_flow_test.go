package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrelpay/onramp/internal/app/identity"
	"github.com/kestrelpay/onramp/internal/app/orders"
	"github.com/kestrelpay/onramp/internal/app/quotes"
	"github.com/kestrelpay/onramp/internal/domain/identitystore"
	"github.com/kestrelpay/onramp/internal/domain/orderstore"
	httpserver "github.com/kestrelpay/onramp/internal/infra/server/http"
)

// memoryOrders is an in-process orderstore.Store with the same number
// semantics as the database: a shared counter assigned inside the insert,
// values burnt on rollback.
type memoryOrders struct {
	mu     sync.Mutex
	next   int64
	orders map[uuid.UUID]orderstore.Order
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{next: 1000, orders: make(map[uuid.UUID]orderstore.Order)}
}

type memoryTx struct {
	store   *memoryOrders
	staged  []orderstore.Order
	stageMu sync.Mutex
}

func (t *memoryTx) CreateOrder(_ context.Context, draft orderstore.NewOrder) (orderstore.Order, error) {
	t.store.mu.Lock()
	number := t.store.next
	t.store.next++
	t.store.mu.Unlock()

	now := time.Now().UTC()
	order := orderstore.Order{
		ID:           draft.ID,
		OrderNumber:  number,
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
	t.stageMu.Lock()
	t.staged = append(t.staged, order)
	t.stageMu.Unlock()
	return order, nil
}

func (s *memoryOrders) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	tx := &memoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	for _, order := range tx.staged {
		s.orders[order.ID] = order
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryOrders) GetOrder(_ context.Context, id uuid.UUID) (orderstore.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	return order, ok, nil
}

func (s *memoryOrders) ListByUser(_ context.Context, userID uuid.UUID) ([]orderstore.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orderstore.Order
	for _, order := range s.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].OrderNumber > out[j-1].OrderNumber; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// memoryIdentities backs the resolver with the insert-or-read contract.
type memoryIdentities struct {
	mu    sync.Mutex
	byKey map[string]uuid.UUID
}

func (s *memoryIdentities) EnsureIdentity(_ context.Context, candidate uuid.UUID, email string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKey == nil {
		s.byKey = make(map[string]uuid.UUID)
	}
	if id, ok := s.byKey[email]; ok {
		return id, nil
	}
	s.byKey[email] = candidate
	return candidate, nil
}

func (s *memoryIdentities) GetIdentity(context.Context, uuid.UUID) (identitystore.Identity, bool, error) {
	return identitystore.Identity{}, false, nil
}

func newTestServer(t *testing.T, engine *quotes.Engine) (*httptest.Server, *memoryOrders) {
	t.Helper()
	store := newMemoryOrders()
	resolver := identity.NewResolver(&memoryIdentities{}, "")
	service := orders.NewService(store, engine, resolver)
	server := httptest.NewServer(httpserver.NewHandler(service, engine, nil, false))
	t.Cleanup(server.Close)
	return server, store
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestQuoteToOrderFlow(t *testing.T) {
	engine := quotes.NewEngine(quotes.DefaultConfig())
	server, _ := newTestServer(t, engine)

	resp, quoteBody := postJSON(t, server.URL+"/quotes",
		`{"base":"EUR","asset":"BTC","amount":"100"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	quoteID := quoteBody["id"].(string)
	require.Equal(t, "0.002", quoteBody["crypto_amount"])
	require.Equal(t, "1", quoteBody["fee"])

	resp, orderBody := postJSON(t, server.URL+"/orders",
		`{"quote_id":"`+quoteID+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, float64(1000), orderBody["order_number"])
	require.Equal(t, "1000", orderBody["reference"])
	require.Equal(t, string(orderstore.StatusQuoteLocked), orderBody["status"])

	orderID := orderBody["order_id"].(string)
	resp, detail := getJSON(t, server.URL+"/orders/"+orderID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "100", detail["fiat_amount"])
	require.Equal(t, "50000", detail["exchange_rate"])
	require.Equal(t, "1000", detail["reference"])

	resp, listing := getJSON(t, server.URL+"/orders")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listing["orders"], 1)
	listed := listing["orders"].([]any)[0].(map[string]any)
	require.Equal(t, "1000", listed["reference"])
}

func TestOrderFreezesQuoteFields(t *testing.T) {
	engine := quotes.NewEngine(quotes.DefaultConfig())
	server, store := newTestServer(t, engine)

	ctx := context.Background()
	q, err := engine.Create(ctx, "EUR", "BTC", decimal.RequireFromString("250"))
	require.NoError(t, err)

	resp, orderBody := postJSON(t, server.URL+"/orders",
		`{"quote_id":"`+q.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	orderID := uuid.MustParse(orderBody["order_id"].(string))
	stored, found, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, stored.FiatAmount.Equal(q.FiatAmount))
	require.True(t, stored.CryptoAmount.Equal(q.CryptoAmount))
	require.True(t, stored.ExchangeRate.Equal(q.ExchangeRate))
	require.True(t, stored.Fee.Equal(q.Fee))

	// Evicting the quote afterwards must not disturb the durable order.
	engine.Sweep(time.Now().Add(24 * time.Hour))
	after, found, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, after.CryptoAmount.Equal(stored.CryptoAmount))
}

func TestExpiredQuoteRejectedWithGone(t *testing.T) {
	cfg := quotes.DefaultConfig()
	cfg.TTL = time.Millisecond
	engine := quotes.NewEngine(cfg)
	server, _ := newTestServer(t, engine)

	q, err := engine.Create(context.Background(), "EUR", "BTC", decimal.RequireFromString("50"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	resp, body := postJSON(t, server.URL+"/orders",
		`{"quote_id":"`+q.ID.String()+`"}`)
	require.Equal(t, http.StatusGone, resp.StatusCode)
	require.Equal(t, "quote_expired", body["code"])
}

func TestUnknownQuoteRejectedWithGone(t *testing.T) {
	engine := quotes.NewEngine(quotes.DefaultConfig())
	server, _ := newTestServer(t, engine)

	// A quote id the engine never issued fails validation outright.
	resp, body := postJSON(t, server.URL+"/orders",
		`{"quote_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusGone, resp.StatusCode)
	require.Equal(t, "quote_expired", body["code"])
}

func TestAnonymousOrdersShareOneIdentity(t *testing.T) {
	engine := quotes.NewEngine(quotes.DefaultConfig())
	server, store := newTestServer(t, engine)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		q, err := engine.Create(ctx, "EUR", "ETH", decimal.RequireFromString("75"))
		require.NoError(t, err)
		resp, body := postJSON(t, server.URL+"/orders",
			`{"quote_id":"`+q.ID.String()+`"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		ids = append(ids, uuid.MustParse(body["order_id"].(string)))
	}

	var owner uuid.UUID
	for i, id := range ids {
		order, found, err := store.GetOrder(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		if i == 0 {
			owner = order.UserID
			continue
		}
		require.Equal(t, owner, order.UserID)
	}
}

func TestAuthenticatedReadCannotSeeAnonymousOrder(t *testing.T) {
	engine := quotes.NewEngine(quotes.DefaultConfig())
	server, _ := newTestServer(t, engine)

	q, err := engine.Create(context.Background(), "EUR", "BTC", decimal.RequireFromString("10"))
	require.NoError(t, err)
	resp, body := postJSON(t, server.URL+"/orders", `{"quote_id":"`+q.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := body["order_id"].(string)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/orders/"+orderID, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", uuid.NewString())
	stranger, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = stranger.Body.Close() }()
	require.Equal(t, http.StatusForbidden, stranger.StatusCode)
}
