// Package httpserver exposes the HTTP API for quotes and purchase orders.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kestrelpay/onramp/errs"
	"github.com/kestrelpay/onramp/internal/domain/orderstore"
	"github.com/kestrelpay/onramp/internal/domain/quote"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	quotesPath        = "/quotes"
	quoteDetailPrefix = quotesPath + "/"

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	healthPath = "/healthz"

	// callerHeader carries the authenticated user id set by the upstream
	// auth proxy. Requests without it act as the shared anonymous identity.
	callerHeader = "X-User-ID"
)

// OrderService is the order workflow consumed by the HTTP boundary.
type OrderService interface {
	CreateOrder(ctx context.Context, quoteID uuid.UUID, caller *uuid.UUID) (orderstore.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID, caller *uuid.UUID) (orderstore.Order, error)
	ListOrders(ctx context.Context, caller *uuid.UUID) ([]orderstore.Order, error)
}

// QuoteIssuer prices purchases and serves previously issued quotes.
type QuoteIssuer interface {
	Create(ctx context.Context, base, asset string, fiatAmount decimal.Decimal) (quote.Quote, error)
	Get(ctx context.Context, id uuid.UUID) (quote.Quote, bool, error)
}

// Pinger reports backing-store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	orders  OrderService
	quotes  QuoteIssuer
	pinger  Pinger
	devMode bool
}

type createOrderPayload struct {
	QuoteID string `json:"quote_id"`
}

type createQuotePayload struct {
	Base   string `json:"base"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type orderCreatedPayload struct {
	ID          uuid.UUID         `json:"id"`
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber int64             `json:"order_number"`
	Reference   string            `json:"reference"`
	Status      orderstore.Status `json:"status"`
}

// orderPayload is the read projection of an order. Reference is derived from
// the order number and carried explicitly; a method never marshals.
type orderPayload struct {
	orderstore.Order
	Reference string `json:"reference"`
}

func orderProjection(order orderstore.Order) orderPayload {
	return orderPayload{Order: order, Reference: order.Reference()}
}

// NewHandler builds the API handler over the order workflow and quote engine.
// In dev mode error responses carry the underlying cause.
func NewHandler(orders OrderService, quotes QuoteIssuer, pinger Pinger, devMode bool) http.Handler {
	server := &httpServer{orders: orders, quotes: quotes, pinger: pinger, devMode: devMode}
	mux := http.NewServeMux()

	mux.Handle(quotesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createQuote,
	}))
	mux.Handle(quoteDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getQuote,
	}))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.createOrder,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleOrderDetail,
	}))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) createQuote(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodePayload[createQuotePayload](r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}
	q, err := s.quotes.Create(r.Context(), payload.Base, payload.Asset, amount)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *httpServer) getQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, quoteDetailPrefix, "quote")
	if !ok {
		return
	}
	q, found, err := s.quotes.Get(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "quote not found")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	payload, err := decodePayload[createOrderPayload](r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	var quoteID uuid.UUID
	if trimmed := strings.TrimSpace(payload.QuoteID); trimmed != "" {
		quoteID, err = uuid.Parse(trimmed)
		if err != nil {
			writeError(w, http.StatusBadRequest, "quote_id must be a UUID")
			return
		}
	}

	order, err := s.orders.CreateOrder(r.Context(), quoteID, caller)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderCreatedPayload{
		ID:          order.ID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Reference:   order.Reference(),
		Status:      order.Status,
	})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	orders, err := s.orders.ListOrders(r.Context(), caller)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	payloads := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payloads = append(payloads, orderProjection(order))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": payloads})
}

func (s *httpServer) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	raw, action, hasAction := strings.Cut(rest, "/")
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusNotFound, "order id must be a UUID")
		return
	}

	if !hasAction {
		s.getOrder(w, r, id)
		return
	}

	switch strings.TrimSpace(action) {
	case "stream":
		s.streamOrder(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	order, err := s.orders.GetOrder(r.Context(), id, caller)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderProjection(order))
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeAPIError renders a workflow error using the taxonomy's status mapping.
func (s *httpServer) writeAPIError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	body := map[string]string{"status": "error"}

	var envelope *errs.E
	if errors.As(err, &envelope) && envelope != nil {
		body["code"] = string(envelope.Code)
		if envelope.Message != "" {
			body["error"] = envelope.Message
		} else {
			body["error"] = http.StatusText(status)
		}
		if envelope.Remediation != "" {
			body["remediation"] = envelope.Remediation
		}
		if s.devMode {
			if cause := errors.Unwrap(envelope); cause != nil {
				body["detail"] = cause.Error()
			}
		}
	} else {
		body["error"] = http.StatusText(status)
		if s.devMode {
			body["detail"] = err.Error()
		}
	}

	writeJSON(w, status, body)
}

func pathID(w http.ResponseWriter, r *http.Request, prefix, noun string) (uuid.UUID, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, noun+" id required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, noun+" id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// callerID extracts the acting user id from the request header. An absent
// header means the anonymous flow; a malformed one is rejected.
func callerID(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := strings.TrimSpace(r.Header.Get(callerHeader))
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, callerHeader+" must be a UUID")
		return nil, false
	}
	return &id, true
}

func decodePayload[T any](r *http.Request) (T, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload T
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+callerHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
