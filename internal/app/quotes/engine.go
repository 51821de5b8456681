// Package quotes implements the time-bounded price-quote engine.
package quotes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/kestrelpay/onramp/errs"
	"github.com/kestrelpay/onramp/internal/domain/quote"
	"github.com/kestrelpay/onramp/internal/observability"
)

const component = "quote engine"

// cryptoScale is the decimal precision used for crypto amounts.
const cryptoScale = 8

// Config sizes the quote engine.
type Config struct {
	// TTL bounds quote validity from issuance.
	TTL time.Duration
	// FeeBasisPoints is the platform fee charged on the fiat amount.
	FeeBasisPoints int64
	// Throttle caps quote issuance per second; zero disables throttling.
	Throttle float64
	// ThrottleBurst sets the issuance burst size when throttled.
	ThrottleBurst int
	// Rates maps "BASE/ASSET" pairs to the fiat price of one crypto unit.
	Rates map[string]decimal.Decimal
}

// DefaultConfig returns engine defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		TTL:            2 * time.Minute,
		FeeBasisPoints: 100,
		Throttle:       0,
		ThrottleBurst:  1,
		Rates: map[string]decimal.Decimal{
			"EUR/BTC": decimal.NewFromInt(50000),
			"EUR/ETH": decimal.NewFromInt(2500),
		},
	}
}

// Engine issues and serves time-bounded conversion quotes. It satisfies
// quote.Service for the order workflow.
type Engine struct {
	ttl     time.Duration
	feeBps  decimal.Decimal
	rates   map[string]decimal.Decimal
	limiter *rate.Limiter

	mu     sync.RWMutex
	quotes map[uuid.UUID]quote.Quote

	now func() time.Time
}

// NewEngine constructs an Engine from cfg, applying defaults for zero values.
func NewEngine(cfg Config) *Engine {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	rates := make(map[string]decimal.Decimal, len(cfg.Rates))
	for pair, price := range cfg.Rates {
		rates[normalisePair(pair)] = price
	}
	var limiter *rate.Limiter
	if cfg.Throttle > 0 {
		burst := cfg.ThrottleBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Throttle), burst)
	}
	return &Engine{
		ttl:     ttl,
		feeBps:  decimal.NewFromInt(cfg.FeeBasisPoints),
		rates:   rates,
		limiter: limiter,
		quotes:  make(map[uuid.UUID]quote.Quote),
		now:     time.Now,
	}
}

// Create prices a fiat purchase of asset and stores the resulting quote for
// its TTL window.
func (e *Engine) Create(ctx context.Context, base, asset string, fiatAmount decimal.Decimal) (quote.Quote, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if base == "" || asset == "" {
		return quote.Quote{}, errs.New(component, errs.CodeInvalidRequest,
			errs.WithMessage("base and asset are required"))
	}
	if !fiatAmount.IsPositive() {
		return quote.Quote{}, errs.New(component, errs.CodeInvalidRequest,
			errs.WithMessage("amount must be greater than zero"))
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return quote.Quote{}, errs.New(component, errs.CodeRateLimited,
			errs.WithMessage("quote issuance throttled"),
			errs.WithRemediation("retry after a short delay"))
	}

	price, ok := e.rates[base+"/"+asset]
	if !ok || !price.IsPositive() {
		return quote.Quote{}, errs.New(component, errs.CodeInvalidRequest,
			errs.WithMessage(fmt.Sprintf("unsupported pair %s/%s", base, asset)))
	}

	// The fee is charged on top of the converted amount, not deducted from it.
	fee := fiatAmount.Mul(e.feeBps).Div(decimal.NewFromInt(10000)).Round(2)
	cryptoAmount := fiatAmount.DivRound(price, cryptoScale)

	issued := e.now()
	q := quote.Quote{
		ID:           uuid.New(),
		Base:         base,
		Asset:        asset,
		FiatAmount:   fiatAmount,
		CryptoAmount: cryptoAmount,
		ExchangeRate: price,
		Fee:          fee,
		CreatedAt:    issued,
		ExpiresAt:    issued.Add(e.ttl),
	}

	e.mu.Lock()
	e.quotes[q.ID] = q
	e.mu.Unlock()

	observability.RecordQuoteIssued(ctx, base, asset)
	return q, nil
}

// Validate reports whether the quote exists and has not expired.
func (e *Engine) Validate(_ context.Context, id uuid.UUID) (bool, error) {
	e.mu.RLock()
	q, ok := e.quotes[id]
	e.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return !q.Expired(e.now()), nil
}

// Get fetches a stored quote by id. Expired quotes remain retrievable until
// the sweeper evicts them.
func (e *Engine) Get(_ context.Context, id uuid.UUID) (quote.Quote, bool, error) {
	e.mu.RLock()
	q, ok := e.quotes[id]
	e.mu.RUnlock()
	if !ok {
		return quote.Quote{}, false, nil
	}
	return q, true, nil
}

// Sweep evicts quotes that expired at or before now and returns the eviction
// count.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for id, q := range e.quotes {
		if q.Expired(now) {
			delete(e.quotes, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps expired quotes on the given interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if evicted := e.Sweep(tick); evicted > 0 {
				observability.Log().Debug("expired quotes evicted",
					observability.F("count", evicted))
			}
		}
	}
}

func normalisePair(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), " ", ""))
}
