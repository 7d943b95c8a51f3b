package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alert-engine/internal/circuit"
)

// LatencyObserver receives timing samples from price resolution.
type LatencyObserver interface {
	ObserveCacheHit(d time.Duration)
	ObserveUpstreamCall(d time.Duration)
}

// Quote is a resolved price with optional history for change rules.
type Quote struct {
	Symbol   string
	Price    decimal.Decimal
	Previous *decimal.Decimal
	Cached   bool
}

// Provider resolves prices through the cache first and falls back to
// the breaker-wrapped upstream source on a miss. It also remembers the
// prior distinct price per symbol so change rules can use a real
// baseline instead of the synthetic one.
type Provider struct {
	cache    Cache
	source   PriceSource
	breaker  *circuit.Breaker
	observer LatencyObserver
	logger   zerolog.Logger

	mu       sync.Mutex
	current  map[string]decimal.Decimal
	previous map[string]decimal.Decimal
}

// NewProvider wires cache, source, and breaker into a price provider.
func NewProvider(cache Cache, source PriceSource, breaker *circuit.Breaker, observer LatencyObserver, logger zerolog.Logger) *Provider {
	return &Provider{
		cache:    cache,
		source:   source,
		breaker:  breaker,
		observer: observer,
		logger:   logger.With().Str("component", "price_provider").Logger(),
		current:  make(map[string]decimal.Decimal),
		previous: make(map[string]decimal.Decimal),
	}
}

// GetQuote returns the current price for a symbol. A fresh cache entry
// short-circuits the upstream call; otherwise the source is invoked
// under the circuit breaker and the cache entry is replaced.
func (p *Provider) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	started := time.Now()

	point, hit, err := p.cache.Get(ctx, symbol)
	if err != nil {
		// A broken cache degrades to an upstream fetch.
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("price cache read failed")
	}
	if hit {
		if p.observer != nil {
			p.observer.ObserveCacheHit(time.Since(started))
		}
		return p.buildQuote(symbol, point.Price, true), nil
	}

	var price decimal.Decimal
	fetchStarted := time.Now()
	execErr := p.breaker.Execute(ctx, func(ctx context.Context) error {
		fetched, fetchErr := p.source.GetPrice(ctx, symbol)
		if fetchErr != nil {
			return fetchErr
		}
		price = fetched
		return nil
	})
	if execErr != nil {
		return Quote{}, execErr
	}
	if p.observer != nil {
		p.observer.ObserveUpstreamCall(time.Since(fetchStarted))
	}

	if err := p.cache.Set(ctx, symbol, PricePoint{Price: price, FetchedAt: time.Now().UTC()}); err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("price cache write failed")
	}

	return p.buildQuote(symbol, price, false), nil
}

// buildQuote records price history and attaches the prior distinct
// price when one exists.
func (p *Provider) buildQuote(symbol string, price decimal.Decimal, cached bool) Quote {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.current[symbol]; ok && !last.Equal(price) {
		p.previous[symbol] = last
	}
	p.current[symbol] = price

	quote := Quote{Symbol: symbol, Price: price, Cached: cached}
	if prev, ok := p.previous[symbol]; ok {
		value := prev
		quote.Previous = &value
	}
	return quote
}
