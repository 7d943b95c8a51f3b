package pricing

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceSource supplies a current price for a symbol. Implementations
// may fail or be slow; callers wrap them with a circuit breaker.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// MockSource produces a deterministic-per-symbol random walk. It stands
// in for a real market-data integration behind the same contract.
type MockSource struct {
	mu     sync.Mutex
	rng    *rand.Rand
	levels map[string]decimal.Decimal
}

// NewMockSource seeds a mock price source.
func NewMockSource(seed int64) *MockSource {
	return &MockSource{
		rng:    rand.New(rand.NewSource(seed)),
		levels: make(map[string]decimal.Decimal),
	}
}

// GetPrice returns the symbol's simulated price, drifting up to ±2% per call.
func (m *MockSource) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	level, ok := m.levels[symbol]
	if !ok {
		level = basePrice(symbol)
	}

	drift := decimal.NewFromFloat((m.rng.Float64() - 0.5) * 0.04)
	level = level.Add(level.Mul(drift)).Round(2)
	if level.Sign() <= 0 {
		level = basePrice(symbol)
	}
	m.levels[symbol] = level

	return level, nil
}

// basePrice derives a stable starting level from the symbol name so the
// walk is reproducible across runs with the same seed.
func basePrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	cents := int64(h.Sum32()%49500) + 500
	return decimal.New(cents, -2)
}

var _ PriceSource = (*MockSource)(nil)

// SourceFunc adapts a function to the PriceSource interface.
type SourceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// GetPrice implements PriceSource.
func (f SourceFunc) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}
