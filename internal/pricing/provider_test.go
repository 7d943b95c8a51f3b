package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alert-engine/internal/circuit"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func testBreaker() *circuit.Breaker {
	return circuit.NewBreaker("test", circuit.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MinimumRequests:  100,
		RecoveryTimeout:  30 * time.Second,
	}, noopLogger())
}

func TestProviderCacheHitSkipsUpstream(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	_ = cache.Set(context.Background(), "AAPL", PricePoint{
		Price:     decimal.NewFromInt(155),
		FetchedAt: time.Now(),
	})

	calls := 0
	source := SourceFunc(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		calls++
		return decimal.NewFromInt(1), nil
	})

	provider := NewProvider(cache, source, testBreaker(), nil, noopLogger())

	quote, err := provider.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if !quote.Cached {
		t.Fatal("fresh cache entry should be served from cache")
	}
	if calls != 0 {
		t.Fatalf("upstream should not be called on cache hit, got %d calls", calls)
	}
	if !quote.Price.Equal(decimal.NewFromInt(155)) {
		t.Fatalf("unexpected price %s", quote.Price)
	}
}

func TestProviderExpiredEntryFetchesUpstream(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_ = cache.Set(context.Background(), "AAPL", PricePoint{
		Price:     decimal.NewFromInt(100),
		FetchedAt: time.Now(),
	})

	source := SourceFunc(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.NewFromInt(155), nil
	})

	provider := NewProvider(cache, source, testBreaker(), nil, noopLogger())

	quote, err := provider.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if quote.Cached {
		t.Fatal("expired entry must be treated as absent")
	}
	if !quote.Price.Equal(decimal.NewFromInt(155)) {
		t.Fatalf("unexpected price %s", quote.Price)
	}
}

func TestProviderUpstreamFailure(t *testing.T) {
	provider := NewProvider(NewMemoryCache(time.Minute), SourceFunc(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.Decimal{}, errors.New("feed down")
	}), testBreaker(), nil, noopLogger())

	if _, err := provider.GetQuote(context.Background(), "AAPL"); err == nil {
		t.Fatal("upstream failure should surface as an error")
	}
}

func TestProviderBreakerFailsFast(t *testing.T) {
	breaker := circuit.NewBreaker("test", circuit.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, noopLogger())

	calls := 0
	provider := NewProvider(NewMemoryCache(time.Minute), SourceFunc(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		calls++
		return decimal.Decimal{}, errors.New("feed down")
	}), breaker, nil, noopLogger())

	_, _ = provider.GetQuote(context.Background(), "AAPL")
	_, err := provider.GetQuote(context.Background(), "AAPL")
	if !errors.Is(err, circuit.ErrOpen) {
		t.Fatalf("expected fail-fast open error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("upstream should be called once before tripping, got %d", calls)
	}
}

func TestProviderTracksPreviousPrice(t *testing.T) {
	prices := []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(106)}
	idx := 0
	source := SourceFunc(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		price := prices[idx]
		if idx < len(prices)-1 {
			idx++
		}
		return price, nil
	})

	// Zero TTL cache so every call goes upstream.
	cache := NewMemoryCache(time.Nanosecond)
	provider := NewProvider(cache, source, testBreaker(), nil, noopLogger())

	first, err := provider.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("first quote failed: %v", err)
	}
	if first.Previous != nil {
		t.Fatal("first observation has no previous price")
	}

	second, err := provider.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("second quote failed: %v", err)
	}
	if second.Previous == nil || !second.Previous.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("second quote should carry previous=100, got %+v", second.Previous)
	}
}

func TestHTTPSourceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol": "AAPL",
			"price":  "155.20",
			"time":   time.Now().UnixMilli(),
		})
	}))
	defer srv.Close()

	source := NewHTTPSource(HTTPSourceOptions{BaseURL: srv.URL, Timeout: time.Second, UserAgent: "test"}, noopLogger())

	price, err := source.GetPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("155.20")) {
		t.Fatalf("期望价格 155.20, 实际 %s", price)
	}
}

func TestHTTPSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "upstream_unavailable"})
	}))
	defer srv.Close()

	source := NewHTTPSource(HTTPSourceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	if _, err := source.GetPrice(context.Background(), "AAPL"); err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
}

func TestHTTPSourceRejectsNonPositivePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"symbol": "AAPL", "price": "0"})
	}))
	defer srv.Close()

	source := NewHTTPSource(HTTPSourceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	if _, err := source.GetPrice(context.Background(), "AAPL"); err == nil {
		t.Fatal("zero price should be rejected")
	}
}

func TestMockSourceIsPositiveAndStable(t *testing.T) {
	source := NewMockSource(42)

	for i := 0; i < 50; i++ {
		price, err := source.GetPrice(context.Background(), "AAPL")
		if err != nil {
			t.Fatalf("mock source failed: %v", err)
		}
		if price.Sign() <= 0 {
			t.Fatalf("mock price must stay positive, got %s", price)
		}
	}
}
