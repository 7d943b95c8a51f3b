package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PricePoint is an immutable cached observation. Writers always
// replace the whole entry, never mutate it in place.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Cache stores the last known price per symbol within a freshness
// window. An expired entry is reported as absent.
type Cache interface {
	Get(ctx context.Context, symbol string) (PricePoint, bool, error)
	Set(ctx context.Context, symbol string, point PricePoint) error
}

// MemoryCache is a process-local TTL cache, used in tests and when
// Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]PricePoint
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache builds an in-memory price cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]PricePoint),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a fresh cached point, treating expired entries as absent.
func (c *MemoryCache) Get(ctx context.Context, symbol string) (PricePoint, bool, error) {
	c.mu.RLock()
	point, ok := c.entries[symbol]
	c.mu.RUnlock()

	if !ok {
		return PricePoint{}, false, nil
	}
	if c.now().Sub(point.FetchedAt) >= c.ttl {
		return PricePoint{}, false, nil
	}
	return point, true, nil
}

// Set replaces the entry for a symbol.
func (c *MemoryCache) Set(ctx context.Context, symbol string, point PricePoint) error {
	c.mu.Lock()
	c.entries[symbol] = point
	c.mu.Unlock()
	return nil
}

var _ Cache = (*MemoryCache)(nil)

const priceKeyFormat = "price:%s"

// RedisCache stores price points in Redis under price:{symbol} with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisCache wires a go-redis client into a price cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, now: time.Now}
}

// Get loads a cached price point; redis expiry bounds freshness, with a
// belt-and-braces age check against the stored fetch timestamp.
func (c *RedisCache) Get(ctx context.Context, symbol string) (PricePoint, bool, error) {
	payload, err := c.client.Get(ctx, fmt.Sprintf(priceKeyFormat, symbol)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PricePoint{}, false, nil
		}
		return PricePoint{}, false, fmt.Errorf("redis get price: %w", err)
	}

	var point PricePoint
	if err := json.Unmarshal([]byte(payload), &point); err != nil {
		return PricePoint{}, false, fmt.Errorf("decode cached price: %w", err)
	}
	if c.now().Sub(point.FetchedAt) >= c.ttl {
		return PricePoint{}, false, nil
	}
	return point, true, nil
}

// Set writes the point under the symbol key with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, symbol string, point PricePoint) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("encode price point: %w", err)
	}
	if err := c.client.Set(ctx, fmt.Sprintf(priceKeyFormat, symbol), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set price: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
