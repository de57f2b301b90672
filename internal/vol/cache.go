package vol

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores computed volatility with a TTL.
type Cache interface {
	Get(ctx context.Context, symbol string) (float64, bool, error)
	Set(ctx context.Context, symbol string, v float64, ttl time.Duration) error
}

// MemoryCache is the process-local fallback used when no Redis is
// configured.
type MemoryCache struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

type memEntry struct {
	v   float64
	exp time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[symbol]
	if !ok || c.now().After(e.exp) {
		delete(c.data, symbol)
		return 0, false, nil
	}
	return e.v, true, nil
}

func (c *MemoryCache) Set(_ context.Context, symbol string, v float64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[symbol] = memEntry{v: v, exp: c.now().Add(ttl)}
	return nil
}

const redisKeyPrefix = "perprun:vol:"

// RedisCache shares volatility across processes through Redis, so a
// restart does not refetch klines for the whole universe.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, redisKeyPrefix+symbol).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, symbol string, v float64, ttl time.Duration) error {
	return c.rdb.Set(ctx, redisKeyPrefix+symbol, v, ttl).Err()
}
