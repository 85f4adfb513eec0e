// Package cache holds short-lived counters shared by API replicas, such as
// rate-limit windows.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the counter interface used by the rate limiter.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	// IncrWithExpiry increments key and returns the new value. The expiry is
	// set when the key is created and is not extended by later increments.
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache keeps counters in process. It is used when no Redis is
// configured and the API runs as a single replica.
type MemoryCache struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	n       int64
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{counters: make(map[string]*counter), now: time.Now}
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.counters {
		if !now.Before(v.expires) {
			delete(c.counters, k)
		}
	}

	ctr, ok := c.counters[key]
	if !ok {
		ctr = &counter{expires: now.Add(expiry)}
		c.counters[key] = ctr
	}
	ctr.n++
	return ctr.n, nil
}

func (c *MemoryCache) Close() error { return nil }
