// Package cache provides a Redis-backed cache for fitted response curves.
// Keys are content digests of the fit inputs, so a cached curve is reused
// only when history and decay configuration are bit-identical.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mixplan/mixplan/internal/domain/curve"
)

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// CurveCache caches fitted curves in Redis with a TTL.
type CurveCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New creates a curve cache against the given Redis instance.
func New(opts Options) *CurveCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CurveCache{client: client, keyPrefix: "mixplan:", ttl: ttl}
}

// NewWithClient wraps an existing client; used by tests with redismock.
func NewWithClient(client *redis.Client, ttl time.Duration) *CurveCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CurveCache{client: client, keyPrefix: "mixplan:", ttl: ttl}
}

// Get fetches a cached curve. A missing key is not an error.
func (c *CurveCache) Get(ctx context.Context, key string) (curve.Curve, bool, error) {
	payload, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		return curve.Curve{}, false, nil
	}
	if err != nil {
		c.errs.Add(1)
		return curve.Curve{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var fitted curve.Curve
	if err := json.Unmarshal([]byte(payload), &fitted); err != nil {
		c.errs.Add(1)
		return curve.Curve{}, false, fmt.Errorf("cache payload for %s corrupt: %w", key, err)
	}
	c.hits.Add(1)
	return fitted, true, nil
}

// Set stores a fitted curve under its input digest.
func (c *CurveCache) Set(ctx context.Context, key string, fitted curve.Curve) error {
	payload, err := json.Marshal(fitted)
	if err != nil {
		return fmt.Errorf("cache marshal for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, payload, c.ttl).Err(); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	c.sets.Add(1)
	return nil
}

// Health pings Redis with a short deadline.
func (c *CurveCache) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Stats returns a snapshot of the cache counters.
func (c *CurveCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Errors: c.errs.Load(),
	}
}

// Close releases the Redis connection pool.
func (c *CurveCache) Close() error {
	return c.client.Close()
}
