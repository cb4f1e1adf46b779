package common

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/pkg/cache"
)

// DefaultOffsetTTL is how long a measured clock offset is trusted.
const DefaultOffsetTTL = 60 * time.Second

// ServerTimeFunc fetches the exchange server time in milliseconds.
type ServerTimeFunc func(ctx context.Context) (int64, error)

// OffsetCache keeps a clock-drift estimate (server - local, ms) per exchange/environment/market.
// Entries are not persisted; a restart or Invalidate forces a fresh measurement.
type OffsetCache struct {
	entries *cache.TTLCache[int64]
	now     func() time.Time
}

// NewOffsetCache creates an offset cache with the given TTL.
func NewOffsetCache(ttl time.Duration) *OffsetCache {
	if ttl <= 0 {
		ttl = DefaultOffsetTTL
	}
	return &OffsetCache{
		entries: cache.NewTTLCache[int64](ttl),
		now:     time.Now,
	}
}

// WithClock overrides the local clock (tests).
func (c *OffsetCache) WithClock(now func() time.Time) *OffsetCache {
	c.now = now
	c.entries.WithClock(now)
	return c
}

// OffsetKey builds the cache key for one venue.
func OffsetKey(ex Exchange, env Environment, market MarketType) string {
	return fmt.Sprintf("%s:%s:%s", ex, env, market)
}

// Offset returns the cached offset for key, measuring it with fetch on a miss.
// A failed measurement yields 0 and is not cached.
func (c *OffsetCache) Offset(ctx context.Context, key string, fetch ServerTimeFunc) int64 {
	if v, ok := c.entries.Get(key); ok {
		return v
	}

	localBefore := c.now().UnixMilli()
	serverTime, err := fetch(ctx)
	if err != nil {
		log.Printf("time sync %s failed: %v", key, err)
		return 0
	}
	localAfter := c.now().UnixMilli()

	// Assume network latency is symmetric
	localTime := localBefore + (localAfter-localBefore)/2
	offset := serverTime - localTime

	c.entries.Set(key, offset)
	return offset
}

// Now returns local time in ms adjusted by the offset for key.
func (c *OffsetCache) Now(ctx context.Context, key string, fetch ServerTimeFunc) int64 {
	offset := c.Offset(ctx, key, fetch)
	return c.now().UnixMilli() + offset
}

// Invalidate drops the entry so the next call re-measures.
func (c *OffsetCache) Invalidate(key string) {
	c.entries.Delete(key)
}

// Cached reports the stored offset without measuring.
func (c *OffsetCache) Cached(key string) (int64, bool) {
	return c.entries.Get(key)
}
