package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTLCache is a sharded key/value cache where every entry expires after a fixed TTL.
// Keys are spread across shards so unrelated keys never contend on the same lock.
type TTLCache[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// NewTTLCache creates a cache whose entries live for ttl.
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

// WithClock overrides the time source (tests).
func (c *TTLCache[V]) WithClock(now func() time.Time) *TTLCache[V] {
	c.now = now
	return c
}

func (c *TTLCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under key, resetting its TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	s := c.getShard(key)
	now := c.now()
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, storedAt: now, expiresAt: now.Add(c.ttl)}
	s.mu.Unlock()
}

// Get returns the value for key if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge returns the value and how long ago it was stored.
func (c *TTLCache[V]) GetWithAge(key string) (V, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	var zero V
	if !ok {
		return zero, 0, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		return zero, 0, false
	}
	return e.value, now.Sub(e.storedAt), true
}

// Delete removes key from the cache.
func (c *TTLCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *TTLCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *TTLCache[V]) Cleanup() int {
	removed := 0
	now := c.now()

	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
