package cache

import (
	"sync"
	"time"
)

// entry stores one cached value with its own lifetime.
type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) fresh(now time.Time) bool { return now.Sub(e.storedAt) < e.ttl }

// Config controls a Cache. TTL is the default lifetime; SetWithTTL overrides it per entry.
type Config[V any] struct {
	TTL      time.Duration
	MaxItems int
	// Version is written into snapshots. Snapshots with another version are discarded.
	Version int
	// Valid decides which entries are worth persisting. nil keeps everything.
	Valid func(V) bool
	Now   func() time.Time
}

// Cache is a keyed TTL cache. Expired entries stay readable through Stale
// until they are evicted, so callers can serve them as a last resort.
type Cache[V any] struct {
	cfg Config[V]

	mu    sync.RWMutex
	items map[string]entry[V]
}

func New[V any](cfg Config[V]) *Cache[V] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return &Cache[V]{cfg: cfg, items: make(map[string]entry[V])}
}

func (c *Cache[V]) TTL() time.Duration { return c.cfg.TTL }

// Get returns the value only while it is fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !e.fresh(c.cfg.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Stale returns the value regardless of age, with the time it was stored.
func (c *Cache[V]) Stale(key string) (V, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	return e.value, e.storedAt, ok
}

func (c *Cache[V]) Set(key string, v V) { c.SetWithTTL(key, v, c.cfg.TTL) }

func (c *Cache[V]) SetWithTTL(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: v, storedAt: c.cfg.Now(), ttl: ttl}
	c.evictLocked()
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]entry[V])
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictLocked drops expired entries first, then the oldest ones.
func (c *Cache[V]) evictLocked() {
	if c.cfg.MaxItems <= 0 || len(c.items) <= c.cfg.MaxItems {
		return
	}
	now := c.cfg.Now()
	for k, e := range c.items {
		if !e.fresh(now) {
			delete(c.items, k)
		}
	}
	for len(c.items) > c.cfg.MaxItems {
		var (
			oldestKey string
			oldestAt  time.Time
			first     = true
		)
		for k, e := range c.items {
			if first || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt, first = k, e.storedAt, false
			}
		}
		delete(c.items, oldestKey)
	}
}
