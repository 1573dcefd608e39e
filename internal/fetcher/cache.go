package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/macro-swarm/internal/model"
)

// DefaultCacheTTL is how long a live reading is served from memory.
const DefaultCacheTTL = 30 * time.Minute

// Cache holds recent live readings keyed by indicator. Implementations
// never fail the caller: a broken cache is a miss.
type Cache interface {
	Get(ctx context.Context, key string) (model.Reading, bool)
	Set(ctx context.Context, key string, r model.Reading)
}

type memEntry struct {
	reading  model.Reading
	storedAt time.Time
}

// MemoryCache is an in-process TTL cache. The lock covers map operations only.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache creates a MemoryCache; ttl <= 0 selects DefaultCacheTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{items: make(map[string]memEntry), ttl: ttl, now: time.Now}
}

// Get returns an unexpired reading.
func (c *MemoryCache) Get(_ context.Context, key string) (model.Reading, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.expired(e.storedAt) {
		return model.Reading{}, false
	}
	return e.reading, true
}

// Set stores r as of now.
func (c *MemoryCache) Set(_ context.Context, key string, r model.Reading) {
	c.setAt(key, r, c.now())
}

// setAt stores r as if it had been cached at storedAt.
func (c *MemoryCache) setAt(key string, r model.Reading, storedAt time.Time) {
	c.mu.Lock()
	c.items[key] = memEntry{reading: r, storedAt: storedAt}
	c.mu.Unlock()
}

func (c *MemoryCache) expired(storedAt time.Time) bool {
	return c.now().Sub(storedAt) >= c.ttl
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// LayeredCache puts a MemoryCache (L1) in front of a shared cache (L2).
// Writes go through to both; L2 hits are promoted into L1.
type LayeredCache struct {
	l1 *MemoryCache
	l2 Cache
}

// NewLayeredCache creates a two-level cache.
func NewLayeredCache(l1 *MemoryCache, l2 Cache) *LayeredCache {
	return &LayeredCache{l1: l1, l2: l2}
}

// Get checks memory, then the shared layer. A shared hit keeps its
// capture time in memory, so promotion never extends its life.
func (c *LayeredCache) Get(ctx context.Context, key string) (model.Reading, bool) {
	if r, ok := c.l1.Get(ctx, key); ok {
		return r, true
	}
	r, ok := c.l2.Get(ctx, key)
	if !ok {
		return model.Reading{}, false
	}
	storedAt := r.CapturedAt
	if storedAt.IsZero() {
		storedAt = c.l1.now()
	}
	if c.l1.expired(storedAt) {
		return model.Reading{}, false
	}
	c.l1.setAt(key, r, storedAt)
	return r, true
}

// Set writes the shared layer first, then memory.
func (c *LayeredCache) Set(ctx context.Context, key string, r model.Reading) {
	c.l2.Set(ctx, key, r)
	c.l1.Set(ctx, key, r)
}
