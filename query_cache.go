package cqrs

import (
	"strings"
	"sync"
	"time"
)

// DefaultQueryCacheTTL is the time a cached query result stays valid when
// no TTL is configured. A cached read may be stale by up to this window;
// that staleness is documented, intentional behavior.
const DefaultQueryCacheTTL = 5 * time.Minute

// QueryCacheOption configures a QueryCache.
type QueryCacheOption func(*QueryCache)

// WithCacheTTL sets the time-to-live applied to every entry at insertion.
func WithCacheTTL(ttl time.Duration) QueryCacheOption {
	return func(c *QueryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// QueryCache is a time-boxed, read-through result cache for queries. Expiry
// is checked lazily on read; there is no background sweep. It is a shared,
// best-effort structure: the only consistency guarantees are TTL expiry and
// explicit invalidation.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

// NewQueryCache creates a QueryCache with the default TTL of five minutes.
func NewQueryCache(opts ...QueryCacheOption) *QueryCache {
	c := &QueryCache{
		entries: make(map[string]cacheEntry),
		ttl:     DefaultQueryCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, if present and unexpired. An
// expired entry is removed on the spot.
func (c *QueryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if current, ok := c.entries[key]; ok && now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key with the configured TTL measured from now.
func (c *QueryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: now().Add(c.ttl),
	}
}

// Invalidate removes entries matching pattern and returns how many were
// removed. A trailing "*" makes the pattern a prefix match ("GetUser:*"
// removes every key starting with "GetUser:"); otherwise the match is
// exact. Used after handler unregistration and for manual cache busting.
func (c *QueryCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		removed := 0
		for key := range c.entries {
			if strings.HasPrefix(key, prefix) {
				delete(c.entries, key)
				removed++
			}
		}
		return removed
	}

	if _, ok := c.entries[pattern]; ok {
		delete(c.entries, pattern)
		return 1
	}
	return 0
}

// Len returns the number of entries currently held, expired or not.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
