package tenant

import (
	"sync"
	"time"
)

// cacheEntry caches both hits and misses so a storm of lookups for an
// unknown tenant cannot hammer the repository.
type cacheEntry struct {
	tenant    *Tenant // nil for a cached miss
	expiresAt time.Time
}

// Cache is a TTL lookup cache keyed by slug or id. Suspension must
// propagate within the TTL, so the default stays short (60s).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache builds a cache. ttl <= 0 defaults to 60s.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached tenant (nil for a cached miss) and whether the
// key was present and fresh.
func (c *Cache) Get(key string) (*Tenant, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	if e.tenant == nil {
		return nil, true
	}
	cp := *e.tenant
	return &cp, true
}

// Put stores a lookup result. t == nil records a miss.
func (c *Cache) Put(key string, t *Tenant) {
	var cp *Tenant
	if t != nil {
		v := *t
		cp = &v
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{tenant: cp, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a key. Used when a tenant's status changes so the
// next lookup sees fresh state.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
