package sandbox

import (
	"sync"
	"time"
)

// livenessCache memoizes backend health checks for a short window so the
// hot path doesn't pay an inspect round trip on every call. Owned by a
// Manager instance (not process-global) so tests can inject a clock.
type livenessCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]livenessEntry // keyed by compute resource id
}

type livenessEntry struct {
	alive     bool
	checkedAt time.Time
}

func newLivenessCache(ttl time.Duration, now func() time.Time) *livenessCache {
	if now == nil {
		now = time.Now
	}
	return &livenessCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]livenessEntry),
	}
}

// get returns the cached liveness for the resource and whether a fresh
// entry existed.
func (c *livenessCache) get(resourceID string) (alive, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[resourceID]
	if !found || c.now().Sub(entry.checkedAt) > c.ttl {
		delete(c.entries, resourceID)
		return false, false
	}
	return entry.alive, true
}

// set records the result of a health check.
func (c *livenessCache) set(resourceID string, alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[resourceID] = livenessEntry{alive: alive, checkedAt: c.now()}
}

// invalidate drops the entry for a resource, forcing the next lookup to
// inspect the backend.
func (c *livenessCache) invalidate(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, resourceID)
}
