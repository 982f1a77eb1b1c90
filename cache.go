package transitdb

import (
	"sync"
	"time"
)

// Cache holds derived, reconstructable query results keyed by caller-composed
// strings. An entry is valid only while its TTL has not elapsed and the feed
// fingerprint it was computed under still matches; either failure evicts it
// at lookup time. Construct one per engine instead of sharing global state.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	payload     any
	fingerprint string
	createdAt   time.Time
	expiresAt   time.Time // zero means no time-based expiry
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Set stores payload under key, recording the fingerprint it was computed
// under. A zero ttl means the entry only expires on fingerprint mismatch.
func (c *Cache) Set(key string, payload any, fingerprint string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{
		payload:     payload,
		fingerprint: fingerprint,
		createdAt:   c.now(),
	}
	if ttl > 0 {
		entry.expiresAt = entry.createdAt.Add(ttl)
	}
	c.entries[key] = entry
}

// Get returns the stored payload, or false if the key is absent or the entry
// has passed its TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(entry) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.payload, true
}

// IsValid reports whether the entry at key was computed under fingerprint and
// is still within its TTL. A stale or mismatched entry is evicted.
func (c *Cache) IsValid(key string, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expired(entry) || entry.fingerprint != fingerprint {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *Cache) expired(entry cacheEntry) bool {
	return !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt)
}
