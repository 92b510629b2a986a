package match

import (
	"sync"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
)

// DefaultCacheTimeout is how long a recognized face stays cached without being seen.
const DefaultCacheTimeout = 10 * time.Second

type cacheEntry struct {
	LastSeen time.Time
	Category types.Category
}

// Cache remembers recently matched faces by SignatureID so that a face seen
// in consecutive frames skips the full enrollment scan.
type Cache struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[SignatureID]cacheEntry
}

// NewCache creates an empty cache. A non-positive timeout falls back to DefaultCacheTimeout.
func NewCache(timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = DefaultCacheTimeout
	}
	return &Cache{
		timeout: timeout,
		entries: make(map[SignatureID]cacheEntry),
	}
}

// Timeout returns the expiry window.
func (c *Cache) Timeout() time.Duration {
	return c.timeout
}

// LookupAndRefresh evicts every entry last seen more than the timeout before
// now, then looks up id. A hit bumps the entry's timestamp to now.
func (c *Cache) LookupAndRefresh(id SignatureID, now time.Time) (types.Category, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.Sub(e.LastSeen) > c.timeout {
			delete(c.entries, key)
		}
	}

	e, ok := c.entries[id]
	if !ok {
		return types.Unknown, false
	}
	e.LastSeen = now
	c.entries[id] = e
	return e.Category, true
}

// Insert stores or overwrites the entry for id. Unknown is never cached.
func (c *Cache) Insert(id SignatureID, category types.Category, now time.Time) {
	if category != types.Allow && category != types.Deny {
		return
	}
	c.mu.Lock()
	c.entries[id] = cacheEntry{LastSeen: now, Category: category}
	c.mu.Unlock()
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Categories returns a copy of the cached categories keyed by SignatureID.
func (c *Cache) Categories() map[SignatureID]types.Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[SignatureID]types.Category, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.Category
	}
	return out
}
