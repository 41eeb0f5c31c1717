package intel

import (
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// sweepEvery triggers an expiry sweep after this many inserts.
const sweepEvery = 256

// Cache holds provider answers for a fixed TTL. Expired entries are
// dropped lazily on read and swept in bulk every sweepEvery inserts.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	inserts int
	now     func() time.Time
}

type cacheEntry struct {
	result  *domain.IntelResult
	expires time.Time
}

// NewCache returns a cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// SetTTL changes the lifetime of future entries; existing entries keep
// their expiry.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Get returns the live entry for key, evicting it if expired.
func (c *Cache) Get(key string) (*domain.IntelResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have
		// refreshed the entry.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.result, true
}

// Put stores an entry with a fresh TTL.
func (c *Cache) Put(key string, r *domain.IntelResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: r, expires: c.now().Add(c.ttl)}
	c.inserts++
	if c.inserts%sweepEvery == 0 {
		c.sweepLocked()
	}
}

// Len reports live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	now := c.now()
	for _, e := range c.entries {
		if !now.After(e.expires) {
			n++
		}
	}
	return n
}

func (c *Cache) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
