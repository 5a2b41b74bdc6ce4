// Package cache provides the in-process query result cache: an LRU bounded by entry
// count where every entry also carries its own expiry.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 1000

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// TTLCache is safe for concurrent use.
type TTLCache struct {
	mu     sync.Mutex
	items  *lru.Cache[string, entry]
	now    func() time.Time
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding at most size entries.
func New(size int) *TTLCache {
	if size <= 0 {
		size = DefaultSize
	}
	items, _ := lru.New[string, entry](size) // only errors on size <= 0
	return &TTLCache{items: items, now: time.Now}
}

// SetClock replaces the time source. Tests use it to step past TTLs.
func (c *TTLCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value if present and not expired. Expired entries are removed.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key, overwriting any previous entry.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})
}

// Delete removes a single key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (c *TTLCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.items.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.items.Remove(key)
			removed++
		}
	}
	return removed
}

// PurgeExpired drops every expired entry and returns how many were dropped.
func (c *TTLCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.items.Keys() {
		e, ok := c.items.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.items.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache. Hit/miss counters are kept.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

func (c *TTLCache) Len() int {
	return c.items.Len()
}

func (c *TTLCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{Size: c.Len(), Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
