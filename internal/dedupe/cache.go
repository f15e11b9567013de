package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	id string
	ts time.Time
}

// Cache remembers document IDs already accounted for in this run, so a
// repeated article can be reported as a duplicate without a storage round
// trip. Storage-level ID uniqueness remains the source of truth; the cache is
// bounded by capacity and ttl and may forget, which only costs an extra
// write that the cluster will reject as a conflict anyway.
type Cache struct {
	mu       sync.Mutex
	items    map[string]time.Time
	order    []entry
	capacity int
	ttl      time.Duration
}

// NewCache creates a cache with the provided capacity and ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:    make(map[string]time.Time, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Seen reports whether the ID was recorded inside the ttl window. It does
// not record the ID; use Add for that.
func (c *Cache) Seen(id string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.items[id]
	return ok && now.Sub(ts) <= c.ttl
}

// Add records that an ID has been accounted for.
func (c *Cache) Add(id string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[id] = now
	c.order = append(c.order, entry{id: id, ts: now})
	c.compact(now)
}

func (c *Cache) compact(now time.Time) {
	cutoff := now.Add(-c.ttl)

	for len(c.order) > 0 && (len(c.items) > c.capacity || c.order[0].ts.Before(cutoff)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		if ts, ok := c.items[oldest.id]; ok && ts == oldest.ts {
			delete(c.items, oldest.id)
		}
	}
}
