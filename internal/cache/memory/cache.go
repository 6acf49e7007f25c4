// Package memory keeps index page payloads in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/metrics"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is a TTL map safe for concurrent use. A zero TTL keeps entries forever.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	ttl   time.Duration
	clock archive.Clock
}

// New creates an in-memory cache.
func New(ttl time.Duration, clock archive.Clock) *Cache {
	return &Cache{
		items: make(map[string]entry),
		ttl:   ttl,
		clock: clock,
	}
}

// Get returns a copy of the cached value when present and unexpired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		ok = false
	}
	metrics.ObserveCacheLookup("memory", ok)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Set stores a copy of value under key.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	e := entry{value: append([]byte(nil), value...)}
	if c.ttl > 0 {
		e.expires = c.clock.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
