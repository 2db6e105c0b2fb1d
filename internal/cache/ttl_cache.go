// Package cache keeps recently read values in process memory.
package cache

import (
	"sort"
	"sync"
	"time"
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// TTLCache is a bounded map whose entries expire after TTL. When full, the
// oldest entry is evicted. Only cache values that never change for a key.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	clone      func(V) V
	now        func() time.Time
}

// New builds a cache. clone, when set, is applied on Set and Get so callers
// never share mutable state with the cache.
func New[V any](config Config, clone func(V) V) *TTLCache[V] {
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	if clone == nil {
		clone = func(value V) V { return value }
	}
	return &TTLCache[V]{
		entries:    make(map[string]entry[V]),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		clone:      clone,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, exists := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !exists {
		return zero, false
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return c.clone(item.value), true
}

func (c *TTLCache[V]) Set(key string, value V) {
	now := c.now()
	item := entry[V]{value: c.clone(value), createdAt: now, expiresAt: now.Add(c.ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = item
}

func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTLCache[V]) evictOldest() {
	if len(c.entries) == 0 {
		return
	}

	type pair struct {
		key       string
		createdAt time.Time
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, value := range c.entries {
		pairs = append(pairs, pair{key: key, createdAt: value.createdAt})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].createdAt.Before(pairs[j].createdAt)
	})
	delete(c.entries, pairs[0].key)
}
