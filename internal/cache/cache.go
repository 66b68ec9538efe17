// Package cache provides a small in-memory TTL cache for read-path data
// that is expensive to assemble but tolerates short staleness, such as the
// decoded photo blobs embedded in activity listings.
package cache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL applies when New is given a non-positive ttl.
	DefaultTTL = 30 * time.Second
	// DefaultMaxEntries applies when New is given a non-positive maxEntries.
	DefaultMaxEntries = 1000
)

// Cache maps keys to values for a bounded time. All methods are safe for
// concurrent use. Construct with New; the zero value is not usable.
type Cache[K comparable, V any] struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	items map[K]item[V]
}

type item[V any] struct {
	val     V
	expires time.Time
}

// New creates a cache whose entries live for ttl and which holds at most
// maxEntries of them. When full, expired entries are dropped first, then
// the live entry closest to expiry.
func New[K comparable, V any](ttl time.Duration, maxEntries int) *Cache[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[K, V]{
		ttl:   ttl,
		max:   maxEntries,
		items: make(map[K]item[V]),
	}
}

// TTL reports the configured entry lifetime.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value stored under key. Entries past their lifetime are
// removed on access and reported as absent.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(it.expires) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return it.val, true
}

// Set stores value under key. Overwriting an existing key resets its
// lifetime and never triggers eviction.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.max {
		c.makeRoom()
	}
	c.items[key] = item[V]{val: value, expires: time.Now().Add(c.ttl)}
}

// makeRoom drops every expired entry and, if the cache is still full, the
// live entry closest to expiry. Caller holds mu.
func (c *Cache[K, V]) makeRoom() {
	now := time.Now()
	for k, it := range c.items {
		if now.After(it.expires) {
			delete(c.items, k)
		}
	}
	if len(c.items) < c.max {
		return
	}

	var (
		victim  K
		soonest time.Time
		found   bool
	)
	for k, it := range c.items {
		if !found || it.expires.Before(soonest) {
			victim, soonest, found = k, it.expires, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
}

// Len reports the number of stored entries, counting ones that have
// expired but not yet been removed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
