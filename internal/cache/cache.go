// Package cache provides a bounded LRU cache with optional per-entry
// expiry, used to memoize tablebase responses and merged evaluations.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Stats holds cache counters.
type Stats struct {
	Size        int
	MaxSize     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	expireAt   time.Time // zero => no TTL
}

// Cache is a fixed-capacity LRU cache. Entries may carry a TTL, checked
// lazily on access; expired entries are treated as absent and removed.
// Every operation holds the cache lock for its full duration, so
// concurrent callers never observe a half-applied mutation.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	items      map[K]*list.Element
	order      *list.List // front = most recently used
	now        func() time.Time

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Config tunes optional cache behavior.
type Config struct {
	// DefaultTTL applies to entries stored with Set. Zero means entries
	// never expire unless SetTTL is used.
	DefaultTTL time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// New creates a cache holding at most maxSize entries.
func New[K comparable, V any](maxSize int, cfg Config) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache: max size must be positive, got %d", maxSize)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		maxSize:    maxSize,
		defaultTTL: cfg.DefaultTTL,
		items:      make(map[K]*list.Element, maxSize),
		order:      list.New(),
		now:        now,
	}, nil
}

// Get returns the value for key and promotes it to most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.remove(el)
		c.expirations++
		c.misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Has reports whether key is present and fresh. It does not touch
// recency or the hit/miss counters.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.remove(el)
		c.expirations++
		return false
	}
	return true
}

// Set stores key with the cache's default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores key with an explicit TTL (zero = no expiry). An existing
// key is replaced wholesale and promoted; a new key at capacity evicts
// the least recently used entry.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ent := &entry[K, V]{key: key, value: value, insertedAt: now}
	if ttl > 0 {
		ent.expireAt = now.Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		el.Value = ent
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
			c.evictions++
		}
	}
	c.items[key] = c.order.PushFront(ent)
}

// Delete removes key, reporting whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(el)
	return true
}

// Clear drops all entries. Counters are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element, c.maxSize)
	c.order.Init()
}

// Keys returns the live keys, most recently used first.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep()
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep()
	return c.order.Len()
}

// GetStats returns a snapshot of the counters. Size excludes expired
// entries.
func (c *Cache[K, V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep()
	return Stats{
		Size:        c.order.Len(),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	return !ent.expireAt.IsZero() && !c.now().Before(ent.expireAt)
}

func (c *Cache[K, V]) remove(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, ent.key)
}

// sweep drops every expired entry so size reports stay honest.
func (c *Cache[K, V]) sweep() {
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if ent := el.Value.(*entry[K, V]); c.expired(ent) {
			c.remove(el)
			c.expirations++
		}
	}
}
