// Package cache provides a bounded LRU cache with optional TTL expiry.
//
// It backs lookups against external collaborators whose answers change
// rarely, such as policy-link resolution for explanation traces.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for stale entries
// - Thread-safe operations
// - Hit/miss statistics
//
// Usage:
//
//	c := cache.New[string, []string](256, time.Hour)
//
//	if links, ok := c.Get(key); ok {
//		return links
//	}
//	links := resolve(key)
//	c.Put(key, links)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// LRU is a thread-safe least-recently-used cache.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
type LRU[K comparable, V any] struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	now     func() time.Time

	list  *list.List
	items map[K]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most maxSize entries, each living for ttl
// (0 = no expiration). A non-positive maxSize defaults to 1000.
func New[K comparable, V any](maxSize int, ttl time.Duration) *LRU[K, V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		list:    list.New(),
		items:   make(map[K]*list.Element, maxSize),
	}
}

// Get returns the cached value if present and not expired, marking it as
// most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return zero, false
	}
	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Put adds or replaces a value, evicting the least recently used entry
// when full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expires
		c.list.MoveToFront(elem)
		return
	}
	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expires})
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// Stats returns cache statistics.
func (c *LRU[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{Size: c.Len(), MaxSize: c.maxSize, Hits: hits, Misses: misses, HitRate: rate}
}

// removeElement removes an element. Caller must hold the lock.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
