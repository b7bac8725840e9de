// Package cache implements a content-hashed result cache with TTL
// expiry and LRU eviction, plus singleflight coalescing so concurrent
// misses on the same key invoke the underlying callable once, not once
// per caller.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value    map[string]any
	insertAt time.Time
	ttl      time.Duration
	hitCount int
	lastUsed time.Time
	element  *node
}

// Cache is a TTL + LRU result cache keyed by stable task hash.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *lruList
	maxSize int
	ttl     time.Duration

	hits      int64
	misses    int64
	evictions int64

	group singleflight.Group
}

// New creates a Cache with the given default TTL and max entry count.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		order:   newLRUList(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached value for key, or (nil, false) on miss or
// expiry. A lazily-expired entry is evicted on the miss path.
func (c *Cache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(e.insertAt) > e.ttl {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}
	e.hitCount++
	e.lastUsed = time.Now()
	c.order.moveToFront(e.element)
	c.hits++
	return e.value, true
}

// Set inserts value under key with the cache's default TTL, evicting the
// least-recently-used entry first if the cache is already at capacity.
func (c *Cache) Set(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, c.ttl)
}

// SetTTL inserts value under key with an explicit TTL override.
func (c *Cache) SetTTL(key string, value map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache) setLocked(key string, value map[string]any, ttl time.Duration) {
	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.insertAt = time.Now()
		existing.ttl = ttl
		c.order.moveToFront(existing.element)
		return
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	el := c.order.pushFront(key)
	c.entries[key] = &entry{
		value:    value,
		insertAt: time.Now(),
		ttl:      ttl,
		lastUsed: time.Now(),
		element:  el,
	}
}

func (c *Cache) evictOldestLocked() {
	el := c.order.back()
	if el == nil {
		return
	}
	c.removeLocked(el.key)
	c.evictions++
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.remove(e.element)
	delete(c.entries, key)
}

// GetOrCompute returns the cached value for key if present; otherwise it
// calls compute exactly once across any concurrently-waiting callers
// (via singleflight) and caches the result before returning it.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (map[string]any, error)) (map[string]any, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(map[string]any), false, nil
}

// Stats is a point-in-time snapshot of cache metrics.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// Stats returns the current cache metrics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   rate,
	}
}

// --- minimal intrusive doubly-linked list for LRU ordering ---

type node struct {
	key        string
	prev, next *node
}

type lruList struct {
	root node // sentinel; root.next = front (most recent), root.prev = back (least recent)
}

func newLRUList() *lruList {
	l := &lruList{}
	l.root.next = &l.root
	l.root.prev = &l.root
	return l
}

func (l *lruList) pushFront(key string) *node {
	n := &node{key: key}
	n.next = l.root.next
	n.prev = &l.root
	l.root.next.prev = n
	l.root.next = n
	return n
}

func (l *lruList) remove(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next, n.prev = nil, nil
}

func (l *lruList) moveToFront(n *node) {
	if l.root.next == n {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = l.root.next
	n.prev = &l.root
	l.root.next.prev = n
	l.root.next = n
}

func (l *lruList) back() *node {
	if l.root.prev == &l.root {
		return nil
	}
	return l.root.prev
}
