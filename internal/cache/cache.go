// Package cache provides a small in-memory TTL+LRU cache used as a read-through
// layer in front of the KV store. It is never the source of truth: owners purge
// entries explicitly on write and the TTL bounds staleness for out-of-band changes.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a concurrency-safe TTL+LRU cache keyed by string.
type Cache[V any] struct {
	mu  sync.Mutex
	ll  *list.List
	m   map[string]*entry[V]
	ttl time.Duration
	max int
	now func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// New creates a cache. A non-positive ttl disables caching entirely; a
// non-positive max means unbounded.
func New[V any](ttl time.Duration, max int) *Cache[V] {
	return &Cache[V]{
		ll:  list.New(),
		m:   make(map[string]*entry[V]),
		ttl: ttl,
		max: max,
		now: time.Now,
	}
}

// Enabled reports whether the cache stores anything at all.
func (c *Cache[V]) Enabled() bool {
	return c != nil && c.ttl > 0
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if !c.Enabled() {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.m[key]
	if ent == nil {
		return zero, false
	}
	if !c.now().Before(ent.expiresAt) {
		c.removeLocked(ent)
		return zero, false
	}
	c.ll.MoveToFront(ent.elem)
	return ent.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with a ttl no longer than the cache ttl.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if !c.Enabled() || ttl <= 0 {
		return
	}
	if ttl > c.ttl {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if ent := c.m[key]; ent != nil {
		ent.value = value
		ent.expiresAt = expiresAt
		c.ll.MoveToFront(ent.elem)
		return
	}

	elem := c.ll.PushFront(key)
	c.m[key] = &entry[V]{key: key, value: value, expiresAt: expiresAt, elem: elem}
	if c.max > 0 && c.ll.Len() > c.max {
		c.evictOldestLocked()
	}
}

func (c *Cache[V]) Purge(key string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent := c.m[key]; ent != nil {
		c.removeLocked(ent)
	}
}

// PurgeAll drops every entry.
func (c *Cache[V]) PurgeAll() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.m = make(map[string]*entry[V])
}

// Len returns the number of entries currently held, including expired ones
// not yet evicted.
func (c *Cache[V]) Len() int {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) evictOldestLocked() {
	elem := c.ll.Back()
	if elem == nil {
		return
	}
	key, ok := elem.Value.(string)
	if !ok {
		c.ll.Remove(elem)
		return
	}
	if ent := c.m[key]; ent != nil {
		c.removeLocked(ent)
		return
	}
	c.ll.Remove(elem)
}

func (c *Cache[V]) removeLocked(ent *entry[V]) {
	delete(c.m, ent.key)
	if ent.elem != nil {
		c.ll.Remove(ent.elem)
	}
}
