// Package cache keeps idle values for reuse, grouped by key.
//
// Several values may share a key. Take hands out the most recently put
// value of a key that the caller accepts; when the cache grows past its
// limit the least recently put values are evicted through a callback.
//
//	c := cache.New[uint64, *buffer](64, func(b *buffer) { b.free() })
//	c.Put(b.size, b)
//	b, ok := c.Take(size, idle)
package cache

import "sync"

// Cache is a thread-safe multi-value LRU cache with a soft limit.
// Cache must not be copied after creation (has mutex).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	byKey   map[K][]*lruNode[K, V]
	list    lruList[K, V]
	limit   int
	onEvict func(V)

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most limit values. A limit of 0 means
// unlimited. onEvict, if non-nil, is called outside the lock for every
// value dropped by eviction or Drain.
func New[K comparable, V any](limit int, onEvict func(V)) *Cache[K, V] {
	return &Cache[K, V]{
		byKey:   make(map[K][]*lruNode[K, V]),
		limit:   limit,
		onEvict: onEvict,
	}
}

// Put stores value under key, evicting the oldest values over the limit.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	node := c.list.PushFront(key, value)
	c.byKey[key] = append(c.byKey[key], node)
	var evicted []V
	for c.limit > 0 && c.list.len > c.limit {
		evicted = append(evicted, c.removeLocked(c.list.Oldest()))
		c.evictions++
	}
	c.mu.Unlock()
	c.evict(evicted)
}

// Take removes and returns the newest value under key for which accept
// returns true. A nil accept takes the newest value.
func (c *Cache[K, V]) Take(key K, accept func(V) bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := c.byKey[key]
	for i := len(nodes) - 1; i >= 0; i-- {
		if accept != nil && !accept(nodes[i].value) {
			continue
		}
		c.hits++
		return c.removeLocked(nodes[i]), true
	}
	c.misses++
	var zero V
	return zero, false
}

// removeLocked unlinks node. Caller must hold c.mu.
func (c *Cache[K, V]) removeLocked(node *lruNode[K, V]) V {
	c.list.unlink(node)
	nodes := c.byKey[node.key]
	for i, n := range nodes {
		if n == node {
			nodes = append(nodes[:i], nodes[i+1:]...)
			break
		}
	}
	if len(nodes) == 0 {
		delete(c.byKey, node.key)
	} else {
		c.byKey[node.key] = nodes
	}
	return node.value
}

// Drain evicts every value.
func (c *Cache[K, V]) Drain() {
	c.mu.Lock()
	var evicted []V
	for n := c.list.Oldest(); n != nil; n = c.list.Oldest() {
		evicted = append(evicted, c.removeLocked(n))
	}
	c.mu.Unlock()
	c.evict(evicted)
}

func (c *Cache[K, V]) evict(values []V) {
	if c.onEvict == nil {
		return
	}
	for _, v := range values {
		c.onEvict(v)
	}
}

// Len returns the number of cached values.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.len
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:       c.list.len,
		Capacity:  c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}
