// Package pcache provides a bounded in-memory LRU cache for projection
// docs. It serves read-heavy query paths without hitting the projection
// store and implements the projex Invalidator interface so quarantined
// projections are evicted promptly.
package pcache

import (
	"container/list"
	"context"
	"sync"

	"github.com/luno/projex"
)

const defaultLimit = 10000

// LoadFunc loads the doc for a key from the projection store on a cache
// miss. Returning ok false caches nothing; the next Lookup loads again.
type LoadFunc func(ctx context.Context, key string) (doc projex.Doc, ok bool, err error)

// Cache is a bounded LRU cache of projection docs keyed by projection
// key. It is safe for concurrent use.
type Cache struct {
	name   string
	limit  int
	loader LoadFunc

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

type entry struct {
	key string
	doc projex.Doc
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLimit provides an option to set the maximum number of cached
// projections. It defaults to 10000. Least recently used entries are
// evicted beyond the limit.
func WithLimit(n int) CacheOption {
	return func(c *Cache) {
		c.limit = n
	}
}

// WithLoader provides an option to set the read-through loader used by
// Lookup on cache misses.
func WithLoader(fn LoadFunc) CacheOption {
	return func(c *Cache) {
		c.loader = fn
	}
}

// New returns a new cache. The name labels the cache's metrics.
func New(name string, opts ...CacheOption) *Cache {
	c := &Cache{
		name:  name,
		limit: defaultLimit,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached doc for the key and ticks it as recently used.
func (c *Cache) Get(key string) (projex.Doc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		missCounter.WithLabelValues(c.name).Inc()
		return nil, false
	}

	hitCounter.WithLabelValues(c.name).Inc()
	c.ll.MoveToFront(el)
	return el.Value.(*entry).doc, true
}

// Lookup returns the doc for the key, loading it through the configured
// loader on a miss. Concurrent misses for the same key may each load.
func (c *Cache) Lookup(ctx context.Context, key string) (projex.Doc, bool, error) {
	if doc, ok := c.Get(key); ok {
		return doc, true, nil
	}
	if c.loader == nil {
		return nil, false, nil
	}

	doc, ok, err := c.loader(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	c.Set(key, doc)
	return doc, true, nil
}

// Set stores the doc for the key, evicting the least recently used entry
// if the cache is over its limit.
func (c *Cache) Set(key string, doc projex.Doc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).doc = doc
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&entry{key: key, doc: doc})

	for c.ll.Len() > c.limit {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
		evictCounter.WithLabelValues(c.name).Inc()
	}
}

// Invalidate removes the key from the cache. It implements the projex
// Invalidator interface.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.items, key)
}

// Purge removes all entries; ex. before a subscription restarts from the
// beginning after upstream history loss.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of cached projections.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ll.Len()
}
