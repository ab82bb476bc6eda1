// Package contextcache memoizes expensive context loads by content key.
// Concurrent requests for the same key coalesce into a single computation.
package contextcache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the cache before oldest-first eviction.
const DefaultMaxEntries = 256

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Evictions int64 `json:"evictions"`
}

// Cache is a bounded, thread-safe, single-flight memoization cache. Keys
// are digests of the input spec; values are opaque context payloads.
type Cache struct {
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key   string
	value any
}

// New creates a cache holding up to maxEntries values. maxEntries <= 0
// selects DefaultMaxEntries.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// GetOrCompute returns the cached value for key, computing it with fn on a
// miss. fn runs at most once per key across concurrent callers; peers that
// arrive during the computation share its result. hit is true when the
// value came from the cache without invoking fn for this caller.
func (c *Cache) GetOrCompute(ctx context.Context, key string, fn func(context.Context) (any, error)) (value any, hit bool, err error) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return elem.Value.(*entry).value, true, nil
	}
	c.mu.Unlock()

	executed := false
	value, err, _ = c.group.Do(key, func() (any, error) {
		executed = true
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !executed {
		c.coalesced.Add(1)
		return value, true, nil
	}
	c.misses.Add(1)
	return value, false, nil
}

// store inserts a computed value, evicting the oldest entry when full.
func (c *Cache) store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*entry).value = value
		return
	}
	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
		c.evictions.Add(1)
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, value: value})
}

// Invalidate removes one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len returns the number of cached values.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Evictions: c.evictions.Load(),
	}
}
