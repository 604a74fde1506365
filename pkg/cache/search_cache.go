// Package cache provides a bounded, TTL-expiring cache of similarity
// search results, sitting in front of pkg/search's exact/approximate
// indexes.
//
// Results are computed from a similarity index built from the Store's
// valid records on a cache miss, so a cached result can go stale as new
// embeddings arrive; the TTL bounds how stale a served result can be.
// The control API handlers that change the valid record set or the
// frozen state also clear the cache explicitly via Invalidate.
package cache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clustervision/imgcluster/pkg/search"
)

// ResultCache is a thread-safe LRU cache of similarity search results.
type ResultCache struct {
	mu sync.RWMutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[uint64]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       uint64
	value     []search.SearchResult
	expiresAt time.Time
}

// NewResultCache creates a new result cache. maxSize of 0 or less
// selects a default of 1000; ttl of 0 disables expiration.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ResultCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key derives a cache key from a query vector's content plus the search
// parameters — the same query vector against a different limit or
// threshold is a different cache entry.
func (c *ResultCache) Key(query []float32, limit int, minSimilarity float64) uint64 {
	h := fnv.New64a()
	for _, v := range query {
		fmt.Fprintf(h, "%x", v)
	}
	fmt.Fprintf(h, ":%d:%x", limit, minSimilarity)
	return h.Sum64()
}

// Get retrieves cached results if present and not expired.
func (c *ResultCache) Get(key uint64) ([]search.SearchResult, bool) {
	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)

	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.removeElement(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.Lock()
	c.list.MoveToFront(elem)
	c.mu.Unlock()

	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Put stores results under key, evicting the least recently used entry
// if the cache is at capacity.
func (c *ResultCache) Put(key uint64, value []search.SearchResult) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	elem := c.list.PushFront(entry)
	c.items[key] = elem
}

// Invalidate clears all cached results. Called by the control API's
// freeze, unfreeze, exclude and restore handlers; a published cluster
// pass does not call it.
func (c *ResultCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Stats returns cache performance statistics.
func (c *ResultCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.list.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{Size: size, MaxSize: c.maxSize, Hits: hits, Misses: misses, HitRate: hitRate}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// SetEnabled enables or disables the cache, clearing it when disabled.
func (c *ResultCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.list.Init()
		c.items = make(map[uint64]*list.Element, c.maxSize)
	}
}

func (c *ResultCache) evictOldest() {
	elem := c.list.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

func (c *ResultCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}
