// Package embed provides embedding generation with caching support.
//
// CachedEmbedder wraps any Embedder with an LRU cache to avoid redundant
// embedding computations for images that have already been embedded —
// useful when a project is rescanned after only a handful of files
// changed, or when the same image is reachable from more than one path.
package embed

import (
	"container/list"
	"context"
	"hash/fnv"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
)

// CachedEmbedder wraps an Embedder with LRU caching.
//
// The cache is keyed by an FNV-1a hash of the decoded pixel data, so two
// images with identical content hash identically regardless of file path
// or source encoding.
//
// Thread-safe: All methods can be called from multiple goroutines.
type CachedEmbedder struct {
	base Embedder

	mu      sync.RWMutex
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       string
	embedding []float32
}

// NewCachedEmbedder wraps an existing embedder with LRU caching. maxSize
// of 0 or less selects a default of 10000 entries.
func NewCachedEmbedder(base Embedder, maxSize int) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = 10000
	}

	return &CachedEmbedder{
		base:    base,
		cache:   make(map[string]*list.Element, maxSize),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// hashImage derives a cache key from an image's decoded pixel content
// using FNV-1a.
func hashImage(img image.Image) string {
	h := fnv.New64a()
	bounds := img.Bounds()
	var buf [8]byte
	putColor := func(v uint32) {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		h.Write(buf[:2])
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			putColor(r)
			putColor(g)
			putColor(b)
			putColor(a)
		}
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

// Embed generates or retrieves a cached embedding for the image.
func (c *CachedEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	key := hashImage(img)

	c.mu.RLock()
	if elem, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		atomic.AddUint64(&c.hits, 1)

		c.mu.Lock()
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		c.mu.Unlock()

		return entry.embedding, nil
	}
	c.mu.RUnlock()

	atomic.AddUint64(&c.misses, 1)

	embedding, err := c.base.Embed(ctx, img)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).embedding, nil
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, embedding: embedding}
	elem := c.lru.PushFront(entry)
	c.cache[key] = elem

	return embedding, nil
}

// EmbedBatch generates embeddings for multiple images with caching. Each
// image is checked against the cache individually; only cache misses are
// sent to the underlying embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	results := make([][]float32, len(imgs))
	var misses []int
	var missImgs []image.Image

	for i, img := range imgs {
		key := hashImage(img)

		c.mu.RLock()
		if elem, ok := c.cache[key]; ok {
			entry := elem.Value.(*cacheEntry)
			results[i] = entry.embedding
			atomic.AddUint64(&c.hits, 1)
			c.mu.RUnlock()

			c.mu.Lock()
			c.lru.MoveToFront(elem)
			c.mu.Unlock()
		} else {
			c.mu.RUnlock()
			atomic.AddUint64(&c.misses, 1)
			misses = append(misses, i)
			missImgs = append(missImgs, img)
		}
	}

	if len(missImgs) > 0 {
		embeddings, err := c.base.EmbedBatch(ctx, missImgs)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		for j, embedding := range embeddings {
			i := misses[j]
			results[i] = embedding

			key := hashImage(missImgs[j])
			if _, ok := c.cache[key]; !ok {
				for c.lru.Len() >= c.maxSize {
					c.evictOldest()
				}
				entry := &cacheEntry{key: key, embedding: embedding}
				elem := c.lru.PushFront(entry)
				c.cache[key] = elem
			}
		}
		c.mu.Unlock()
	}

	return results, nil
}

// Dimensions returns the embedding vector dimension.
func (c *CachedEmbedder) Dimensions() int {
	return c.base.Dimensions()
}

// Model returns the model name.
func (c *CachedEmbedder) Model() string {
	return c.base.Model()
}

// Stats returns cache performance statistics.
func (c *CachedEmbedder) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.lru.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheHitRate returns the current hit rate as a percentage (0-100),
// satisfying presentation.CacheStatsSource.
func (c *CachedEmbedder) CacheHitRate() float64 {
	return c.Stats().HitRate
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Clear removes all cached embeddings.
func (c *CachedEmbedder) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element, c.maxSize)
	c.lru.Init()
}

// evictOldest removes the least recently used entry. Caller must hold
// the write lock.
func (c *CachedEmbedder) evictOldest() {
	elem := c.lru.Back()
	if elem != nil {
		entry := elem.Value.(*cacheEntry)
		delete(c.cache, entry.key)
		c.lru.Remove(elem)
	}
}
