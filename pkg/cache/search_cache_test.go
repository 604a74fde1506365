package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/clustervision/imgcluster/pkg/search"
)

func sampleResults() []search.SearchResult {
	return []search.SearchResult{{ID: "a.png", Score: 0.9}, {ID: "b.png", Score: 0.7}}
}

func TestNewResultCache(t *testing.T) {
	t.Run("zero maxSize uses default", func(t *testing.T) {
		c := NewResultCache(0, time.Minute)
		if c.maxSize != 1000 {
			t.Errorf("maxSize = %d, want 1000", c.maxSize)
		}
	})

	t.Run("negative maxSize uses default", func(t *testing.T) {
		c := NewResultCache(-5, time.Minute)
		if c.maxSize != 1000 {
			t.Errorf("maxSize = %d, want 1000", c.maxSize)
		}
	})
}

func TestResultCache_Key(t *testing.T) {
	c := NewResultCache(100, time.Minute)

	q1 := []float32{0.1, 0.2, 0.3}
	q2 := []float32{0.1, 0.2, 0.4}

	if c.Key(q1, 5, 0.5) != c.Key(q1, 5, 0.5) {
		t.Error("same query produced different keys")
	}
	if c.Key(q1, 5, 0.5) == c.Key(q2, 5, 0.5) {
		t.Error("different queries produced same key")
	}
	if c.Key(q1, 5, 0.5) == c.Key(q1, 10, 0.5) {
		t.Error("different limit produced same key")
	}
}

func TestResultCache_GetPut(t *testing.T) {
	c := NewResultCache(100, time.Minute)
	key := c.Key([]float32{1, 2, 3}, 5, 0.5)

	c.Put(key, sampleResults())

	val, ok := c.Get(key)
	if !ok {
		t.Fatal("Get returned false for existing key")
	}
	if len(val) != 2 || val[0].ID != "a.png" {
		t.Errorf("unexpected results: %+v", val)
	}
}

func TestResultCache_TTLExpires(t *testing.T) {
	c := NewResultCache(100, 50*time.Millisecond)
	key := c.Key([]float32{1}, 1, 0.1)

	c.Put(key, sampleResults())
	if _, ok := c.Get(key); !ok {
		t.Error("entry should exist before TTL")
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Error("entry should be expired after TTL")
	}
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := NewResultCache(2, time.Hour)

	c.Put(1, sampleResults())
	c.Put(2, sampleResults())
	c.Put(3, sampleResults())

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Error("key 1 should have been evicted")
	}
}

func TestResultCache_Invalidate(t *testing.T) {
	c := NewResultCache(100, time.Hour)
	c.Put(1, sampleResults())
	c.Put(2, sampleResults())

	c.Invalidate()

	if c.Len() != 0 {
		t.Errorf("Len = %d after invalidate, want 0", c.Len())
	}
}

func TestResultCache_SetEnabled(t *testing.T) {
	c := NewResultCache(100, time.Hour)
	c.SetEnabled(false)

	c.Put(1, sampleResults())
	if _, ok := c.Get(1); ok {
		t.Error("disabled cache should return miss")
	}

	c.SetEnabled(true)
	c.Put(1, sampleResults())
	if _, ok := c.Get(1); !ok {
		t.Error("re-enabled cache should work")
	}
}

func TestResultCache_Stats(t *testing.T) {
	c := NewResultCache(100, time.Hour)
	c.Put(1, sampleResults())
	c.Get(1)
	c.Get(999)

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
	if stats.HitRate != 50.0 {
		t.Errorf("HitRate = %.2f, want 50.00", stats.HitRate)
	}
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c := NewResultCache(1000, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			c.Put(uint64(id), sampleResults())
		}(i)
		go func(id int) {
			defer wg.Done()
			c.Get(uint64(id))
		}(i)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Len = %d, should not exceed 50", c.Len())
	}
}
