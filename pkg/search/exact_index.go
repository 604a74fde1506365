package search

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/vector"
)

// ErrDimensionMismatch is returned when a vector's length doesn't match the
// index's configured dimensions.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ExactIndex is a brute-force cosine similarity index over a project's
// embedding records, keyed by path. It stores normalized vectors and scores
// every entry on each query, which is exact but O(n*d) per search — fine
// for the moderate record counts NewSimilarityIndex routes here.
type ExactIndex struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32 // path -> normalized vector
}

// NewExactIndex creates an empty exact index for vectors of the given
// dimensionality.
func NewExactIndex(dimensions int) *ExactIndex {
	return &ExactIndex{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add normalizes and indexes rec.Vector under rec.Path, replacing any prior
// vector for that path.
func (e *ExactIndex) Add(rec model.EmbeddingRecord) error {
	if len(rec.Vector) != e.dimensions {
		return ErrDimensionMismatch
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[rec.Path] = vector.Normalize(rec.Vector)
	return nil
}

// Remove removes a path from the index. A no-op if the path isn't indexed.
func (e *ExactIndex) Remove(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vectors, path)
}

// Search scores query against every indexed vector, keeps hits at or above
// minSimilarity, folds near-duplicate hits together (DefaultDedupThreshold),
// and returns up to limit results sorted by score descending.
func (e *ExactIndex) Search(ctx context.Context, query []float32, limit int, minSimilarity float64) ([]SearchResult, error) {
	if len(query) != e.dimensions {
		return nil, ErrDimensionMismatch
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	normalizedQuery := vector.Normalize(query)

	type scored struct {
		path  string
		score float64
	}
	var raw []scored
	for path, vec := range e.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		sim := vector.DotProduct(normalizedQuery, vec)
		if sim >= minSimilarity {
			raw = append(raw, scored{path: path, score: sim})
		}
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].score > raw[j].score })

	results := make([]SearchResult, len(raw))
	for i, r := range raw {
		results[i] = SearchResult{ID: r.path, Score: r.score}
	}
	results = dedupFold(results, e.vectorOf, DefaultDedupThreshold)

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *ExactIndex) vectorOf(path string) ([]float32, bool) {
	v, ok := e.vectors[path]
	return v, ok
}

// Count returns the number of indexed paths.
func (e *ExactIndex) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vectors)
}

// HasVector reports whether path is currently indexed.
func (e *ExactIndex) HasVector(path string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.vectors[path]
	return ok
}

// GetDimensions returns the vector dimensionality this index was built for.
func (e *ExactIndex) GetDimensions() int {
	return e.dimensions
}
