// Package search provides nearest-neighbor lookup over a project's embedding
// set. This is not part of the clustering engine's contract — it is an
// operational add-on for a presentation surface to answer "show me images
// similar to this representative" — built on the same exact and approximate
// index implementations the embedding store itself could use for a
// text-search surface.
package search

import (
	"context"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/vector"
)

// SearchResult is a single nearest-neighbor hit: the indexed path and its
// similarity score to the query. DuplicateCount is the number of additional
// indexed paths that were folded into this hit because they were within the
// dedup threshold of it (see dedupFold) — a burst of near-identical frames
// or re-encodes of the same image collapses to one slot instead of crowding
// out distinct matches.
type SearchResult struct {
	ID             string
	Score          float64
	DuplicateCount int
}

// SimilarityIndex is satisfied by both ExactIndex and ApproximateIndex so
// callers can build whichever fits the current valid-record count without
// caring which one they got.
type SimilarityIndex interface {
	Add(rec model.EmbeddingRecord) error
	Remove(path string)
	Search(ctx context.Context, query []float32, limit int, minSimilarity float64) ([]SearchResult, error)
	Count() int
}

// DefaultApproximateThreshold is the valid-record count above which
// NewSimilarityIndex selects ApproximateIndex over ExactIndex.
const DefaultApproximateThreshold = 10000

// DefaultDedupThreshold is the cosine similarity at or above which two
// distinct paths are folded into a single search hit by dedupFold.
const DefaultDedupThreshold = 0.995

// NewSimilarityIndex builds the brute-force exact index for moderate record
// counts and the HNSW approximate index once recordCount exceeds threshold
// (pass DefaultApproximateThreshold for the documented default).
func NewSimilarityIndex(dimensions int, recordCount int, threshold int) SimilarityIndex {
	if recordCount > threshold {
		return NewApproximateIndex(dimensions, DefaultHNSWConfig())
	}
	return NewExactIndex(dimensions)
}

// dedupFold collapses near-duplicate hits in a score-descending result list.
// A result is dropped (and folds into the preceding kept result's
// DuplicateCount) when vectorOf resolves a vector for it and that vector is
// a NearDuplicate of an already-kept result's vector. Results for which
// vectorOf returns false (the index doesn't expose vectors, e.g. during a
// unit test stub) pass through unchanged.
func dedupFold(results []SearchResult, vectorOf func(id string) ([]float32, bool), dedupThreshold float64) []SearchResult {
	if len(results) == 0 {
		return results
	}
	kept := make([]SearchResult, 0, len(results))
	keptVecs := make([][]float32, 0, len(results))

	for _, r := range results {
		v, ok := vectorOf(r.ID)
		if !ok {
			kept = append(kept, r)
			keptVecs = append(keptVecs, nil)
			continue
		}
		folded := false
		for i, kv := range keptVecs {
			if kv == nil {
				continue
			}
			if vector.NearDuplicate(v, kv, dedupThreshold) {
				kept[i].DuplicateCount++
				folded = true
				break
			}
		}
		if !folded {
			kept = append(kept, r)
			keptVecs = append(keptVecs, v)
		}
	}
	return kept
}
