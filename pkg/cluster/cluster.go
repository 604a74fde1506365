// Package cluster implements the incremental K-Means clustering engine:
// warm-start and K-Means++ cold-start initialization, Lloyd's iteration,
// and threshold-deduplicated representative selection.
//
// The assignment step is grounded on the donor deduplication engine's
// concurrent nearest-centroid scan (worker goroutines splitting the record
// range, a shared changed-flag reduced after Wait), generalized from a
// single dedup-by-medoid operation into the two-stage cluster-then-select-
// representatives operation this package exposes.
package cluster

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/pool"
	"github.com/clustervision/imgcluster/pkg/vector"
)

// MaxRepresentatives is the hard cap on representatives per cluster
// (spec.md's "representativesPerCluster" default, and the freeze
// contract's required exact count).
const MaxRepresentatives = 16

// Config parameterizes one clustering pass.
type Config struct {
	// K is the number of clusters. Clamped to len(records) if larger.
	K int

	// Threshold is the cosine-distance dedup threshold used by
	// representative selection, in [0, 1].
	Threshold float64

	// MaxIterations caps Lloyd's iteration (spec.md default 20).
	MaxIterations int

	// Workers bounds the assignment step's goroutine fan-out. Defaults to
	// runtime.NumCPU() when <= 0.
	Workers int

	// Seed seeds the K-Means++ and orphan-reseed RNG. Zero means "derive
	// from an engine-owned source", not "use the zero seed" — callers
	// wanting reproducibility must pass a nonzero seed explicitly.
	Seed int64
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		K:             6,
		Threshold:     0.15,
		MaxIterations: 20,
		Workers:       runtime.NumCPU(),
	}
}

// Engine runs clustering passes. An Engine is not safe for concurrent use
// by multiple goroutines calling UpdateClusters simultaneously — the
// Coordinator guarantees at most one in-flight pass (spec.md §4.5).
type Engine struct {
	cfg Config
	rng *rand.Rand
}

// NewEngine constructs an Engine with the given config, filling in
// zero-valued Workers/MaxIterations with DefaultConfig's values.
func NewEngine(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Engine{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// UpdateClusters runs one clustering pass over records: warm-start or
// K-Means++ initialization, Lloyd's iteration to convergence or the
// iteration cap, representative selection, and descending-size relabeling.
//
// previousCentroids may be nil; it is used as the warm start only when its
// length equals k after clamping. An empty records slice returns an empty
// ClusterSet with no error (spec.md §4.3.5).
func (e *Engine) UpdateClusters(ctx context.Context, records []model.EmbeddingRecord, k int, threshold float64, previousCentroids [][]float32) (model.ClusterSet, error) {
	if len(records) == 0 {
		return model.ClusterSet{}, nil
	}
	if k < 1 {
		k = 1
	}
	if k > len(records) {
		k = len(records)
	}
	dim := len(records[0].Vector)

	centroids := e.initCentroids(records, k, dim, previousCentroids)
	assignments := make([]int, len(records))
	for i := range assignments {
		assignments[i] = -1
	}

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return model.ClusterSet{}, ctx.Err()
		default:
		}

		changed := e.assignConcurrent(records, centroids, assignments)
		e.updateCentroids(records, assignments, centroids, dim)
		e.reseedOrphans(records, assignments, centroids, dim)
		if !changed && iter > 0 {
			break
		}
	}

	// Preserve the raw, pre-sort centroid order for the next warm start.
	rawCentroids := make([][]float32, len(centroids))
	for i, c := range centroids {
		cp := make([]float32, len(c))
		copy(cp, c)
		rawCentroids[i] = cp
	}

	clusters := make([]model.Cluster, k)
	for i := range clusters {
		clusters[i] = model.Cluster{Centroid: centroids[i]}
	}
	for recIdx, clusterIdx := range assignments {
		clusters[clusterIdx].Members = append(clusters[clusterIdx].Members, records[recIdx])
	}

	for i := range clusters {
		clusters[i].Representatives = SelectRepresentatives(clusters[i].Members, clusters[i].Centroid, threshold)
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return len(clusters[i].Members) > len(clusters[j].Members)
	})
	for i := range clusters {
		clusters[i].ID = i + 1
	}

	return model.ClusterSet{Clusters: clusters, Centroids: rawCentroids}, nil
}

// initCentroids chooses starting centroids: warm-start from
// previousCentroids when its length matches k, otherwise K-Means++.
func (e *Engine) initCentroids(records []model.EmbeddingRecord, k, dim int, previousCentroids [][]float32) [][]float32 {
	if len(previousCentroids) == k {
		out := make([][]float32, k)
		for i, c := range previousCentroids {
			cp := make([]float32, dim)
			copy(cp, c)
			out[i] = cp
		}
		return out
	}
	return e.kMeansPlusPlus(records, k, dim)
}

// kMeansPlusPlus seeds k centroids: the first uniformly at random, each
// subsequent one drawn proportionally to the squared minimum cosine
// distance from the already-chosen centroids (spec.md §4.3.1).
func (e *Engine) kMeansPlusPlus(records []model.EmbeddingRecord, k, dim int) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := e.rng.Intn(len(records))
	centroids = append(centroids, cloneVec(records[first].Vector))

	minDistSq := make([]float64, len(records))
	for len(centroids) < k {
		var total float64
		for i, r := range records {
			d := minDistToCentroids(r.Vector, centroids)
			d2 := d * d
			minDistSq[i] = d2
			total += d2
		}

		if total <= 0 {
			// All remaining records coincide with chosen centroids; fall
			// back to the last index per spec.md's documented fallback.
			centroids = append(centroids, cloneVec(records[len(records)-1].Vector))
			continue
		}

		target := e.rng.Float64() * total
		var cum float64
		chosen := len(records) - 1
		for i, d2 := range minDistSq {
			cum += d2
			if cum >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, cloneVec(records[chosen].Vector))
	}
	return centroids
}

func minDistToCentroids(v []float32, centroids [][]float32) float64 {
	min := math.MaxFloat64
	for _, c := range centroids {
		d := vector.CosineDistance(v, c)
		if d < min {
			min = d
		}
	}
	return min
}

func cloneVec(v []float32) []float32 {
	cp := make([]float32, len(v))
	copy(cp, v)
	return cp
}

// assignConcurrent assigns each record to its nearest centroid, splitting
// the record range across e.cfg.Workers goroutines. Returns true if any
// assignment differs from the previous iteration's.
func (e *Engine) assignConcurrent(records []model.EmbeddingRecord, centroids [][]float32, assignments []int) bool {
	n := len(records)
	workers := e.cfg.Workers
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	changedFlags := make([]bool, workers)

	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(id, start, end int) {
			defer wg.Done()
			changed := false
			for i := start; i < end; i++ {
				nearest := nearestCentroid(records[i].Vector, centroids)
				if assignments[i] != nearest {
					assignments[i] = nearest
					changed = true
				}
			}
			changedFlags[id] = changed
		}(w, start, end)
	}
	wg.Wait()

	for _, c := range changedFlags {
		if c {
			return true
		}
	}
	return false
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	minDist := math.MaxFloat64
	minIdx := 0
	for i, c := range centroids {
		d := vector.CosineDistance(v, c)
		if d < minDist {
			minDist = d
			minIdx = i
		}
	}
	return minIdx
}

// updateCentroids replaces each centroid with the mean of its assigned
// records (sum-then-divide, no re-normalization — spec.md §4.3.2).
// Accumulation buffers come from pkg/pool to avoid a per-iteration
// allocation of O(k*D) floats (Design Note compliance).
func (e *Engine) updateCentroids(records []model.EmbeddingRecord, assignments []int, centroids [][]float32, dim int) {
	k := len(centroids)
	sums := make([][]float64, k)
	counts := pool.GetIntSlice(k)
	counts = counts[:k]
	for i := range counts {
		counts[i] = 0
	}
	for i := range sums {
		sums[i] = pool.GetFloat64Slice(dim)
		sums[i] = sums[i][:dim]
		for d := range sums[i] {
			sums[i][d] = 0
		}
	}

	for recIdx, clusterIdx := range assignments {
		if clusterIdx < 0 {
			continue
		}
		counts[clusterIdx]++
		v := records[recIdx].Vector
		for d := 0; d < dim && d < len(v); d++ {
			sums[clusterIdx][d] += float64(v[d])
		}
	}

	for i := 0; i < k; i++ {
		if counts[i] == 0 {
			continue
		}
		inv := 1.0 / float64(counts[i])
		for d := 0; d < dim; d++ {
			centroids[i][d] = float32(sums[i][d] * inv)
		}
	}

	for _, s := range sums {
		pool.PutFloat64Slice(s)
	}
	pool.PutIntSlice(counts)
}

// reseedOrphans re-seeds any centroid with zero assigned members from a
// uniformly random record, preventing warm start from collapsing K
// (spec.md §4.3.2 orphan policy).
func (e *Engine) reseedOrphans(records []model.EmbeddingRecord, assignments []int, centroids [][]float32, dim int) {
	counts := make([]int, len(centroids))
	for _, c := range assignments {
		if c >= 0 {
			counts[c]++
		}
	}
	for i, n := range counts {
		if n == 0 {
			idx := e.rng.Intn(len(records))
			copy(centroids[i], records[idx].Vector)
		}
	}
}

// SelectRepresentatives ranks members by ascending cosine distance to
// centroid, then greedily accepts candidates whose cosine distance to
// every already-accepted representative is at least threshold, stopping
// at MaxRepresentatives or end of list (spec.md §4.3.3).
func SelectRepresentatives(members []model.EmbeddingRecord, centroid []float32, threshold float64) []model.EmbeddingRecord {
	if len(members) == 0 {
		return nil
	}

	ranked := make([]model.EmbeddingRecord, len(members))
	copy(ranked, members)
	sort.SliceStable(ranked, func(i, j int) bool {
		return vector.CosineDistance(ranked[i].Vector, centroid) < vector.CosineDistance(ranked[j].Vector, centroid)
	})

	reps := make([]model.EmbeddingRecord, 0, MaxRepresentatives)
	for _, candidate := range ranked {
		if len(reps) >= MaxRepresentatives {
			break
		}
		farEnough := true
		for _, accepted := range reps {
			if vector.CosineDistance(candidate.Vector, accepted.Vector) < threshold {
				farEnough = false
				break
			}
		}
		if farEnough {
			reps = append(reps, candidate)
		}
	}
	return reps
}
