package search

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/vector"
)

// HNSWConfig holds the tunables for an ApproximateIndex's graph.
type HNSWConfig struct {
	M               int     // max connections per node per layer
	EfConstruction  int     // candidate list size while building
	EfSearch        int     // candidate list size while searching
	LevelMultiplier float64 // 1/ln(M), controls how many nodes get upper levels
}

// DefaultHNSWConfig returns the graph parameters used when a caller doesn't
// supply its own.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

type hnswNode struct {
	path      string
	vector    []float32
	level     int
	neighbors [][]string
	mu        sync.RWMutex
}

// ApproximateIndex is an HNSW graph index over a project's embedding
// records: sub-linear search at the cost of exactness, selected by
// NewSimilarityIndex once the valid-record count passes
// DefaultApproximateThreshold.
type ApproximateIndex struct {
	config     HNSWConfig
	dimensions int
	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
}

// NewApproximateIndex creates an empty HNSW index for vectors of the given
// dimensionality. A zero-value config falls back to DefaultHNSWConfig.
func NewApproximateIndex(dimensions int, config HNSWConfig) *ApproximateIndex {
	if config.M == 0 {
		config = DefaultHNSWConfig()
	}
	return &ApproximateIndex{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[string]*hnswNode),
	}
}

// Add normalizes rec.Vector and inserts it into the graph under rec.Path.
func (h *ApproximateIndex) Add(rec model.EmbeddingRecord) error {
	if len(rec.Vector) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	normalized := vector.Normalize(rec.Vector)
	level := h.randomLevel()

	node := &hnswNode{
		path:      rec.Path,
		vector:    normalized,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.config.M)
	}

	h.nodes[rec.Path] = node

	if h.entryPoint == "" {
		h.entryPoint = rec.Path
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborPath := range neighbors {
			neighbor := h.nodes[neighborPath]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < h.config.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], rec.Path)
				} else {
					allNeighbors := append(neighbor.neighbors[l], rec.Path)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, allNeighbors, h.config.M)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = rec.Path
		h.maxLevel = level
	}

	return nil
}

// Remove deletes path from the graph and unlinks it from any neighbor's
// adjacency lists. A no-op if the path isn't indexed.
func (h *ApproximateIndex) Remove(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, exists := h.nodes[path]
	if !exists {
		return
	}

	for l := 0; l <= node.level; l++ {
		for _, neighborPath := range node.neighbors[l] {
			if neighbor, ok := h.nodes[neighborPath]; ok {
				neighbor.mu.Lock()
				if len(neighbor.neighbors) > l {
					newNeighbors := make([]string, 0, len(neighbor.neighbors[l]))
					for _, np := range neighbor.neighbors[l] {
						if np != path {
							newNeighbors = append(newNeighbors, np)
						}
					}
					neighbor.neighbors[l] = newNeighbors
				}
				neighbor.mu.Unlock()
			}
		}
	}

	delete(h.nodes, path)

	if h.entryPoint == path {
		h.entryPoint = ""
		h.maxLevel = -1
		for p, n := range h.nodes {
			if n.level > h.maxLevel {
				h.maxLevel = n.level
				h.entryPoint = p
			}
		}
		if h.maxLevel == -1 {
			h.maxLevel = 0
		}
	}
}

// Search finds up to k approximate nearest neighbors of query, folds
// near-duplicate hits together (DefaultDedupThreshold), and returns them
// sorted by score descending.
func (h *ApproximateIndex) Search(ctx context.Context, query []float32, k int, minSimilarity float64) ([]SearchResult, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return []SearchResult{}, nil
	}

	normalized := vector.Normalize(query)
	ep := h.entryPoint

	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	candidates := h.searchLayer(normalized, ep, h.config.EfSearch, 0)

	results := make([]SearchResult, 0, len(candidates))
	for _, candidatePath := range candidates {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		node := h.nodes[candidatePath]
		similarity := vector.DotProduct(normalized, node.vector)
		if similarity >= minSimilarity {
			results = append(results, SearchResult{ID: candidatePath, Score: similarity})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	results = dedupFold(results, h.vectorOf, DefaultDedupThreshold)

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (h *ApproximateIndex) vectorOf(path string) ([]float32, bool) {
	n, ok := h.nodes[path]
	if !ok {
		return nil, false
	}
	return n.vector, true
}

// Count returns the number of indexed paths.
func (h *ApproximateIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *ApproximateIndex) searchLayerSingle(query []float32, entryPath string, level int) string {
	current := entryPath
	currentDist := 1.0 - vector.DotProduct(query, h.nodes[current].vector)

	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborPath := range neighbors {
			neighbor := h.nodes[neighborPath]
			dist := 1.0 - vector.DotProduct(query, neighbor.vector)
			if dist < currentDist {
				current = neighborPath
				currentDist = dist
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	return current
}

func (h *ApproximateIndex) searchLayer(query []float32, entryPath string, ef int, level int) []string {
	visited := make(map[string]bool)
	visited[entryPath] = true

	candidates := &hnswDistHeap{}
	heap.Init(candidates)

	results := &hnswDistHeap{}
	heap.Init(results)

	entryDist := 1.0 - vector.DotProduct(query, h.nodes[entryPath].vector)
	heap.Push(candidates, hnswDistItem{path: entryPath, dist: entryDist, isMax: false})
	heap.Push(results, hnswDistItem{path: entryPath, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.path]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborPath := range neighbors {
			if visited[neighborPath] {
				continue
			}
			visited[neighborPath] = true

			neighbor := h.nodes[neighborPath]
			dist := 1.0 - vector.DotProduct(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{path: neighborPath, dist: dist, isMax: false})
				heap.Push(results, hnswDistItem{path: neighborPath, dist: dist, isMax: true})

				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item := heap.Pop(results).(hnswDistItem)
		resultList[i] = item.path
	}

	return resultList
}

func (h *ApproximateIndex) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		path string
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cp := range candidates {
		dists[i] = distNode{
			path: cp,
			dist: 1.0 - vector.DotProduct(query, h.nodes[cp].vector),
		}
	}

	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	result := make([]string, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].path
	}
	return result
}

func (h *ApproximateIndex) randomLevel() int {
	r := rand.Float64()
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

type hnswDistItem struct {
	path  string
	dist  float64
	isMax bool
}

type hnswDistHeap []hnswDistItem

func (dh hnswDistHeap) Len() int { return len(dh) }
func (dh hnswDistHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh hnswDistHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *hnswDistHeap) Push(x interface{}) {
	*dh = append(*dh, x.(hnswDistItem))
}

func (dh *hnswDistHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
