// Package freeze implements the Freeze Manager: pinning a cluster's
// representative identity across re-cluster passes, subject to membership
// drift (spec.md §4.4).
//
// Each FrozenEntry carries a stable opaque identity (a uuid.UUID) that
// travels with the entry across re-keying passes. The manager itself keys
// entries only by current cluster index; it keeps no identity -> index
// lookup.
package freeze

import (
	"errors"
	"sort"

	"github.com/clustervision/imgcluster/pkg/cluster"
	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/vector"
	"github.com/google/uuid"
)

// ErrInsufficientMembers is returned by Freeze when the target cluster
// does not have exactly MaxRepresentatives representatives.
var ErrInsufficientMembers = errors.New("insufficient members to freeze cluster")

// minMatchForCandidate is the minimum path-overlap count (spec.md §4.4.1)
// for a (oldIndex, newIndex) pair to be considered during apply.
const minMatchForCandidate = 8

// minMembersToKeepFrozen is the minimum member count a new cluster must
// have to keep an assigned frozen identity (spec.md §4.4.3 step 1).
const minMembersToKeepFrozen = 16

// FrozenEntry is a pinned cluster's state, keyed by current cluster index
// in the Manager's frozenClusters map.
type FrozenEntry struct {
	ID uuid.UUID

	// InitialIndex is kept only for logging (Design Note).
	InitialIndex int

	PreferredPaths map[string]bool
	OriginalPaths  map[string]bool
}

// Manager tracks frozen clusters across re-cluster passes. It is owned
// exclusively by the orchestrator (spec.md §5) and is not safe for
// concurrent use.
type Manager struct {
	frozenClusters map[int]*FrozenEntry
}

// NewManager returns an empty Freeze Manager.
func NewManager() *Manager {
	return &Manager{frozenClusters: make(map[int]*FrozenEntry)}
}

// Freeze pins the cluster at clusterIndex (1-based ID matching
// model.Cluster.ID) by its current 16 representatives. Fails with
// ErrInsufficientMembers if the cluster does not have exactly 16
// representatives.
func (m *Manager) Freeze(clusterIndex int, c model.Cluster) error {
	if len(c.Representatives) != cluster.MaxRepresentatives {
		return ErrInsufficientMembers
	}
	paths := make(map[string]bool, len(c.Representatives))
	for _, r := range c.Representatives {
		paths[r.Path] = true
	}
	m.frozenClusters[clusterIndex] = &FrozenEntry{
		ID:             uuid.New(),
		InitialIndex:   clusterIndex,
		PreferredPaths: paths,
		OriginalPaths:  cloneSet(paths),
	}
	return nil
}

// Unfreeze drops the FrozenEntry at clusterIndex, if any. It does not
// recompute representatives, and neither the Coordinator nor the control
// API's unfreeze handler does: the cluster keeps the representatives the
// last Apply gave it until the next re-cluster pass selects them afresh
// with cluster.SelectRepresentatives.
func (m *Manager) Unfreeze(clusterIndex int) {
	delete(m.frozenClusters, clusterIndex)
}

// IsFrozen reports whether clusterIndex currently holds a FrozenEntry.
func (m *Manager) IsFrozen(clusterIndex int) bool {
	_, ok := m.frozenClusters[clusterIndex]
	return ok
}

// Entry returns the FrozenEntry at clusterIndex, if any.
func (m *Manager) Entry(clusterIndex int) (*FrozenEntry, bool) {
	e, ok := m.frozenClusters[clusterIndex]
	return e, ok
}

// IsFrozenRepresentative reports whether path is a current representative
// of any frozen cluster, for the Store's exclusion guard (spec.md F2).
func (m *Manager) IsFrozenRepresentative(path string) bool {
	for _, e := range m.frozenClusters {
		if e.PreferredPaths[path] {
			return true
		}
	}
	return false
}

type candidate struct {
	oldIndex int
	newIndex int
	match    int
}

// Apply is the central re-cluster hook: it identifies candidate
// (oldIndex, newIndex) reassignments, greedily accepts non-conflicting
// ones in descending-match order, enforces the new representative mix for
// each accepted assignment, and auto-unfreezes entries that find no
// acceptable candidate or whose assigned cluster has too few members
// (spec.md §4.4.1-§4.4.3).
//
// Apply mutates cs.Clusters in place (setting IsFrozen, MovedFrom,
// DriftCount, Representatives, ReplacedRepresentative) and returns the
// same ClusterSet for convenience.
func (m *Manager) Apply(threshold float64, cs model.ClusterSet) model.ClusterSet {
	if len(m.frozenClusters) == 0 || len(cs.Clusters) == 0 {
		return cs
	}

	var candidates []candidate
	for oldIndex, entry := range m.frozenClusters {
		for _, c := range cs.Clusters {
			match := countOverlap(c.Members, entry.PreferredPaths)
			if match >= minMatchForCandidate {
				candidates = append(candidates, candidate{oldIndex: oldIndex, newIndex: c.ID, match: match})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].match != candidates[j].match {
			return candidates[i].match > candidates[j].match
		}
		// Deterministic tie-break: ascending newIndex (Open Question 1
		// resolution recorded in DESIGN.md).
		return candidates[i].newIndex < candidates[j].newIndex
	})

	claimedOld := make(map[int]bool)
	claimedNew := make(map[int]bool)
	assigned := make(map[int]int) // oldIndex -> newIndex

	for _, cand := range candidates {
		if claimedOld[cand.oldIndex] || claimedNew[cand.newIndex] {
			continue
		}
		claimedOld[cand.oldIndex] = true
		claimedNew[cand.newIndex] = true
		assigned[cand.oldIndex] = cand.newIndex
	}

	newFrozen := make(map[int]*FrozenEntry)
	for oldIndex, entry := range m.frozenClusters {
		newIndex, ok := assigned[oldIndex]
		if !ok {
			continue // auto-unfreeze: no acceptable candidate
		}
		idx := clusterIndexByID(cs.Clusters, newIndex)
		if idx < 0 {
			continue
		}
		c := &cs.Clusters[idx]
		if len(c.Members) < minMembersToKeepFrozen {
			continue // auto-unfreeze: too few members
		}

		m.enforce(threshold, entry, c)
		c.IsFrozen = true
		if newIndex != oldIndex {
			from := oldIndex
			c.MovedFrom = &from
		}
		newFrozen[newIndex] = entry
	}
	m.frozenClusters = newFrozen

	return cs
}

// enforce rebuilds c's 16 representatives from the three ranked groups
// (originals present, previous fillers present, others), updates
// entry.PreferredPaths and c.DriftCount (spec.md §4.4.3).
func (m *Manager) enforce(threshold float64, entry *FrozenEntry, c *model.Cluster) {
	var originals, fillers, others []model.EmbeddingRecord
	for _, rec := range c.Members {
		switch {
		case entry.OriginalPaths[rec.Path]:
			originals = append(originals, rec)
		case entry.PreferredPaths[rec.Path]:
			fillers = append(fillers, rec)
		default:
			others = append(others, rec)
		}
	}

	c.DriftCount = len(entry.OriginalPaths) - len(originals)

	reps := make([]model.EmbeddingRecord, 0, cluster.MaxRepresentatives)
	flags := make([]bool, 0, cluster.MaxRepresentatives)

	appendGroup := func(group []model.EmbeddingRecord, fromOthers bool) {
		for _, candidate := range group {
			if len(reps) >= cluster.MaxRepresentatives {
				return
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
				flags = append(flags, fromOthers)
			}
		}
	}

	rankByCentroidProximity(originals, c.Centroid)
	rankByCentroidProximity(fillers, c.Centroid)
	rankByCentroidProximity(others, c.Centroid)

	appendGroup(originals, false)
	appendGroup(fillers, false)
	appendGroup(others, true)

	c.Representatives = reps
	c.ReplacedRepresentative = flags

	newPreferred := make(map[string]bool, len(reps))
	for _, r := range reps {
		newPreferred[r.Path] = true
	}
	entry.PreferredPaths = newPreferred
}

func clusterIndexByID(clusters []model.Cluster, id int) int {
	for i, c := range clusters {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func countOverlap(members []model.EmbeddingRecord, paths map[string]bool) int {
	count := 0
	for _, m := range members {
		if paths[m.Path] {
			count++
		}
	}
	return count
}

func cloneSet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// rankByCentroidProximity sorts recs in place by ascending cosine distance
// to centroid, matching cluster.SelectRepresentatives' ranking step so
// enforcement applies the same centroid-proximity ordering within each
// ranked group.
func rankByCentroidProximity(recs []model.EmbeddingRecord, centroid []float32) {
	sort.SliceStable(recs, func(i, j int) bool {
		return vector.CosineDistance(recs[i].Vector, centroid) < vector.CosineDistance(recs[j].Vector, centroid)
	})
}
