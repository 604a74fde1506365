package freeze

import (
	"testing"

	"github.com/clustervision/imgcluster/pkg/cluster"
	"github.com/clustervision/imgcluster/pkg/model"
)

func makeRecords(paths []string) []model.EmbeddingRecord {
	recs := make([]model.EmbeddingRecord, len(paths))
	for i, p := range paths {
		recs[i] = model.EmbeddingRecord{Path: p, Vector: []float32{float32(i), 0, 0}}
	}
	return recs
}

func sixteenPaths(prefix string) []string {
	paths := make([]string, 16)
	for i := range paths {
		paths[i] = prefix + string(rune('a'+i))
	}
	return paths
}

func TestFreezeRequiresExactlySixteenRepresentatives(t *testing.T) {
	m := NewManager()
	c := model.Cluster{ID: 1, Representatives: makeRecords([]string{"a", "b"})}
	if err := m.Freeze(1, c); err != ErrInsufficientMembers {
		t.Fatalf("expected ErrInsufficientMembers, got %v", err)
	}
}

func TestFreezeRecordsOriginalAndPreferredPaths(t *testing.T) {
	m := NewManager()
	reps := makeRecords(sixteenPaths("p"))
	c := model.Cluster{ID: 2, Representatives: reps}
	if err := m.Freeze(2, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, ok := m.Entry(2)
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if len(entry.OriginalPaths) != cluster.MaxRepresentatives {
		t.Fatalf("expected 16 original paths, got %d", len(entry.OriginalPaths))
	}
	if len(entry.PreferredPaths) != cluster.MaxRepresentatives {
		t.Fatalf("expected 16 preferred paths, got %d", len(entry.PreferredPaths))
	}
}

// TestApplySurvivesPass is grounded on spec.md scenario S4: a frozen
// cluster moving to a new index retains its identity and drift is tracked.
func TestApplySurvivesPass(t *testing.T) {
	m := NewManager()
	originalPaths := sixteenPaths("p")
	reps := makeRecords(originalPaths)
	oldCluster := model.Cluster{ID: 2, Representatives: reps}
	if err := m.Freeze(2, oldCluster); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// New pass: the frozen group's members (14 of 16 originals present)
	// now form the largest cluster, relabeled to ID 1.
	newMembers := makeRecords(append(append([]string{}, originalPaths[:14]...), "extra1", "extra2"))
	cs := model.ClusterSet{Clusters: []model.Cluster{
		{ID: 1, Members: newMembers, Centroid: []float32{0, 0, 0}},
		{ID: 2, Members: makeRecords([]string{"q0", "q1"}), Centroid: []float32{5, 5, 5}},
	}}

	result := m.Apply(0.1, cs)
	var got *model.Cluster
	for i := range result.Clusters {
		if result.Clusters[i].ID == 1 {
			got = &result.Clusters[i]
		}
	}
	if got == nil {
		t.Fatal("expected cluster with ID 1")
	}
	if !got.IsFrozen {
		t.Fatal("expected IsFrozen true")
	}
	if got.MovedFrom == nil || *got.MovedFrom != 2 {
		t.Fatalf("expected MovedFrom=2, got %v", got.MovedFrom)
	}
	if got.DriftCount != 2 {
		t.Fatalf("expected driftCount=2, got %d", got.DriftCount)
	}
}

// TestApplyAutoUnfreezeOnDrift is grounded on spec.md scenario S5.
func TestApplyAutoUnfreezeOnDrift(t *testing.T) {
	m := NewManager()
	originalPaths := sixteenPaths("p")
	reps := makeRecords(originalPaths)
	if err := m.Freeze(1, model.Cluster{ID: 1, Representatives: reps}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only 7 of the original 16 remain in any single new cluster.
	survivors := originalPaths[:7]
	cs := model.ClusterSet{Clusters: []model.Cluster{
		{ID: 1, Members: makeRecords(append(survivors, "x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8", "x9")), Centroid: []float32{0, 0, 0}},
	}}

	result := m.Apply(0.1, cs)
	for _, c := range result.Clusters {
		if c.IsFrozen {
			t.Fatalf("expected no frozen cluster after insufficient match, got cluster %d frozen", c.ID)
		}
	}
	if m.IsFrozen(1) {
		t.Fatal("expected FrozenEntry to be dropped")
	}
}

func TestIsFrozenRepresentativeAndUnfreeze(t *testing.T) {
	m := NewManager()
	originalPaths := sixteenPaths("p")
	reps := makeRecords(originalPaths)
	if err := m.Freeze(1, model.Cluster{ID: 1, Representatives: reps}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsFrozenRepresentative(originalPaths[3]) {
		t.Fatal("expected path to be a frozen representative")
	}
	m.Unfreeze(1)
	if m.IsFrozenRepresentative(originalPaths[3]) {
		t.Fatal("expected path to no longer be a frozen representative after unfreeze")
	}
}
