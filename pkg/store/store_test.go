package store

import (
	"errors"
	"testing"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/dgraph-io/badger/v4"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("failed to open in-memory badger db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutManyAndValid(t *testing.T) {
	s := New(openTestDB(t), "proj")
	err := s.PutMany([]model.EmbeddingRecord{
		{Path: "a.jpg", Vector: []float32{1, 0, 0}},
		{Path: "b.jpg", Vector: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Valid()) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(s.Valid()))
	}
}

func TestPutManyRejectsDimensionMismatch(t *testing.T) {
	s := New(openTestDB(t), "proj")
	if err := s.PutMany([]model.EmbeddingRecord{{Path: "a", Vector: []float32{1, 0, 0}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.PutMany([]model.EmbeddingRecord{{Path: "b", Vector: []float32{1, 0}}})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

// TestExcludeRestoreRoundTrip exercises spec.md §8's exclude-then-restore
// idempotence property.
func TestExcludeRestoreRoundTrip(t *testing.T) {
	s := New(openTestDB(t), "proj")
	_ = s.PutMany([]model.EmbeddingRecord{
		{Path: "a", Vector: []float32{1, 0, 0}},
		{Path: "b", Vector: []float32{0, 1, 0}},
	})
	before := len(s.Valid())

	if err := s.Exclude("a", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Valid()) != before-1 {
		t.Fatalf("expected one fewer valid record after exclude")
	}

	s.Restore("a")
	if len(s.Valid()) != before {
		t.Fatalf("expected valid set restored to original size")
	}
}

type alwaysFrozen struct{}

func (alwaysFrozen) IsFrozenRepresentative(string) bool { return true }

func TestExcludeRejectsFrozenRepresentative(t *testing.T) {
	s := New(openTestDB(t), "proj")
	_ = s.PutMany([]model.EmbeddingRecord{{Path: "a", Vector: []float32{1, 0, 0}}})
	err := s.Exclude("a", alwaysFrozen{})
	if !errors.Is(err, ErrFrozenRepresentative) {
		t.Fatalf("expected ErrFrozenRepresentative, got %v", err)
	}
	if len(s.Valid()) != 1 {
		t.Fatal("expected store state unchanged after rejected exclusion")
	}
}

// TestPersistLoadRoundTrip exercises spec.md §8's persist-then-load
// round-trip property.
func TestPersistLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := New(db, "proj")
	_ = s.PutMany([]model.EmbeddingRecord{
		{Path: "a", Vector: []float32{1, 0, 0}},
		{Path: "b", Vector: []float32{0, 1, 0}},
	})
	_ = s.Exclude("b", nil)

	if err := s.Persist(2, 1000); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	reloaded := New(db, "proj")
	if err := reloaded.Load(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(reloaded.All()) != 2 {
		t.Fatalf("expected 2 records after reload, got %d", len(reloaded.All()))
	}
	if len(reloaded.Valid()) != 1 {
		t.Fatalf("expected 1 valid record after reload, got %d", len(reloaded.Valid()))
	}
	manifest := reloaded.Manifest()
	if manifest.ProcessedCount != 2 || manifest.TotalImagesFound != 2 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestLoadWithNoPriorSessionIsNotAnError(t *testing.T) {
	s := New(openTestDB(t), "new-project")
	if err := s.Load(); err != nil {
		t.Fatalf("expected no error loading an empty project, got %v", err)
	}
	if len(s.All()) != 0 {
		t.Fatal("expected empty store for a project with no prior session")
	}
}
