// Package store implements spec.md §4.1's Store contract on top of
// BadgerDB: the authoritative path -> EmbeddingRecord mapping plus the
// exclusion set, persisted under a project-scoped key space.
//
// Grounded on the teacher's pkg/storage/badger.go: single-byte key
// prefixes, db.Update/db.View transactions, and prefix-Seek iteration for
// scans. The Store here is a synchronous, orchestrator-owned component
// (spec.md §5 — "the Store is owned by the orchestrator"), not a
// background writer, so the teacher's async_engine.go flush-loop idiom is
// reused instead by pkg/producer, not here.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/dgraph-io/badger/v4"
)

// Key prefixes, matching SPEC_FULL §3.1.
const (
	prefixRecord    = byte(0x01) // project || 0x00 || path -> JSON(EmbeddingRecord)
	prefixExclusion = byte(0x02) // project || 0x00 || path -> empty
	prefixManifest  = byte(0x03) // project -> JSON(Manifest)
)

const keySep = byte(0x00)

// PersistenceFailure wraps a Badger error from Persist; callers may retry
// the full snapshot on the next flush (spec.md §7).
type PersistenceFailure struct {
	Err error
}

func (e *PersistenceFailure) Error() string { return fmt.Sprintf("persistence failure: %v", e.Err) }
func (e *PersistenceFailure) Unwrap() error { return e.Err }

// Store holds one project's embeddings and exclusion state in memory, with
// Persist/Load operations to synchronize with a durable Badger-backed
// key-value store.
//
// Invariants I1-I3 (spec.md §3) are enforced by the map-based in-memory
// representation: a path can only ever occupy one map slot, and the
// exclusion set is a plain set over the same key space.
type Store struct {
	db      *badger.DB
	project string

	mu        sync.RWMutex
	records   map[string]model.EmbeddingRecord
	excluded  map[string]bool
	dimension int
}

// New opens (or creates) a Store backed by db, scoped to project.
func New(db *badger.DB, project string) *Store {
	return &Store{
		db:       db,
		project:  project,
		records:  make(map[string]model.EmbeddingRecord),
		excluded: make(map[string]bool),
	}
}

// ErrDimensionMismatch is returned by PutMany when a record's vector
// dimension disagrees with the first record ever inserted into this
// project (spec.md §6's "D is fixed at first use").
var ErrDimensionMismatch = fmt.Errorf("dimension mismatch")

// PutMany inserts or replaces records by path, atomically with respect to
// concurrent readers of the in-memory view.
func (s *Store) PutMany(records []model.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.dimension == 0 && len(s.records) == 0 {
			s.dimension = len(r.Vector)
		}
		if s.dimension != 0 && len(r.Vector) != s.dimension {
			return fmt.Errorf("%w: record %q has dimension %d, expected %d", ErrDimensionMismatch, r.Path, len(r.Vector), s.dimension)
		}
		s.records[r.Path] = r
	}
	return nil
}

// All returns a stable-within-pass snapshot of every stored record,
// regardless of exclusion state.
func (s *Store) All() []model.EmbeddingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EmbeddingRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// Valid returns every record whose path is not excluded — the input to
// clustering.
func (s *Store) Valid() []model.EmbeddingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EmbeddingRecord, 0, len(s.records))
	for path, r := range s.records {
		if !s.excluded[path] {
			out = append(out, r)
		}
	}
	return out
}

// ProcessedPaths returns every path that has ever been put into the Store,
// regardless of exclusion state — the Producer's "already done" set.
func (s *Store) ProcessedPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for path := range s.records {
		out = append(out, path)
	}
	return out
}

// FrozenChecker reports whether a path is currently a representative of a
// frozen cluster. The Store consults it before honoring an Exclude call
// (spec.md F2).
type FrozenChecker interface {
	IsFrozenRepresentative(path string) bool
}

// ErrFrozenRepresentative is returned by Exclude when path is currently a
// representative of a frozen cluster.
var ErrFrozenRepresentative = fmt.Errorf("path is a frozen representative")

// Exclude adds path to the exclusion set. Idempotent. Rejected with
// ErrFrozenRepresentative if frozen reports the path is currently pinned.
func (s *Store) Exclude(path string, frozen FrozenChecker) error {
	if frozen != nil && frozen.IsFrozenRepresentative(path) {
		return fmt.Errorf("%w: %s", ErrFrozenRepresentative, path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[path] = true
	return nil
}

// Restore removes path from the exclusion set. Idempotent.
func (s *Store) Restore(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.excluded, path)
}

// ExcludedPaths returns a snapshot of the current exclusion set.
func (s *Store) ExcludedPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.excluded))
	for p := range s.excluded {
		out = append(out, p)
	}
	return out
}

func recordKey(project, path string) []byte {
	key := make([]byte, 0, 1+len(project)+1+len(path))
	key = append(key, prefixRecord)
	key = append(key, []byte(project)...)
	key = append(key, keySep)
	key = append(key, []byte(path)...)
	return key
}

func exclusionKey(project, path string) []byte {
	key := make([]byte, 0, 1+len(project)+1+len(path))
	key = append(key, prefixExclusion)
	key = append(key, []byte(project)...)
	key = append(key, keySep)
	key = append(key, []byte(path)...)
	return key
}

func manifestKey(project string) []byte {
	key := make([]byte, 0, 1+len(project))
	key = append(key, prefixManifest)
	key = append(key, []byte(project)...)
	return key
}

// Persist writes the current in-memory view to Badger: every record, the
// exclusion set, and a manifest summarizing processing progress.
//
// A failed Persist leaves the in-memory view untouched and is returned as
// a *PersistenceFailure — a recoverable error per spec.md §7; the caller
// decides whether to retry.
func (s *Store) Persist(totalImagesFound int, lastUpdated int64) error {
	s.mu.RLock()
	records := make(map[string]model.EmbeddingRecord, len(s.records))
	for k, v := range s.records {
		records[k] = v
	}
	excluded := make([]string, 0, len(s.excluded))
	for p := range s.excluded {
		excluded = append(excluded, p)
	}
	processed := len(s.records)
	s.mu.RUnlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		// Drop every stored exclusion marker first, so paths restored since
		// the last Persist do not come back as excluded on Load.
		exPrefix := append([]byte{prefixExclusion}, append([]byte(s.project), keySep)...)
		var stale [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(exPrefix); it.ValidForPrefix(exPrefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for path, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(recordKey(s.project, path), data); err != nil {
				return err
			}
		}
		for _, path := range excluded {
			if err := txn.Set(exclusionKey(s.project, path), nil); err != nil {
				return err
			}
		}
		manifest := model.Manifest{
			ProcessedCount:   processed,
			TotalImagesFound: totalImagesFound,
			ExcludedImages:   excluded,
			LastUpdated:      lastUpdated,
		}
		data, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		return txn.Set(manifestKey(s.project), data)
	})
	if err != nil {
		return &PersistenceFailure{Err: err}
	}
	return nil
}

// Load reconstructs the in-memory view from Badger. A corrupted or absent
// manifest is treated as "no prior session": Load returns no error and
// leaves the Store empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]model.EmbeddingRecord)
	excluded := make(map[string]bool)
	dim := 0

	err := s.db.View(func(txn *badger.Txn) error {
		manifestItem, err := txn.Get(manifestKey(s.project))
		if err != nil {
			return nil // absent manifest: no prior session
		}
		if err := manifestItem.Value(func(val []byte) error {
			return json.Unmarshal(val, new(model.Manifest))
		}); err != nil {
			return nil // corrupted manifest: no prior session
		}

		recPrefix := append([]byte{prefixRecord}, append([]byte(s.project), keySep)...)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			item := it.Item()
			path := string(bytes.TrimPrefix(item.KeyCopy(nil), recPrefix))
			var rec model.EmbeddingRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue // corrupted entry; skip rather than fail the whole load
			}
			records[path] = rec
			if dim == 0 {
				dim = len(rec.Vector)
			}
		}

		exPrefix := append([]byte{prefixExclusion}, append([]byte(s.project), keySep)...)
		eit := txn.NewIterator(badger.DefaultIteratorOptions)
		defer eit.Close()
		for eit.Seek(exPrefix); eit.ValidForPrefix(exPrefix); eit.Next() {
			path := string(bytes.TrimPrefix(eit.Item().KeyCopy(nil), exPrefix))
			excluded[path] = true
		}
		return nil
	})
	if err != nil {
		return &PersistenceFailure{Err: err}
	}

	s.records = records
	s.excluded = excluded
	s.dimension = dim
	return nil
}

// Manifest reads the persisted manifest for this project, if any. A
// missing or corrupted manifest returns the zero Manifest and no error
// ("no prior session").
func (s *Store) Manifest() model.Manifest {
	var m model.Manifest
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(s.project))
		if err != nil {
			return nil // ErrKeyNotFound or similar: no prior session
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	return m
}
