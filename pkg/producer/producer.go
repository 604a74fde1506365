// Package producer implements spec.md §4.2's Producer: the component
// that walks an enumeration of image handles, picks random unprocessed
// batches, invokes the Embedder, and flushes accumulated records to the
// Store on a fixed record cadence.
//
// The pause/resume/abort control surface and the background run loop
// are grounded on the teacher's pkg/storage/async_engine.go
// stopChan-plus-WaitGroup idiom, generalized from a periodic
// write-behind flush into a one-shot batch-processing run.
package producer

import (
	"context"
	"fmt"
	"image"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/scanner"
)

// Embedder matches pkg/embed.Embedder, kept as a local interface so this
// package does not need to import pkg/embed's HTTP client types.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	EmbedBatch(ctx context.Context, imgs []image.Image) ([][]float32, error)
}

// RecordSink matches the subset of *store.Store the Producer writes
// through.
type RecordSink interface {
	ProcessedPaths() []string
	PutMany(records []model.EmbeddingRecord) error
	Persist(totalImagesFound int, lastUpdated int64) error
}

// ReclusterTrigger matches *coordinator.Coordinator.RequestRecluster.
type ReclusterTrigger interface {
	RequestRecluster(ctx context.Context)
}

// FailureMetrics receives a count of embedder batch failures. Satisfied by
// *metrics.Registry (see SetFailureMetrics).
type FailureMetrics interface {
	IncEmbedderFailure()
}

// Stats is the progress snapshot passed to a StatsNotifier, matching
// spec.md §6's notifyStats contract.
type Stats struct {
	Processed        int
	Total            int
	SpeedSecPerImage float64
	ETAMillis        int64
	CurrentAction    string
	Completed        bool
}

// StatsNotifier matches the Presentation interface's NotifyStats method.
type StatsNotifier interface {
	NotifyStats(stats Stats)
}

const (
	stateRunning int32 = iota
	statePaused
	stateAborted
)

// Producer batches unprocessed image handles through an Embedder and
// flushes the results to a RecordSink every RefreshInterval records.
type Producer struct {
	handles  []scanner.Handle
	embedder Embedder
	store    RecordSink
	trigger  ReclusterTrigger
	notifier StatsNotifier
	logger   *log.Logger
	failures FailureMetrics

	refreshInterval int
	batchSize       int
	rng             *rand.Rand

	state int32 // atomic: stateRunning, statePaused, stateAborted

	mu         sync.Mutex
	pending    []model.EmbeddingRecord
	sinceFlush int
}

// New constructs a Producer. seed of 0 selects a time-derived seed.
func New(handles []scanner.Handle, embedder Embedder, store RecordSink, trigger ReclusterTrigger, notifier StatsNotifier, refreshInterval, batchSize int, seed int64, logger *log.Logger) *Producer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Producer{
		handles:         handles,
		embedder:        embedder,
		store:           store,
		trigger:         trigger,
		notifier:        notifier,
		logger:          logger,
		refreshInterval: refreshInterval,
		batchSize:       batchSize,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// SetFailureMetrics wires a FailureMetrics sink (typically
// *metrics.Registry) so embedder batch failures are counted. Nil by
// default; safe to leave unset.
func (p *Producer) SetFailureMetrics(m FailureMetrics) {
	p.failures = m
}

// Pause is level-triggered: the run loop stops starting new batches until
// Resume is called, but any in-flight batch completes first.
func (p *Producer) Pause() { atomic.CompareAndSwapInt32(&p.state, stateRunning, statePaused) }

// Resume clears a prior Pause.
func (p *Producer) Resume() { atomic.CompareAndSwapInt32(&p.state, statePaused, stateRunning) }

// Abort is terminal: the run loop finishes draining its current batch's
// flush, if any, and then stops without starting new batches.
func (p *Producer) Abort() { atomic.StoreInt32(&p.state, stateAborted) }

// Run processes unprocessed handles to completion, to an abort, or until
// ctx is canceled. Errors from individual batches are logged and do not
// stop the run (spec.md §7's EmbedderFailure policy): the batch's paths
// are still marked processed to avoid a poisoned input retrying forever.
func (p *Producer) Run(ctx context.Context) error {
	total := len(p.handles)
	processed := make(map[string]bool, total)
	for _, path := range p.store.ProcessedPaths() {
		processed[path] = true
	}

	pool := make([]scanner.Handle, 0, total)
	for _, h := range p.handles {
		if !processed[h.Path] {
			pool = append(pool, h)
		}
	}

	start := time.Now()
	doneCount := len(processed)

	for len(pool) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if atomic.LoadInt32(&p.state) == stateAborted {
			break
		}
		if atomic.LoadInt32(&p.state) == statePaused {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		n := p.batchSize
		if n > len(pool) {
			n = len(pool)
		}
		batch, rest := p.takeRandom(pool, n)
		pool = rest

		records, err := p.embedBatch(ctx, batch)
		if err != nil {
			p.logger.Printf("embedder failure for batch of %d: %v", len(batch), err)
			if p.failures != nil {
				p.failures.IncEmbedderFailure()
			}
		}

		p.mu.Lock()
		p.pending = append(p.pending, records...)
		p.sinceFlush += len(batch)
		shouldFlush := p.sinceFlush >= p.refreshInterval || len(pool) == 0
		p.mu.Unlock()

		doneCount += len(batch)

		if shouldFlush {
			if err := p.flush(ctx, total); err != nil {
				p.logger.Printf("flush failed: %v", err)
			}
		}

		p.notify(doneCount, total, start, false)

		if atomic.LoadInt32(&p.state) == stateAborted {
			break
		}
	}

	p.notify(doneCount, total, start, true)
	return nil
}

// takeRandom removes n handles chosen uniformly at random without
// replacement from pool, returning (chosen, remaining).
func (p *Producer) takeRandom(pool []scanner.Handle, n int) ([]scanner.Handle, []scanner.Handle) {
	chosen := make([]scanner.Handle, 0, n)
	remaining := make([]scanner.Handle, len(pool))
	copy(remaining, pool)
	for i := 0; i < n; i++ {
		idx := p.rng.Intn(len(remaining))
		chosen = append(chosen, remaining[idx])
		remaining[idx] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
	}
	return chosen, remaining
}

func (p *Producer) embedBatch(ctx context.Context, batch []scanner.Handle) ([]model.EmbeddingRecord, error) {
	imgs := make([]image.Image, 0, len(batch))
	decoded := make([]scanner.Handle, 0, len(batch))
	for _, h := range batch {
		img, err := h.Open()
		if err != nil {
			p.logger.Printf("decoding %s: %v", h.Path, err)
			continue
		}
		imgs = append(imgs, img)
		decoded = append(decoded, h)
	}
	if len(imgs) == 0 {
		return nil, nil
	}

	vectors, err := p.embedder.EmbedBatch(ctx, imgs)
	if err != nil {
		return nil, fmt.Errorf("embedding batch: %w", err)
	}

	records := make([]model.EmbeddingRecord, len(vectors))
	for i, v := range vectors {
		records[i] = model.EmbeddingRecord{Path: decoded[i].Path, Vector: v}
	}
	return records, nil
}

func (p *Producer) flush(ctx context.Context, total int) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.sinceFlush = 0
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := p.store.PutMany(pending); err != nil {
		return fmt.Errorf("put_many: %w", err)
	}
	if err := p.store.Persist(total, time.Now().Unix()); err != nil {
		p.logger.Printf("persist failure (will retry on next flush): %v", err)
	}
	if p.trigger != nil {
		p.trigger.RequestRecluster(ctx)
	}
	return nil
}

func (p *Producer) notify(processed, total int, start time.Time, completed bool) {
	if p.notifier == nil {
		return
	}
	elapsed := time.Since(start).Seconds()
	var speed float64
	if processed > 0 {
		speed = elapsed / float64(processed)
	}
	remaining := total - processed
	var etaMillis int64
	if speed > 0 && remaining > 0 {
		etaMillis = int64(speed * float64(remaining) * 1000)
	}
	action := "embedding"
	if completed {
		action = "idle"
	}
	p.notifier.NotifyStats(Stats{
		Processed:        processed,
		Total:            total,
		SpeedSecPerImage: speed,
		ETAMillis:        etaMillis,
		CurrentAction:    action,
		Completed:        completed,
	})
}
