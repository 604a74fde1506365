// Package coordinator implements spec.md §4.5: the single entry point for
// re-cluster requests, in-flight/pending coalescing, and the completion
// handshake that applies the Freeze Manager and publishes the result.
//
// The clustering worker goroutine realizes SPEC_FULL §5.1's "Clustering
// worker", grounded on the teacher's pkg/storage/async_engine.go
// background-goroutine-plus-stopChan-plus-WaitGroup idiom, generalized
// from a write-behind flush loop into a request/response worker.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/clustervision/imgcluster/pkg/cluster"
	"github.com/clustervision/imgcluster/pkg/model"
)

// FreezeApplier matches pkg/freeze.Manager's Apply method, kept as an
// interface here so the Coordinator does not import pkg/freeze directly
// (avoiding a dependency cycle risk and keeping the orchestration
// boundary a plain message-passing contract).
type FreezeApplier interface {
	Apply(threshold float64, cs model.ClusterSet) model.ClusterSet
}

// Presentation matches spec.md §6's produced-to contract: Render is the
// only operation the Coordinator itself drives; NotifyStats is driven by
// the Producer directly.
type Presentation interface {
	Render(cs model.ClusterSet)
}

// RecordSource supplies the current valid record set for a pass —
// satisfied by *store.Store's Valid method.
type RecordSource interface {
	Valid() []model.EmbeddingRecord
}

// PassMetrics receives per-pass instrumentation. Satisfied by
// *metrics.Registry (see SetMetrics), kept as an interface here for the
// same reason as FreezeApplier/Presentation: the Coordinator shouldn't
// import pkg/metrics just to call two methods.
type PassMetrics interface {
	ObservePassDuration(seconds float64)
	IncPassFailure()
}

type clusterPassRequest struct {
	ctx               context.Context
	records           []model.EmbeddingRecord
	k                 int
	threshold         float64
	previousCentroids [][]float32
	reply             chan clusterPassResult
}

type clusterPassResult struct {
	clusterSet model.ClusterSet
	err        error
}

// Coordinator serializes re-cluster requests onto a single clustering
// worker goroutine, coalescing requests that arrive while a pass is in
// flight into at most one follow-up pass (spec.md §4.5).
type Coordinator struct {
	engine  *cluster.Engine
	store   RecordSource
	freeze  FreezeApplier
	present Presentation
	metrics PassMetrics

	k         int
	threshold float64

	mu               sync.Mutex
	isClustering     bool
	pendingRecluster bool
	latestCentroids  [][]float32
	latestClusterSet model.ClusterSet

	requests chan clusterPassRequest
	stopChan chan struct{}
	wg       sync.WaitGroup

	logger *log.Logger
}

// New constructs a Coordinator. k and threshold are the initial clustering
// parameters; UpdateSettings changes them at runtime.
func New(engine *cluster.Engine, store RecordSource, freeze FreezeApplier, present Presentation, k int, threshold float64, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		engine:    engine,
		store:     store,
		freeze:    freeze,
		present:   present,
		k:         k,
		threshold: threshold,
		requests:  make(chan clusterPassRequest),
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// SetMetrics wires a PassMetrics sink (typically *metrics.Registry) so
// every subsequent pass reports its duration and failures. Nil by default;
// safe to leave unset.
func (c *Coordinator) SetMetrics(m PassMetrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// Stop terminates the clustering worker goroutine. Any in-flight pass is
// allowed to finish; no new pass is accepted after Stop returns.
func (c *Coordinator) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

// UpdateSettings changes k and threshold for subsequent passes. Per
// spec.md §6, changing k invalidates the warm start (detected in
// cluster.Engine by length mismatch, forcing K-Means++); either change
// schedules an immediate re-cluster.
func (c *Coordinator) UpdateSettings(k int, threshold float64) {
	c.mu.Lock()
	c.k = k
	c.threshold = threshold
	c.mu.Unlock()
	c.RequestRecluster(context.Background())
}

// RequestRecluster is the single entry point used by producer flushes,
// exclusion/restore operations, and settings changes. If a pass is
// already in flight, it marks one follow-up pass pending and returns
// immediately; concurrent requests collapse into that single follow-up.
func (c *Coordinator) RequestRecluster(ctx context.Context) {
	c.mu.Lock()
	if c.isClustering {
		c.pendingRecluster = true
		c.mu.Unlock()
		return
	}
	c.isClustering = true
	k, threshold, centroids := c.k, c.threshold, c.latestCentroids
	c.mu.Unlock()

	c.dispatch(ctx, k, threshold, centroids)
}

func (c *Coordinator) dispatch(ctx context.Context, k int, threshold float64, centroids [][]float32) {
	records := c.store.Valid()
	reply := make(chan clusterPassResult, 1)
	select {
	case c.requests <- clusterPassRequest{ctx: ctx, records: records, k: k, threshold: threshold, previousCentroids: centroids, reply: reply}:
	case <-c.stopChan:
		return
	}

	go func() {
		result := <-reply
		c.onPassComplete(ctx, result)
	}()
}

// worker is the long-lived clustering goroutine: receives a pass request,
// runs the engine, and replies. A pass always runs to completion once
// accepted — spec.md §5's "clustering worker has no cancellation path".
func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.requests:
			start := time.Now()
			cs, err := c.engine.UpdateClusters(context.WithoutCancel(req.ctx), req.records, req.k, req.threshold, req.previousCentroids)

			c.mu.Lock()
			m := c.metrics
			c.mu.Unlock()
			if m != nil {
				m.ObservePassDuration(time.Since(start).Seconds())
				if err != nil {
					m.IncPassFailure()
				}
			}

			req.reply <- clusterPassResult{clusterSet: cs, err: err}
		case <-c.stopChan:
			return
		}
	}
}

// onPassComplete implements spec.md §4.5's completion handling: apply the
// Freeze Manager, publish, retain centroids, and issue one more
// RequestRecluster if one was coalesced in while this pass was running.
func (c *Coordinator) onPassComplete(ctx context.Context, result clusterPassResult) {
	if result.err != nil {
		c.logger.Printf("cluster pass failed: %v", result.err)
		c.mu.Lock()
		c.isClustering = false
		pending := c.pendingRecluster
		c.pendingRecluster = false
		c.mu.Unlock()
		if pending {
			c.RequestRecluster(ctx)
		}
		return
	}

	finalSet := result.clusterSet
	if c.freeze != nil {
		finalSet = c.freeze.Apply(c.threshold, finalSet)
	}

	c.mu.Lock()
	c.latestClusterSet = finalSet
	c.latestCentroids = result.clusterSet.Centroids
	c.isClustering = false
	pending := c.pendingRecluster
	c.pendingRecluster = false
	c.mu.Unlock()

	if c.present != nil {
		c.present.Render(finalSet)
	}

	if pending {
		c.RequestRecluster(ctx)
	}
}

// LatestClusterSet returns the most recently published ClusterSet.
func (c *Coordinator) LatestClusterSet() model.ClusterSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestClusterSet
}
