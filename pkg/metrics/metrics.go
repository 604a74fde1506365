// Package metrics exposes imgcluster's Prometheus instrumentation: image
// throughput, cluster pass duration, exclusion and freeze state. Wired as
// one of the Presentation fan-out targets (pkg/presentation), so a
// deployment observes the pipeline the same way it would observe any
// other long-running service in this stack.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the collectors imgcluster exposes. A zero Registry is
// not usable; construct with NewRegistry.
type Registry struct {
	reg *prometheus.Registry

	ProcessedTotal      prometheus.Counter
	EmbedderFailures    prometheus.Counter
	ClusterPassDuration prometheus.Histogram
	ClusterPassFailures prometheus.Counter
	ExcludedImages      prometheus.Gauge
	FrozenClusters      prometheus.Gauge
	CacheHitRate        prometheus.Gauge
}

// NewRegistry constructs a Registry with all collectors registered
// against a fresh prometheus.Registry (not the global default, so tests
// and multiple instances in one process don't collide).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcluster_processed_total",
			Help: "Total number of images successfully embedded and stored.",
		}),
		EmbedderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcluster_embedder_failures_total",
			Help: "Total number of batches that failed embedding.",
		}),
		ClusterPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "imgcluster_cluster_pass_duration_seconds",
			Help:    "Duration of a single clustering pass.",
			Buckets: prometheus.DefBuckets,
		}),
		ClusterPassFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcluster_cluster_pass_failures_total",
			Help: "Total number of clustering passes that returned an error.",
		}),
		ExcludedImages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgcluster_excluded_images",
			Help: "Current number of excluded images.",
		}),
		FrozenClusters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgcluster_frozen_clusters",
			Help: "Current number of frozen clusters.",
		}),
		CacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgcluster_embedding_cache_hit_rate",
			Help: "Embedding cache hit rate as a percentage.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObservePassDuration records one clustering pass's wall-clock duration in
// seconds. Satisfies coordinator.PassMetrics.
func (r *Registry) ObservePassDuration(seconds float64) {
	r.ClusterPassDuration.Observe(seconds)
}

// IncPassFailure increments the failed-pass counter. Satisfies
// coordinator.PassMetrics.
func (r *Registry) IncPassFailure() {
	r.ClusterPassFailures.Inc()
}

// IncEmbedderFailure increments the embedder-batch-failure counter.
// Satisfies producer.FailureMetrics.
func (r *Registry) IncEmbedderFailure() {
	r.EmbedderFailures.Inc()
}

// SetExcludedImages sets the current excluded-image count. Called by
// cmd/imgcluster's controller after every Store.Exclude/Restore.
func (r *Registry) SetExcludedImages(n int) {
	r.ExcludedImages.Set(float64(n))
}

// SetCacheHitRate sets the embedding cache's current hit rate as a
// percentage (0-100), sourced from embed.CachedEmbedder.Stats().HitRate.
func (r *Registry) SetCacheHitRate(pct float64) {
	r.CacheHitRate.Set(pct)
}
