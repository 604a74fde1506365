package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExposesCollectors(t *testing.T) {
	reg := NewRegistry()
	reg.ProcessedTotal.Add(5)
	reg.FrozenClusters.Set(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "imgcluster_processed_total 5")
	assert.Contains(t, string(body), "imgcluster_frozen_clusters 2")
}

func TestRegistryHelperMethodsUpdateUnderlyingCollectors(t *testing.T) {
	reg := NewRegistry()

	reg.ObservePassDuration(0.25)
	reg.IncPassFailure()
	reg.IncEmbedderFailure()
	reg.SetExcludedImages(3)
	reg.SetCacheHitRate(72.5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, "imgcluster_cluster_pass_failures_total 1")
	assert.Contains(t, out, "imgcluster_embedder_failures_total 1")
	assert.Contains(t, out, "imgcluster_excluded_images 3")
	assert.Contains(t, out, "imgcluster_embedding_cache_hit_rate 72.5")
	assert.Contains(t, out, "imgcluster_cluster_pass_duration_seconds_count 1")
}
