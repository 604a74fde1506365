package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Clustering.K)
	assert.Equal(t, 0.15, cfg.Clustering.Threshold)
	assert.Equal(t, 16, cfg.Clustering.RepresentativesPerCluster)
	assert.Equal(t, 20, cfg.Producer.RefreshInterval)
	assert.Equal(t, 4, cfg.Producer.BatchSize)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("IMGCLUSTER_K", "8")
	t.Setenv("IMGCLUSTER_THRESHOLD", "0.3")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Clustering.K)
	assert.Equal(t, 0.3, cfg.Clustering.Threshold)
}

func TestLoadFromEnvYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "clustering:\n  k: 10\nstorage:\n  project: myproject\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Clustering.K)
	assert.Equal(t, "myproject", cfg.Storage.Project)
}

func TestLoadFromEnvEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clustering:\n  k: 10\n"), 0o644))
	t.Setenv("IMGCLUSTER_K", "12")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Clustering.K, "env should win over YAML")
}

func TestValidateRejectsInvalidK(t *testing.T) {
	cfg, _ := LoadFromEnv("")
	cfg.Clustering.K = 1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvalidThreshold(t *testing.T) {
	cfg, _ := LoadFromEnv("")
	cfg.Clustering.Threshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsWrongRepresentativeCount(t *testing.T) {
	cfg, _ := LoadFromEnv("")
	cfg.Clustering.RepresentativesPerCluster = 10
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg, _ := LoadFromEnv("")
	assert.NoError(t, cfg.Validate())
}
