// Package config loads imgcluster configuration from environment
// variables, with an optional YAML overlay read before the environment
// is applied — matching the teacher's "env vars are the source of
// truth, with sensible defaults" design, generalized to accept a config
// file for the settings a deployment wants to version-control.
//
// Example:
//
//	cfg, err := config.LoadFromEnv("")
//	if err != nil {
//		log.Fatalf("loading config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all imgcluster configuration.
type Config struct {
	Clustering ClusteringConfig
	Producer   ProducerConfig
	Embedding  EmbeddingConfig
	Storage    StorageConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
}

// ClusteringConfig holds spec.md §6's clustering-tunable options.
type ClusteringConfig struct {
	// K is the number of clusters, >= 2.
	K int
	// Threshold is the cosine-distance dedup threshold for representative
	// selection, in [0, 1].
	Threshold float64
	// IterationCap bounds Lloyd's iteration.
	IterationCap int
	// RepresentativesPerCluster is the target representative count; the
	// freeze contract requires exactly 16.
	RepresentativesPerCluster int
	// Workers bounds the assignment-step goroutine fan-out; 0 selects
	// runtime.NumCPU() at engine construction.
	Workers int
	// Seed seeds K-Means++ and orphan reseeding for reproducibility, and
	// the producer's batch selection; 0 gives the clustering engine a
	// fixed seed of 1 and the producer a time-derived seed.
	Seed int64
}

// ProducerConfig holds spec.md §4.2's batching options.
type ProducerConfig struct {
	// RefreshInterval is the flush cadence in records ("R").
	RefreshInterval int
	// BatchSize is the embedding batch size ("B").
	BatchSize int
}

// EmbeddingConfig holds pkg/embed provider selection.
type EmbeddingConfig struct {
	Provider   string
	APIURL     string
	APIPath    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	CacheSize  int
}

// StorageConfig holds the BadgerDB data directory and project identity.
type StorageConfig struct {
	DataDir string
	Project string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool
	Address string
}

// LoadFromEnv loads configuration from environment variables. If
// configPath is non-empty, its YAML contents are applied first as
// defaults, then overridden by any environment variables that are set.
//
// Recognized environment variables:
//
//	IMGCLUSTER_K, IMGCLUSTER_THRESHOLD, IMGCLUSTER_ITERATION_CAP,
//	IMGCLUSTER_REPRESENTATIVES_PER_CLUSTER, IMGCLUSTER_WORKERS, IMGCLUSTER_SEED,
//	IMGCLUSTER_REFRESH_INTERVAL, IMGCLUSTER_BATCH_SIZE,
//	IMGCLUSTER_EMBEDDING_PROVIDER, IMGCLUSTER_EMBEDDING_API_URL,
//	IMGCLUSTER_EMBEDDING_API_PATH, IMGCLUSTER_EMBEDDING_API_KEY,
//	IMGCLUSTER_EMBEDDING_MODEL, IMGCLUSTER_EMBEDDING_DIMENSIONS,
//	IMGCLUSTER_EMBEDDING_TIMEOUT, IMGCLUSTER_EMBEDDING_CACHE_SIZE,
//	IMGCLUSTER_DATA_DIR, IMGCLUSTER_PROJECT,
//	IMGCLUSTER_LOG_LEVEL, IMGCLUSTER_LOG_FORMAT, IMGCLUSTER_LOG_OUTPUT,
//	IMGCLUSTER_METRICS_ENABLED, IMGCLUSTER_METRICS_ADDRESS.
func LoadFromEnv(configPath string) (*Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		if err := applyYAMLOverlay(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	cfg.Clustering.K = getEnvInt("IMGCLUSTER_K", cfg.Clustering.K)
	cfg.Clustering.Threshold = getEnvFloat("IMGCLUSTER_THRESHOLD", cfg.Clustering.Threshold)
	cfg.Clustering.IterationCap = getEnvInt("IMGCLUSTER_ITERATION_CAP", cfg.Clustering.IterationCap)
	cfg.Clustering.RepresentativesPerCluster = getEnvInt("IMGCLUSTER_REPRESENTATIVES_PER_CLUSTER", cfg.Clustering.RepresentativesPerCluster)
	cfg.Clustering.Workers = getEnvInt("IMGCLUSTER_WORKERS", cfg.Clustering.Workers)
	cfg.Clustering.Seed = int64(getEnvInt("IMGCLUSTER_SEED", int(cfg.Clustering.Seed)))

	cfg.Producer.RefreshInterval = getEnvInt("IMGCLUSTER_REFRESH_INTERVAL", cfg.Producer.RefreshInterval)
	cfg.Producer.BatchSize = getEnvInt("IMGCLUSTER_BATCH_SIZE", cfg.Producer.BatchSize)

	cfg.Embedding.Provider = getEnv("IMGCLUSTER_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIURL = getEnv("IMGCLUSTER_EMBEDDING_API_URL", cfg.Embedding.APIURL)
	cfg.Embedding.APIPath = getEnv("IMGCLUSTER_EMBEDDING_API_PATH", cfg.Embedding.APIPath)
	cfg.Embedding.APIKey = getEnv("IMGCLUSTER_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = getEnv("IMGCLUSTER_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimensions = getEnvInt("IMGCLUSTER_EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.Timeout = getEnvDuration("IMGCLUSTER_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.CacheSize = getEnvInt("IMGCLUSTER_EMBEDDING_CACHE_SIZE", cfg.Embedding.CacheSize)

	cfg.Storage.DataDir = getEnv("IMGCLUSTER_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.Project = getEnv("IMGCLUSTER_PROJECT", cfg.Storage.Project)

	cfg.Logging.Level = getEnv("IMGCLUSTER_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("IMGCLUSTER_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnv("IMGCLUSTER_LOG_OUTPUT", cfg.Logging.Output)

	cfg.Metrics.Enabled = getEnvBool("IMGCLUSTER_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getEnv("IMGCLUSTER_METRICS_ADDRESS", cfg.Metrics.Address)

	return cfg, nil
}

// defaultConfig returns spec.md §6's documented defaults plus the
// ambient fields it leaves unspecified.
func defaultConfig() *Config {
	return &Config{
		Clustering: ClusteringConfig{
			K:                         6,
			Threshold:                 0.15,
			IterationCap:              20,
			RepresentativesPerCluster: 16,
			Workers:                   0,
			Seed:                      0,
		},
		Producer: ProducerConfig{
			RefreshInterval: 20,
			BatchSize:       4,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			APIURL:     "http://localhost:11434",
			APIPath:    "/api/embeddings",
			Model:      "mxbai-embed-large-v1",
			Dimensions: 1024,
			Timeout:    30 * time.Second,
			CacheSize:  10000,
		},
		Storage: StorageConfig{
			DataDir: "./.imgcluster",
			Project: "default",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Clustering.K < 2 {
		return fmt.Errorf("k must be >= 2, got %d", c.Clustering.K)
	}
	if c.Clustering.Threshold < 0 || c.Clustering.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0, 1], got %f", c.Clustering.Threshold)
	}
	if c.Clustering.IterationCap <= 0 {
		return fmt.Errorf("iterationCap must be positive, got %d", c.Clustering.IterationCap)
	}
	if c.Clustering.RepresentativesPerCluster != 16 {
		return fmt.Errorf("representativesPerCluster must be 16 for the freeze contract, got %d", c.Clustering.RepresentativesPerCluster)
	}
	if c.Producer.RefreshInterval <= 0 {
		return fmt.Errorf("refreshInterval must be positive, got %d", c.Producer.RefreshInterval)
	}
	if c.Producer.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.Producer.BatchSize)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Storage.Project == "" {
		return fmt.Errorf("storage project must not be empty")
	}
	return nil
}

// String returns a safe string representation of the Config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{K: %d, Threshold: %.2f, Provider: %s, DataDir: %s, Project: %s}",
		c.Clustering.K, c.Clustering.Threshold, c.Embedding.Provider, c.Storage.DataDir, c.Storage.Project,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
