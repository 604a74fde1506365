// Package main provides the imgcluster CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clustervision/imgcluster/pkg/cache"
	"github.com/clustervision/imgcluster/pkg/cluster"
	"github.com/clustervision/imgcluster/pkg/config"
	"github.com/clustervision/imgcluster/pkg/coordinator"
	"github.com/clustervision/imgcluster/pkg/embed"
	"github.com/clustervision/imgcluster/pkg/freeze"
	"github.com/clustervision/imgcluster/pkg/metrics"
	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/clustervision/imgcluster/pkg/presentation"
	"github.com/clustervision/imgcluster/pkg/producer"
	"github.com/clustervision/imgcluster/pkg/scanner"
	"github.com/clustervision/imgcluster/pkg/search"
	"github.com/clustervision/imgcluster/pkg/store"
	"github.com/dgraph-io/badger/v4"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imgcluster",
		Short: "imgcluster - incremental image clustering engine",
		Long: `imgcluster watches a directory of images, extracts embeddings with a
vision model, and incrementally re-clusters them with warm-started
K-Means. Clusters can be frozen to pin their representative set across
re-cluster passes, and individual images can be excluded from
clustering without deleting them.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config overlay")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("imgcluster v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new imgcluster project",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./.imgcluster", "Data directory")
	rootCmd.AddCommand(initCmd)

	addScanFlags := func(c *cobra.Command) {
		c.Flags().String("data-dir", "", "Data directory (overrides config)")
		c.Flags().String("project", "", "Project name (overrides config)")
		c.Flags().Int("k", 0, "Cluster count (overrides config)")
		c.Flags().Float64("threshold", 0, "Representative dedup threshold (overrides config)")
		c.Flags().String("embedding-provider", "", "local or remote (overrides config)")
		c.Flags().String("embedding-api-url", "", "Embedding API URL (overrides config)")
		c.Flags().String("embedding-api-key", "", "Embedding API key (overrides config)")
	}

	scanCmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Run a single scan-embed-cluster pass over dir and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runScanOnce,
	}
	addScanFlags(scanCmd)
	rootCmd.AddCommand(scanCmd)

	serveCmd := &cobra.Command{
		Use:   "serve <dir>",
		Short: "Scan a directory, embed images, and serve the clustering engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}
	addScanFlags(serveCmd)
	serveCmd.Flags().String("http-addr", ":8080", "HTTP control/search API address")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted manifest for a project",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	statusCmd.Flags().String("project", "", "Project name (overrides config)")
	rootCmd.AddCommand(statusCmd)

	freezeCmd := &cobra.Command{
		Use:   "freeze <cluster-id>",
		Short: "Pin a running server's cluster by its current representative set",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemoteClusterAction,
	}
	freezeCmd.Flags().String("addr", "http://localhost:8080", "Running imgcluster serve address")
	rootCmd.AddCommand(freezeCmd)

	unfreezeCmd := &cobra.Command{
		Use:   "unfreeze <cluster-id>",
		Short: "Release a running server's pinned cluster",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemoteClusterAction,
	}
	unfreezeCmd.Flags().String("addr", "http://localhost:8080", "Running imgcluster serve address")
	rootCmd.AddCommand(unfreezeCmd)

	excludeCmd := &cobra.Command{
		Use:   "exclude <path>",
		Short: "Exclude an image from a running server's clustering",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemotePathAction,
	}
	excludeCmd.Flags().String("addr", "http://localhost:8080", "Running imgcluster serve address")
	rootCmd.AddCommand(excludeCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Restore a previously excluded image on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemotePathAction,
	}
	restoreCmd.Flags().String("addr", "http://localhost:8080", "Running imgcluster serve address")
	rootCmd.AddCommand(restoreCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runRemoteClusterAction implements the freeze/unfreeze commands as thin
// HTTP clients against a running "serve" instance's control API — freeze
// state lives in the Coordinator's in-process Freeze Manager, so pinning
// a cluster is only meaningful against a live server, not a CLI process
// reading the persisted Store directly.
func runRemoteClusterAction(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	return postRemote(fmt.Sprintf("%s/%s/%s", addr, cmd.Name(), args[0]))
}

func runRemotePathAction(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	return postRemote(fmt.Sprintf("%s/%s?path=%s", addr, cmd.Name(), args[0]))
}

func postRemote(url string) error {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("contacting imgcluster serve: %w", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	fmt.Println(out["status"])
	return nil
}

func runScanOnce(cmd *cobra.Command, args []string) error {
	return runPipeline(cmd, args[0], true, "")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("project"); v != "" {
		cfg.Storage.Project = v
	}
	if cmd.Flags().Lookup("k") != nil {
		if v, _ := cmd.Flags().GetInt("k"); v != 0 {
			cfg.Clustering.K = v
		}
	}
	if cmd.Flags().Lookup("threshold") != nil {
		if v, _ := cmd.Flags().GetFloat64("threshold"); v != 0 {
			cfg.Clustering.Threshold = v
		}
	}
	if cmd.Flags().Lookup("embedding-provider") != nil {
		if v, _ := cmd.Flags().GetString("embedding-provider"); v != "" {
			cfg.Embedding.Provider = v
		}
	}
	if cmd.Flags().Lookup("embedding-api-url") != nil {
		if v, _ := cmd.Flags().GetString("embedding-api-url"); v != "" {
			cfg.Embedding.APIURL = v
		}
	}
	if cmd.Flags().Lookup("embedding-api-key") != nil {
		if v, _ := cmd.Flags().GetString("embedding-api-key"); v != "" {
			cfg.Embedding.APIKey = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("📂 Initializing imgcluster project in %s\n", dataDir)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dataDir, "imgcluster.yaml")
	configContent := `# imgcluster configuration
clustering:
  k: 6
  threshold: 0.15
  iterationcap: 20
  representativespercluster: 16

producer:
  refreshinterval: 20
  batchsize: 4

embedding:
  provider: local
  apiurl: http://localhost:11434
  apipath: /api/embeddings
  model: mxbai-embed-large-v1
  dimensions: 1024

storage:
  datadir: ` + dataDir + `
  project: default

logging:
  level: info
  format: text
  output: stdout

metrics:
  enabled: true
  address: ":9090"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("✅ Project initialized")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next step:")
	fmt.Println("  imgcluster serve --config", configPath, "/path/to/images")

	return nil
}

func openStore(cfg *config.Config) (*store.Store, *badger.DB, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	opts := badger.DefaultOptions(cfg.Storage.DataDir).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening badger db: %w", err)
	}

	s := store.New(db, cfg.Storage.Project)
	if err := s.Load(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("loading store: %w", err)
	}
	return s, db, nil
}

func buildEmbedder(cfg *config.Config) (embed.Embedder, error) {
	ec := &embed.Config{
		Provider:   cfg.Embedding.Provider,
		APIURL:     cfg.Embedding.APIURL,
		APIPath:    cfg.Embedding.APIPath,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	}
	base, err := embed.NewEmbedder(ec)
	if err != nil {
		return nil, err
	}
	if cfg.Embedding.CacheSize <= 0 {
		return base, nil
	}
	return embed.NewCachedEmbedder(base, cfg.Embedding.CacheSize), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	manifest := s.Manifest()
	data, _ := json.MarshalIndent(manifest, "", "  ")
	fmt.Println(string(data))
	fmt.Printf("valid records: %d, excluded: %d\n", len(s.Valid()), len(s.ExcludedPaths()))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	return runPipeline(cmd, args[0], false, httpAddr)
}

// runPipeline wires Scanner -> Producer -> Store -> Coordinator ->
// Engine/Freeze -> Presentation and either runs one pass to completion
// (once=true, the "scan" command) or additionally serves the HTTP
// control/search/metrics API until a shutdown signal (the "serve"
// command).
func runPipeline(cmd *cobra.Command, scanDir string, once bool, httpAddr string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	fmt.Printf("🚀 Starting imgcluster v%s\n", version)
	fmt.Printf("   Data directory:  %s\n", cfg.Storage.DataDir)
	fmt.Printf("   Project:         %s\n", cfg.Storage.Project)
	fmt.Printf("   Embedding:       %s (%d dims)\n", cfg.Embedding.Provider, cfg.Embedding.Dimensions)
	fmt.Println()

	fmt.Println("📂 Opening store...")
	s, db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("building embedder: %w", err)
	}

	engine := cluster.NewEngine(cluster.Config{
		K:             cfg.Clustering.K,
		Threshold:     cfg.Clustering.Threshold,
		MaxIterations: cfg.Clustering.IterationCap,
		Workers:       cfg.Clustering.Workers,
		Seed:          cfg.Clustering.Seed,
	})
	freezeManager := freeze.NewManager()
	registry := metrics.NewRegistry()
	metricsPresentation := presentation.NewMetricsPresentation(registry)
	if cached, ok := embedder.(*embed.CachedEmbedder); ok {
		metricsPresentation.SetCacheStatsSource(cached)
	}
	present := presentation.NewMultiPresentation(
		presentation.NewLogPresentation(logger),
		metricsPresentation,
	)

	coord := coordinator.New(engine, s, freezeManager, present, cfg.Clustering.K, cfg.Clustering.Threshold, logger)
	coord.SetMetrics(registry)
	defer coord.Stop()

	fmt.Println("🔍 Scanning", scanDir)
	handles, err := scanner.New(scanDir).Scan()
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	fmt.Printf("   Found %d images\n", len(handles))

	prod := producer.New(handles, embedder, s, coord, present, cfg.Producer.RefreshInterval, cfg.Producer.BatchSize, cfg.Clustering.Seed, logger)
	prod.SetFailureMetrics(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := newController(s, freezeManager, coord, registry)
	registry.SetExcludedImages(len(s.ExcludedPaths()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := prod.Run(ctx); err != nil {
			logger.Printf("producer stopped: %v", err)
		}
	}()

	if once {
		wg.Wait()
		coord.RequestRecluster(ctx)
		return persistAndClose(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/status", ctrl.handleStatus)
	mux.HandleFunc("/clusters", ctrl.handleClusters)
	mux.HandleFunc("/freeze/", ctrl.handleFreeze)
	mux.HandleFunc("/unfreeze/", ctrl.handleUnfreeze)
	mux.HandleFunc("/exclude", ctrl.handleExclude)
	mux.HandleFunc("/restore", ctrl.handleRestore)
	mux.HandleFunc("/search", ctrl.handleSearch)

	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		logger.Printf("control API listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
		}
	}()

	fmt.Println()
	fmt.Println("✅ imgcluster is running")
	fmt.Printf("  • Control API:  http://localhost%s\n", httpAddr)
	fmt.Printf("  • Metrics:      http://localhost%s/metrics\n", httpAddr)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	prod.Abort()
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}

	return persistAndClose(s)
}

func persistAndClose(s *store.Store) error {
	if err := s.Persist(len(s.All()), time.Now().Unix()); err != nil {
		return fmt.Errorf("final persist: %w", err)
	}
	fmt.Println("✅ Store persisted")
	return nil
}

// controller answers the HTTP control/search API, rebuilding a similarity
// index from the Store's valid records on a cache miss. Results are
// cached in a cache.ResultCache keyed by query+params, invalidated by any
// handler that can change the valid record set or frozen state.
type controller struct {
	store   *store.Store
	freeze  *freeze.Manager
	coord   *coordinator.Coordinator
	results *cache.ResultCache
	metrics *metrics.Registry
}

func newController(s *store.Store, fm *freeze.Manager, coord *coordinator.Coordinator, reg *metrics.Registry) *controller {
	return &controller{
		store:   s,
		freeze:  fm,
		coord:   coord,
		results: cache.NewResultCache(256, 5*time.Minute),
		metrics: reg,
	}
}

func (c *controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	manifest := c.store.Manifest()
	writeJSON(w, map[string]interface{}{
		"manifest": manifest,
		"valid":    len(c.store.Valid()),
		"excluded": len(c.store.ExcludedPaths()),
	})
}

func (c *controller) handleClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.coord.LatestClusterSet())
}

func (c *controller) handleFreeze(w http.ResponseWriter, r *http.Request) {
	idx, err := pathTailInt(r.URL.Path, "/freeze/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cs := c.coord.LatestClusterSet()
	var target *model.Cluster
	for i := range cs.Clusters {
		if cs.Clusters[i].ID == idx {
			target = &cs.Clusters[i]
			break
		}
	}
	if target == nil {
		http.Error(w, "cluster not found", http.StatusNotFound)
		return
	}
	if err := c.freeze.Freeze(idx, *target); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	c.results.Invalidate()
	writeJSON(w, map[string]string{"status": "frozen"})
}

func (c *controller) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	idx, err := pathTailInt(r.URL.Path, "/unfreeze/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.freeze.Unfreeze(idx)
	c.results.Invalidate()
	writeJSON(w, map[string]string{"status": "unfrozen"})
}

func (c *controller) handleExclude(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	if err := c.store.Exclude(path, c.freeze); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if c.metrics != nil {
		c.metrics.SetExcludedImages(len(c.store.ExcludedPaths()))
	}
	c.coord.RequestRecluster(r.Context())
	c.results.Invalidate()
	writeJSON(w, map[string]string{"status": "excluded"})
}

func (c *controller) handleRestore(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	c.store.Restore(path)
	if c.metrics != nil {
		c.metrics.SetExcludedImages(len(c.store.ExcludedPaths()))
	}
	c.coord.RequestRecluster(r.Context())
	c.results.Invalidate()
	writeJSON(w, map[string]string{"status": "restored"})
}

// handleSearch answers "images similar to path", querying the Store's
// valid records through a freshly built similarity index and caching the
// scored result list until its TTL expires or a freeze, unfreeze,
// exclusion or restore invalidates it.
func (c *controller) handleSearch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	valid := c.store.Valid()
	var query []float32
	for _, rec := range valid {
		if rec.Path == path {
			query = rec.Vector
			break
		}
	}
	if query == nil {
		http.Error(w, "path not found among valid records", http.StatusNotFound)
		return
	}

	key := c.results.Key(query, limit, 0)
	if hits, ok := c.results.Get(key); ok {
		writeJSON(w, hits)
		return
	}

	idx := search.NewSimilarityIndex(len(query), len(valid), search.DefaultApproximateThreshold)
	for _, rec := range valid {
		if rec.Path == path {
			continue
		}
		if err := idx.Add(rec); err != nil {
			continue
		}
	}
	hits, err := idx.Search(r.Context(), query, limit, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c.results.Put(key, hits)
	writeJSON(w, hits)
}

func pathTailInt(path, prefix string) (int, error) {
	tail := strings.TrimPrefix(path, prefix)
	n, err := strconv.Atoi(tail)
	if err != nil {
		return 0, fmt.Errorf("invalid cluster id %q", tail)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
