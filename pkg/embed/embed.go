// Package embed provides embedding generation clients for the clustering
// engine's input: a fixed-dimensional vector extracted from a decoded
// image using a neural vision model. The model itself is out of THE
// CORE's scope (spec.md §1) — this package's job is the client contract
// around it.
//
// This package supports two provider shapes, adapted one-for-one from the
// teacher's text-embedding clients (SPEC_FULL §4.7):
//   - Local: a local multimodal inference server (e.g. an Ollama-style
//     vision-embedding endpoint), reached over plain HTTP.
//   - Remote: a hosted, API-key-authenticated embeddings API accepting
//     batches of encoded images.
package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"time"
)

// Embedder generates vector embeddings from decoded images.
//
// Implementations must be safe for concurrent use from multiple
// goroutines, though spec.md §4.2 notes the Producer itself serializes
// calls rather than assuming the underlying model is thread-safe.
type Embedder interface {
	// Embed generates an embedding for a single image.
	Embed(ctx context.Context, img image.Image) ([]float32, error)

	// EmbedBatch generates embeddings for multiple images, one-to-one
	// with the input order (spec.md §4.2's "strict positional
	// correspondence").
	EmbedBatch(ctx context.Context, imgs []image.Image) ([][]float32, error)

	// Dimensions returns the embedding vector dimension D.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config holds embedding provider configuration.
type Config struct {
	Provider   string        // "local" or "remote"
	APIURL     string        // e.g. http://localhost:11434
	APIPath    string        // e.g. /api/embeddings
	APIKey     string        // remote provider only
	Model      string        // model name
	Dimensions int           // expected vector width D
	Timeout    time.Duration // HTTP request timeout
}

// DefaultLocalConfig returns configuration for a local vision-embedding
// server, assumed to run on an Ollama-compatible port.
func DefaultLocalConfig() *Config {
	return &Config{
		Provider:   "local",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "mxbai-embed-large-v1",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultRemoteConfig returns configuration for a hosted embeddings API.
func DefaultRemoteConfig(apiKey string) *Config {
	return &Config{
		Provider:   "remote",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "clip-vit-base-patch32",
		Dimensions: 512,
		Timeout:    30 * time.Second,
	}
}

func encodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// LocalVisionEmbedder implements Embedder against a local HTTP inference
// server, adapted from the teacher's OllamaEmbedder: the same
// request/response shape, with the text prompt field replaced by a
// base64-encoded image field.
type LocalVisionEmbedder struct {
	config *Config
	client *http.Client
}

// NewLocalVisionEmbedder constructs a LocalVisionEmbedder. If config is
// nil, DefaultLocalConfig() is used.
func NewLocalVisionEmbedder(config *Config) *LocalVisionEmbedder {
	if config == nil {
		config = DefaultLocalConfig()
	}
	return &LocalVisionEmbedder{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type localRequest struct {
	Model string `json:"model"`
	Image string `json:"image"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends one image to the local server and returns its embedding.
func (e *LocalVisionEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	encoded, err := encodeImage(img)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(localRequest{Model: e.config.Model, Image: encoded})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("local embedder returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out localResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds each image with one request per image — the local
// server's API has no batch endpoint, matching the teacher's own
// one-request-per-item fallback for Ollama.
func (e *LocalVisionEmbedder) EmbedBatch(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	results := make([][]float32, len(imgs))
	for i, img := range imgs {
		vec, err := e.Embed(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("embedding image %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

func (e *LocalVisionEmbedder) Dimensions() int { return e.config.Dimensions }
func (e *LocalVisionEmbedder) Model() string   { return e.config.Model }

// RemoteVisionEmbedder implements Embedder against a hosted,
// API-key-authenticated embeddings API, adapted from the teacher's
// OpenAIEmbedder: true batch requests, one HTTP call per EmbedBatch.
type RemoteVisionEmbedder struct {
	config *Config
	client *http.Client
}

// NewRemoteVisionEmbedder constructs a RemoteVisionEmbedder. If config is
// nil, DefaultRemoteConfig("") is used (Embed/EmbedBatch will fail without
// an API key).
func NewRemoteVisionEmbedder(config *Config) *RemoteVisionEmbedder {
	if config == nil {
		config = DefaultRemoteConfig("")
	}
	return &RemoteVisionEmbedder{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type remoteRequest struct {
	Model  string   `json:"model"`
	Images []string `json:"images"`
}

type remoteResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed embeds a single image via EmbedBatch with a one-element slice.
func (e *RemoteVisionEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []image.Image{img})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch embeds all images in a single API call.
func (e *RemoteVisionEmbedder) EmbedBatch(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	encoded := make([]string, len(imgs))
	for i, img := range imgs {
		enc, err := encodeImage(img)
		if err != nil {
			return nil, fmt.Errorf("encoding image %d: %w", i, err)
		}
		encoded[i] = enc
	}

	body, err := json.Marshal(remoteRequest{Model: e.config.Model, Images: encoded})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote embedder returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	results := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		results[d.Index] = d.Embedding
	}
	return results, nil
}

func (e *RemoteVisionEmbedder) Dimensions() int { return e.config.Dimensions }
func (e *RemoteVisionEmbedder) Model() string   { return e.config.Model }

// NewEmbedder selects a provider by config.Provider ("local" or "remote").
func NewEmbedder(config *Config) (Embedder, error) {
	switch config.Provider {
	case "local":
		return NewLocalVisionEmbedder(config), nil
	case "remote":
		if config.APIKey == "" {
			return nil, fmt.Errorf("remote embedder requires an API key")
		}
		return NewRemoteVisionEmbedder(config), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", config.Provider)
	}
}
