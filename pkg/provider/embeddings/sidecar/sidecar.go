// Package sidecar provides an embeddings provider and reranker backed by an
// inference sidecar serving BGE-family models.
//
// The sidecar exposes two endpoints:
//
//	POST /embed  {"model": "...", "inputs": ["..."]}  → {"vectors": [[...]]}
//	POST /rerank {"model": "...", "query": "...", "docs": ["..."]} → {"scores": [...]}
//
// This is the backend behind the "local-bge" and "siliconflow" embedding
// profiles (the latter through a gateway deployment of the same shape).
//
// Example:
//
//	p, err := sidecar.New("", "bge-m3") // connects to http://localhost:8108
//	vec, err := p.Embed(ctx, "query: opening hours")
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running sidecar.
const DefaultBaseURL = "http://localhost:8108"

// Ensure Provider implements both contracts at compile time.
var (
	_ embeddings.Provider = (*Provider)(nil)
	_ embeddings.Reranker = (*Provider)(nil)
)

// Provider implements embeddings.Provider and embeddings.Reranker against an
// inference sidecar.
//
// Dimension resolution happens in this order:
//  1. Value supplied via WithDimensions (highest priority).
//  2. Look-up in the built-in table for recognised BGE model names.
//  3. Auto-detection: a single probe embed is issued on the first Dimensions
//     call and the vector length is cached for the Provider's lifetime.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL     string
	model       string
	rerankModel string
	httpClient  *http.Client

	// dimensions holds the resolved vector length. When zero after
	// construction it is populated lazily by detectOnce.
	dimensions int
	detectOnce sync.Once
	detectErr  error
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout     time.Duration
	dimensions  int
	rerankModel string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying client.
// A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pre-sets the embedding dimension, bypassing the look-up
// table and avoiding the probe request Dimensions() would otherwise issue for
// unknown models.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// WithRerankModel sets the model used for /rerank calls. Defaults to
// "bge-reranker-v2-m3".
func WithRerankModel(model string) Option {
	return func(c *config) {
		c.rerankModel = model
	}
}

// New constructs a sidecar Provider.
//
// baseURL is the base URL of the sidecar; if empty, DefaultBaseURL is used.
// model is the embedding model name (e.g. "bge-m3") and must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("sidecar embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{rerankModel: "bge-reranker-v2-m3"}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	p := &Provider{
		baseURL:     baseURL,
		model:       model,
		rerankModel: cfg.rerankModel,
		httpClient:  httpClient,
		dimensions:  cfg.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = knownDimensions(model)
	}
	return p, nil
}

// embedRequest is the JSON request body for the /embed endpoint.
type embedRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

// embedResponse is the JSON response body from the /embed endpoint.
type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// rerankRequest is the JSON request body for the /rerank endpoint.
type rerankRequest struct {
	Model string   `json:"model"`
	Query string   `json:"query"`
	Docs  []string `json:"docs"`
}

// rerankResponse is the JSON response body from the /rerank endpoint.
type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.callEmbed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("sidecar embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("sidecar embeddings: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Passing an empty texts slice
// returns (nil, nil) without issuing a request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.callEmbed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("sidecar embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("sidecar embeddings: embed batch: expected %d vectors, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Rerank implements embeddings.Reranker. Passing an empty docs slice returns
// (nil, nil) without issuing a request.
func (p *Provider) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{
		Model: p.rerankModel,
		Query: query,
		Docs:  docs,
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar rerank: marshal request: %w", err)
	}

	var result rerankResponse
	if err := p.post(ctx, "/rerank", body, &result); err != nil {
		return nil, fmt.Errorf("sidecar rerank: %w", err)
	}
	if len(result.Scores) != len(docs) {
		return nil, fmt.Errorf("sidecar rerank: expected %d scores, got %d", len(docs), len(result.Scores))
	}
	return result.Scores, nil
}

// Dimensions implements embeddings.Provider.
//
// The value is resolved from the explicit option, then the built-in table,
// then a one-time probe against the live sidecar. If the probe fails, 0 is
// returned.
func (p *Provider) Dimensions() int {
	if p.dimensions != 0 {
		return p.dimensions
	}
	p.detectOnce.Do(func() {
		vecs, err := p.callEmbed(context.Background(), []string{"probe"})
		if err != nil {
			p.detectErr = err
			return
		}
		if len(vecs) > 0 {
			p.dimensions = len(vecs[0])
		}
	})
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// callEmbed sends a POST /embed request and returns the raw vectors.
func (p *Provider) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model:  p.model,
		Inputs: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var result embedResponse
	if err := p.post(ctx, "/embed", body, &result); err != nil {
		return nil, err
	}
	if len(result.Vectors) == 0 {
		return nil, fmt.Errorf("empty vectors in response")
	}
	return result.Vectors, nil
}

// post issues one JSON request against the sidecar and decodes into out.
func (p *Provider) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// knownDimensions returns the well-known output dimension for recognised BGE
// model names. Returns 0 for unknown models, which triggers auto-detection on
// the first Dimensions() call.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "bge-m3"):
		return 1024
	case strings.Contains(lower, "bge-large"):
		return 1024
	case strings.Contains(lower, "bge-base"):
		return 768
	case strings.Contains(lower, "bge-small"):
		return 384
	default:
		return 0 // probed on first Dimensions() call
	}
}
