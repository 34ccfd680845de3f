// Package embedgw implements the embedding and rerank gateway: a thin,
// resilient client over an embeddings backend that adds request caching,
// batch splitting, retries with jittered backoff, rate limiting, and strict
// shape validation.
//
// Every embedding consumer (context assembly, turn backfill, knowledge
// search) goes through a Gateway rather than a raw provider, so cache hits
// and retry behaviour are uniform across the system.
package embedgw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/resilience"
	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
)

const (
	// maxBatch is the largest slice forwarded to the backend in one call.
	maxBatch = 32

	// maxRerankDocs bounds a single rerank request; longer doc lists are
	// truncated before the call.
	maxRerankDocs = 100

	// DefaultCacheSize is the default embedding cache capacity.
	DefaultCacheSize = 10_000
)

// Gateway wraps one embeddings backend with caching and resilience. Create
// one Gateway per (provider, model) pair; the cache key includes both, so a
// shared cache across gateways stays correct.
type Gateway struct {
	provider embeddings.Provider
	reranker embeddings.Reranker

	cache   *lru.Cache[string, []float32]
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics

	// onCacheHit and onCacheMiss observe cache traffic. Either may be nil.
	onCacheHit  func()
	onCacheMiss func()
}

// Option is a functional option for [New].
type Option func(*Gateway)

// WithReranker attaches a reranker backend. Without one, Rerank returns an
// error.
func WithReranker(r embeddings.Reranker) Option {
	return func(g *Gateway) { g.reranker = r }
}

// WithCacheSize overrides [DefaultCacheSize].
func WithCacheSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.cache, _ = lru.New[string, []float32](n)
		}
	}
}

// WithRateLimit bounds outbound calls per second with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) { g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithCacheHooks installs cache hit/miss observers. Hooks must not block.
func WithCacheHooks(onHit, onMiss func()) Option {
	return func(g *Gateway) {
		g.onCacheHit = onHit
		g.onCacheMiss = onMiss
	}
}

// WithRetry overrides the default retry schedule (4 attempts, 250ms base
// delay, 4s cap).
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retry = cfg }
}

// WithMetrics overrides the instrument set recording cache outcomes and
// backend call latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a Gateway over the given provider.
func New(provider embeddings.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider: provider,
		retry: resilience.RetryConfig{
			Attempts:  4,
			BaseDelay: 250 * time.Millisecond,
			MaxDelay:  4 * time.Second,
		},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "embedgw:" + provider.ModelID(),
		}),
		metrics: observe.DefaultMetrics(),
	}
	g.cache, _ = lru.New[string, []float32](DefaultCacheSize)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Dimensions returns the backend's vector length.
func (g *Gateway) Dimensions() int { return g.provider.Dimensions() }

// ModelID returns the backend's model identifier.
func (g *Gateway) ModelID() string { return g.provider.ModelID() }

// Reranks reports whether a reranker backend is attached.
func (g *Gateway) Reranks() bool { return g.reranker != nil }

// cacheKey builds the cache key for one text. Provider identity and model
// are part of the key so vectors from different spaces never collide.
func (g *Gateway) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return g.provider.ModelID() + "|" + hex.EncodeToString(sum[:])
}

// Embed returns the embedding vector for text, serving from cache when
// possible.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns vectors for all texts, in order. Cached texts are
// served locally; the rest go to the backend in chunks of at most 32. The
// result is strictly validated: exactly one vector per text, each of the
// backend's declared dimension.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missIdx []int
	for i, text := range texts {
		if vec, ok := g.cache.Get(g.cacheKey(text)); ok {
			result[i] = vec
			g.metrics.RecordEmbedCacheHit(ctx, g.provider.ModelID())
			if g.onCacheHit != nil {
				g.onCacheHit()
			}
			continue
		}
		missIdx = append(missIdx, i)
		g.metrics.RecordEmbedCacheMiss(ctx, g.provider.ModelID())
		if g.onCacheMiss != nil {
			g.onCacheMiss()
		}
	}

	for start := 0; start < len(missIdx); start += maxBatch {
		end := min(start+maxBatch, len(missIdx))
		chunk := missIdx[start:end]

		chunkTexts := make([]string, len(chunk))
		for j, idx := range chunk {
			chunkTexts[j] = texts[idx]
		}

		vecs, err := g.callBatch(ctx, chunkTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range chunk {
			result[idx] = vecs[j]
			g.cache.Add(g.cacheKey(texts[idx]), vecs[j])
		}
	}

	return result, nil
}

// callBatch sends one backend request with retries and validates the shape
// of the response.
func (g *Gateway) callBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedgw: rate limit: %w", err)
		}
	}

	var vecs [][]float32
	start := time.Now()
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			var err error
			vecs, err = g.provider.EmbedBatch(ctx, texts)
			return err
		})
	})
	g.metrics.RecordEmbedCall(ctx, g.provider.ModelID(), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("embedgw: embed batch: %w", err)
	}

	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedgw: backend returned %d vectors for %d texts", len(vecs), len(texts))
	}
	want := g.provider.Dimensions()
	for i, v := range vecs {
		if want > 0 && len(v) != want {
			return nil, fmt.Errorf("embedgw: vector %d has dim %d, want %d", i, len(v), want)
		}
	}
	return vecs, nil
}

// Rerank scores docs against query with the attached reranker. Doc lists
// longer than 100 entries are truncated before the call; scores for the
// truncated tail are absent from the result.
func (g *Gateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if g.reranker == nil {
		return nil, fmt.Errorf("embedgw: no reranker configured")
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > maxRerankDocs {
		docs = docs[:maxRerankDocs]
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedgw: rate limit: %w", err)
		}
	}

	var scores []float64
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		var err error
		scores, err = g.reranker.Rerank(ctx, query, docs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedgw: rerank: %w", err)
	}
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("embedgw: backend returned %d scores for %d docs", len(scores), len(docs))
	}
	return scores, nil
}
