package embedgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/resilience"
	"github.com/cadenzahq/cadenza/pkg/provider/embeddings/mock"
)

// countingProvider embeds deterministically and records batch sizes.
type countingProvider struct {
	mu      sync.Mutex
	batches [][]string
	fails   int // fail this many calls before succeeding
	dim     int
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.batches = append(p.batches, cp)
	if p.fails > 0 {
		p.fails--
		return nil, errors.New("backend overloaded")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, p.dim)
		vec[0] = float32(len(texts[i]))
		out[i] = vec
	}
	return out, nil
}

func (p *countingProvider) Dimensions() int { return p.dim }
func (p *countingProvider) ModelID() string { return "test-embed" }

func fastGateway(p *countingProvider, opts ...Option) *Gateway {
	all := append([]Option{WithRetry(resilience.RetryConfig{
		Attempts:  4,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})}, opts...)
	return New(p, all...)
}

func TestEmbed_CachesByText(t *testing.T) {
	p := &countingProvider{dim: 4}
	var hits, misses int
	g := fastGateway(p, WithCacheHooks(func() { hits++ }, func() { misses++ }))

	for range 3 {
		vec, err := g.Embed(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if len(vec) != 4 {
			t.Fatalf("got dim %d, want 4", len(vec))
		}
	}

	if len(p.batches) != 1 {
		t.Errorf("backend called %d times, want 1", len(p.batches))
	}
	if hits != 2 || misses != 1 {
		t.Errorf("got %d hits / %d misses, want 2 / 1", hits, misses)
	}
}

func TestWithCacheSize_BoundsCapacity(t *testing.T) {
	p := &countingProvider{dim: 4}
	g := fastGateway(p, WithCacheSize(1))

	ctx := context.Background()
	for _, text := range []string{"first", "second", "first"} {
		if _, err := g.Embed(ctx, text); err != nil {
			t.Fatalf("Embed %q: %v", text, err)
		}
	}

	// A one-entry cache evicts "first" when "second" lands, so the third
	// call goes back to the backend.
	if len(p.batches) != 3 {
		t.Errorf("backend called %d times, want 3", len(p.batches))
	}
}

func TestGatewayRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := &countingProvider{dim: 4}
	g := fastGateway(p, WithMetrics(m))

	ctx := context.Background()
	if _, err := g.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := g.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed cached: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			got[metric.Name] = metric
		}
	}

	counter := func(name string) int64 {
		sum, ok := got[name].Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("%s not recorded", name)
		}
		var total int64
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
		return total
	}
	if v := counter("cadenza.embed.cache_misses"); v != 1 {
		t.Errorf("cache misses = %d, want 1", v)
	}
	if v := counter("cadenza.embed.cache_hits"); v != 1 {
		t.Errorf("cache hits = %d, want 1", v)
	}

	hist, ok := got["cadenza.embed.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("embed duration not recorded")
	}
	var calls uint64
	for _, dp := range hist.DataPoints {
		calls += dp.Count
	}
	if calls != 1 {
		t.Errorf("embed calls recorded = %d, want 1", calls)
	}
}

func TestEmbedBatch_SplitsLargeBatches(t *testing.T) {
	p := &countingProvider{dim: 4}
	g := fastGateway(p)

	texts := make([]string, 70)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%02d", i)
	}

	vecs, err := g.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 70 {
		t.Fatalf("got %d vectors, want 70", len(vecs))
	}

	// 70 misses split at 32 → batches of 32, 32, 6.
	if len(p.batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(p.batches))
	}
	for i, want := range []int{32, 32, 6} {
		if len(p.batches[i]) != want {
			t.Errorf("batch %d has %d texts, want %d", i, len(p.batches[i]), want)
		}
	}
}

func TestEmbedBatch_MixedCacheServesMissesOnly(t *testing.T) {
	p := &countingProvider{dim: 4}
	g := fastGateway(p)

	if _, err := g.Embed(context.Background(), "cached"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	vecs, err := g.EmbedBatch(context.Background(), []string{"fresh-a", "cached", "fresh-b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}

	last := p.batches[len(p.batches)-1]
	if len(last) != 2 || last[0] != "fresh-a" || last[1] != "fresh-b" {
		t.Errorf("backend saw %v, want only the two misses", last)
	}
}

func TestEmbed_RetriesTransientFailures(t *testing.T) {
	p := &countingProvider{dim: 4, fails: 2}
	g := fastGateway(p)

	if _, err := g.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed should succeed after retries: %v", err)
	}
	if len(p.batches) != 3 {
		t.Errorf("backend called %d times, want 3", len(p.batches))
	}
}

func TestEmbed_ExhaustedRetriesFail(t *testing.T) {
	p := &countingProvider{dim: 4, fails: 10}
	g := fastGateway(p)

	if _, err := g.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	m := &mock.Provider{
		EmbedBatchResult: [][]float32{{0.1, 0.2}},
		DimensionsValue:  4,
		ModelIDValue:     "test-embed",
	}
	g := New(m)

	if _, err := g.EmbedBatch(context.Background(), []string{"hello"}); err == nil {
		t.Fatal("expected error for wrong vector dimension")
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	m := &mock.Provider{
		EmbedBatchResult: [][]float32{{0, 0, 0, 0}, {0, 0, 0, 0}},
		DimensionsValue:  4,
		ModelIDValue:     "test-embed",
	}
	g := New(m)

	if _, err := g.EmbedBatch(context.Background(), []string{"only-one"}); err == nil {
		t.Fatal("expected error for wrong vector count")
	}
}

func TestRerank_TruncatesDocList(t *testing.T) {
	scores := make([]float64, maxRerankDocs)
	m := &mock.Provider{RerankResult: scores}
	g := New(&countingProvider{dim: 4}, WithReranker(m))

	docs := make([]string, maxRerankDocs+20)
	for i := range docs {
		docs[i] = fmt.Sprintf("doc-%d", i)
	}

	got, err := g.Rerank(context.Background(), "query", docs)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != maxRerankDocs {
		t.Errorf("got %d scores, want %d", len(got), maxRerankDocs)
	}
	if len(m.RerankCalls) != 1 || len(m.RerankCalls[0].Docs) != maxRerankDocs {
		t.Errorf("backend saw %d docs, want %d", len(m.RerankCalls[0].Docs), maxRerankDocs)
	}
}

func TestRerank_NoRerankerConfigured(t *testing.T) {
	g := New(&countingProvider{dim: 4})
	if _, err := g.Rerank(context.Background(), "q", []string{"d"}); err == nil {
		t.Fatal("expected error without a reranker")
	}
}
