// Package mock is an in-memory test double for the embeddings.Provider and
// embeddings.Reranker interfaces. Configure the response fields up front,
// run the code under test, then inspect the recorded calls.
package mock

import (
	"context"
	"sync"

	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
)

var (
	_ embeddings.Provider = (*Provider)(nil)
	_ embeddings.Reranker = (*Provider)(nil)
)

// RerankCall is one recorded Rerank invocation.
type RerankCall struct {
	Query string
	Docs  []string
}

// Provider answers embedding and rerank calls with canned values. The zero
// value returns empty vectors and nil errors. Safe for concurrent use once
// configured; don't mutate the response fields mid-test.
type Provider struct {
	// EmbedResult and EmbedErr are returned by Embed. A nil EmbedResult
	// comes back as an empty vector.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult and EmbedBatchErr are returned by EmbedBatch. A nil
	// EmbedBatchResult comes back as one nil vector per input text.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	// RerankResult and RerankErr are returned by Rerank.
	RerankResult []float64
	RerankErr    error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	mu sync.Mutex

	// EmbedCalls, EmbedBatchCalls, and RerankCalls record invocations in
	// order. Read them after the code under test has finished.
	EmbedCalls      []string
	EmbedBatchCalls [][]string
	RerankCalls     []RerankCall
}

// Embed records text and returns the canned vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedResult == nil {
		return []float32{}, nil
	}
	return p.EmbedResult, nil
}

// EmbedBatch records a copy of texts and returns the canned vectors.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, append([]string(nil), texts...))
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult == nil {
		return make([][]float32, len(texts)), nil
	}
	return p.EmbedBatchResult, nil
}

// Rerank records the call and returns the canned scores.
func (p *Provider) Rerank(_ context.Context, query string, docs []string) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RerankCalls = append(p.RerankCalls, RerankCall{
		Query: query,
		Docs:  append([]string(nil), docs...),
	})
	return p.RerankResult, p.RerankErr
}

// Dimensions returns the canned dimension count.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns the canned model identifier.
func (p *Provider) ModelID() string { return p.ModelIDValue }
