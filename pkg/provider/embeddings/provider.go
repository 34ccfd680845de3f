// Package embeddings defines the Provider and Reranker interfaces for vector
// embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense
// float32 vectors (e.g. OpenAI text-embedding-3, SiliconFlow BGE-M3, or a
// local BGE sidecar). The vectors drive semantic conversation recall and
// knowledge retrieval; a reranker refines retrieval candidates with a
// cross-encoder score.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Callers must not mix vectors from
// different Provider instances in the same similarity computation unless both
// use the same model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled. The input passes through verbatim; any
	// model-specific prefixing is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single backend
	// call. The returned slice has the same length as texts, with the i-th
	// element corresponding to texts[i]. Partial results are never
	// returned; on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, useful for
	// logging and cache keying.
	ModelID() string
}

// Reranker scores documents against a query with a cross-encoder. Higher
// scores mean more relevant. The returned slice has the same length as docs,
// with scores[i] corresponding to docs[i].
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}
