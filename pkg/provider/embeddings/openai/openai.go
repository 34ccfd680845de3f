// Package openai implements the embeddings provider for the OpenAI API.
// It also serves OpenAI-compatible endpoints such as SiliconFlow when given
// a base URL override.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
)

// DefaultModel is used when the agent's profile leaves the model blank.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// fallbackDimensions covers models we don't recognise.
const fallbackDimensions = 1536

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls the OpenAI embeddings endpoint.
type Provider struct {
	client oai.Client
	model  string
	dims   int
}

// Option configures [New].
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(ro *[]option.RequestOption) {
		*ro = append(*ro, option.WithBaseURL(url))
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(ro *[]option.RequestOption) {
		*ro = append(*ro, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New builds a Provider for model, defaulting to [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		dims:   dimensionsFor(model),
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return narrow(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// Place each vector by its response index, not its slice position.
	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(out) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		out[e.Index] = narrow(e.Embedding)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

var knownDimensions = []struct {
	substr string
	dims   int
}{
	{"text-embedding-3-large", 3072},
	{"text-embedding-3-small", 1536},
	{"text-embedding-ada-002", 1536},
	{"bge-large", 1024},
	{"bge-m3", 1024},
}

func dimensionsFor(model string) int {
	lower := strings.ToLower(model)
	for _, k := range knownDimensions {
		if strings.Contains(lower, k.substr) {
			return k.dims
		}
	}
	return fallbackDimensions
}

// narrow converts the API's float64 vectors to the storage width.
func narrow(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
