// Package session provisions per-session provider clients from an agent's
// profiles and a tenant's credentials. Both the inline text path and the
// voice worker build their LLM and embedding stacks through it, so the
// closed provider sets are enforced in exactly one place.
package session

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/embedgw"
	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
	openaiemb "github.com/cadenzahq/cadenza/pkg/provider/embeddings/openai"
	"github.com/cadenzahq/cadenza/pkg/provider/embeddings/sidecar"
	"github.com/cadenzahq/cadenza/pkg/provider/llm"
	"github.com/cadenzahq/cadenza/pkg/provider/llm/anyllm"
	llmopenai "github.com/cadenzahq/cadenza/pkg/provider/llm/openai"
)

// SiliconFlowBaseURL is the OpenAI-compatible endpoint of the SiliconFlow
// embedding API.
const SiliconFlowBaseURL = "https://api.siliconflow.cn/v1"

// Keys maps provider names to API secrets, as carried by a tenant snapshot
// or a dispatch profile.
type Keys map[string]string

func (k Keys) get(provider string) (string, error) {
	v, ok := k[provider]
	if !ok || v == "" {
		return "", fmt.Errorf("session: no credential for provider %q", provider)
	}
	return v, nil
}

// NewLLM builds the completion client for a model profile.
func NewLLM(profile agent.ModelProfile, keys Keys) (llm.Provider, error) {
	key, err := keys.get(profile.LLMProvider)
	if err != nil {
		return nil, err
	}
	switch profile.LLMProvider {
	case "groq":
		return anyllm.NewGroq(profile.LLMModel, anyllmlib.WithAPIKey(key))
	case "openai":
		// Native SDK rather than the any-llm backend: tool-call streaming
		// needs the SDK's fragment indices.
		return llmopenai.New(key, profile.LLMModel)
	case "anthropic":
		return anyllm.NewAnthropic(profile.LLMModel, anyllmlib.WithAPIKey(key))
	case "cerebras":
		return anyllm.NewCerebras(profile.LLMModel, key)
	default:
		return nil, fmt.Errorf("session: unsupported llm provider %q", profile.LLMProvider)
	}
}

// NewEmbedder builds the embedding gateway for an embedding profile. The
// local-bge profile runs against the sidecar at sidecarURL and also carries
// a reranker; the hosted profiles have none.
//
// The gateway's dimensionality must match the profile; a mismatch is an
// error here rather than at first use.
func NewEmbedder(profile agent.EmbeddingProfile, keys Keys, sidecarURL string, opts ...embedgw.Option) (*embedgw.Gateway, error) {
	var (
		provider embeddings.Provider
		reranker embeddings.Reranker
	)
	switch profile.Provider {
	case "local-bge":
		p, err := sidecar.New(sidecarURL, profile.Model, sidecar.WithDimensions(profile.Dim))
		if err != nil {
			return nil, fmt.Errorf("session: sidecar embedder: %w", err)
		}
		provider, reranker = p, p
	case "siliconflow":
		key, err := keys.get(profile.Provider)
		if err != nil {
			return nil, err
		}
		p, err := openaiemb.New(key, profile.Model, openaiemb.WithBaseURL(SiliconFlowBaseURL))
		if err != nil {
			return nil, fmt.Errorf("session: siliconflow embedder: %w", err)
		}
		provider = p
	case "openai":
		key, err := keys.get(profile.Provider)
		if err != nil {
			return nil, err
		}
		p, err := openaiemb.New(key, profile.Model)
		if err != nil {
			return nil, fmt.Errorf("session: openai embedder: %w", err)
		}
		provider = p
	default:
		return nil, fmt.Errorf("session: unsupported embedding provider %q", profile.Provider)
	}

	if got := provider.Dimensions(); got != 0 && profile.Dim != 0 && got != profile.Dim {
		return nil, fmt.Errorf("session: embedding model %s produces %d dimensions, profile declares %d",
			profile.Model, got, profile.Dim)
	}

	if reranker != nil {
		opts = append([]embedgw.Option{embedgw.WithReranker(reranker)}, opts...)
	}
	return embedgw.New(provider, opts...), nil
}
