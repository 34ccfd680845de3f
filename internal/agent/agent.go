// Package agent implements the agent registry: resolution of agent
// definitions from a tenant's data plane, profile validation against the
// recognised provider sets, and a short-TTL cache with explicit
// invalidation for admin writes.
package agent

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cadenzahq/cadenza/pkg/convo"
)

// Agent is one tenant-scoped agent definition. Agents are unique on
// (tenant, slug) and exactly one agent per tenant may be the default.
type Agent struct {
	ID          string
	TenantID    string
	Slug        string
	DisplayName string

	// SystemPrompt is the base prompt the context assembler builds on.
	SystemPrompt string

	Model     ModelProfile
	Embedding EmbeddingProfile

	// Tools lists the tool IDs this agent may call.
	Tools []string

	Defaults Defaults

	// Default marks the tenant's fallback agent.
	Default bool
}

// ModelProfile selects the LLM and voice models for an agent. Providers are
// drawn from closed sets; unknown providers fail [Agent.Validate].
type ModelProfile struct {
	LLMProvider string `json:"llm_provider"`
	LLMModel    string `json:"llm_model"`
	STTProvider string `json:"stt_provider"`
	STTModel    string `json:"stt_model"`
	TTSProvider string `json:"tts_provider"`
	TTSVoice    string `json:"tts_voice"`
}

// EmbeddingProfile selects the embedding model used for recall and
// knowledge retrieval. Dim must match the tenant store's vector columns.
type EmbeddingProfile struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Dim      int    `json:"dim"`
}

// Defaults holds per-agent tuning knobs.
type Defaults struct {
	// MaxContextTokens bounds the assembled prompt. Zero means no bound.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`

	// Retrieval overrides the global recall defaults when set.
	Retrieval *convo.RetrievalDefaults `json:"retrieval,omitempty"`
}

// Retrieval returns the agent's effective retrieval settings.
func (a *Agent) Retrieval() convo.RetrievalDefaults {
	if a.Defaults.Retrieval != nil {
		return *a.Defaults.Retrieval
	}
	return convo.DefaultRetrieval()
}

// Recognised provider sets. Resolution of an agent whose profile names a
// provider outside these sets fails rather than deferring the error to the
// first provider call.
var (
	llmProviders   = []string{"groq", "openai", "cerebras", "anthropic"}
	sttProviders   = []string{"deepgram", "cartesia"}
	ttsProviders   = []string{"cartesia", "elevenlabs"}
	embedProviders = []string{"siliconflow", "local-bge", "openai"}
	embedDims      = []int{384, 768, 1024, 1536}
)

// Validate checks the agent's profiles against the recognised provider sets.
func (a *Agent) Validate() error {
	if a.Slug == "" {
		return fmt.Errorf("agent: slug is required")
	}
	if !slices.Contains(llmProviders, a.Model.LLMProvider) {
		return fmt.Errorf("agent %q: unknown llm provider %q", a.Slug, a.Model.LLMProvider)
	}
	if a.Model.STTProvider != "" && !slices.Contains(sttProviders, a.Model.STTProvider) {
		return fmt.Errorf("agent %q: unknown stt provider %q", a.Slug, a.Model.STTProvider)
	}
	if a.Model.TTSProvider != "" && !slices.Contains(ttsProviders, a.Model.TTSProvider) {
		return fmt.Errorf("agent %q: unknown tts provider %q", a.Slug, a.Model.TTSProvider)
	}
	if !slices.Contains(embedProviders, a.Embedding.Provider) {
		return fmt.Errorf("agent %q: unknown embedding provider %q", a.Slug, a.Embedding.Provider)
	}
	if !slices.Contains(embedDims, a.Embedding.Dim) {
		return fmt.Errorf("agent %q: unsupported embedding dim %d", a.Slug, a.Embedding.Dim)
	}
	return nil
}

// DefinitionStore reads agent definitions from one tenant's data plane.
type DefinitionStore interface {
	// BySlug finds an agent by slug. Returns (nil, nil) when no agent
	// matches.
	BySlug(ctx context.Context, slug string) (*Agent, error)

	// Default returns the tenant's default agent, or (nil, nil) when none
	// is marked.
	Default(ctx context.Context) (*Agent, error)

	// List returns all agents of the tenant, ordered by slug.
	List(ctx context.Context) ([]Agent, error)
}

// resolveTTL is how long a cached agent resolution stays fresh. Admin
// writes call [Registry.Invalidate] for immediate effect.
const resolveTTL = 30 * time.Second
