package session

import (
	"strings"
	"testing"

	"github.com/cadenzahq/cadenza/internal/agent"
)

func TestNewLLMRequiresCredential(t *testing.T) {
	profile := agent.ModelProfile{LLMProvider: "groq", LLMModel: "llama-3.3-70b-versatile"}

	if _, err := NewLLM(profile, Keys{}); err == nil {
		t.Fatal("expected error without a groq credential")
	} else if !strings.Contains(err.Error(), "groq") {
		t.Errorf("error should name the provider, got %v", err)
	}

	if _, err := NewLLM(profile, Keys{"groq": ""}); err == nil {
		t.Fatal("empty credential should be treated as missing")
	}
}

func TestNewLLMClosedProviderSet(t *testing.T) {
	profile := agent.ModelProfile{LLMProvider: "homegrown", LLMModel: "m"}
	if _, err := NewLLM(profile, Keys{"homegrown": "key"}); err == nil {
		t.Fatal("unknown llm provider should be rejected")
	}
}

func TestNewLLMProvisionsKnownProviders(t *testing.T) {
	for _, provider := range []string{"groq", "openai", "anthropic", "cerebras"} {
		p, err := NewLLM(
			agent.ModelProfile{LLMProvider: provider, LLMModel: "some-model"},
			Keys{provider: "sk-test"},
		)
		if err != nil {
			t.Errorf("%s: %v", provider, err)
			continue
		}
		if p == nil {
			t.Errorf("%s: nil provider", provider)
		}
	}
}

func TestNewEmbedderClosedProviderSet(t *testing.T) {
	profile := agent.EmbeddingProfile{Provider: "word2vec", Model: "m", Dim: 4}
	if _, err := NewEmbedder(profile, Keys{}, ""); err == nil {
		t.Fatal("unknown embedding provider should be rejected")
	}
}

func TestNewEmbedderDimensionMismatch(t *testing.T) {
	profile := agent.EmbeddingProfile{
		Provider: "openai",
		Model:    "text-embedding-3-small",
		Dim:      999,
	}
	_, err := NewEmbedder(profile, Keys{"openai": "sk-test"}, "")
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if !strings.Contains(err.Error(), "999") {
		t.Errorf("error should state the declared dimension, got %v", err)
	}
}

func TestNewEmbedderLocalProfileCarriesReranker(t *testing.T) {
	profile := agent.EmbeddingProfile{Provider: "local-bge", Model: "bge-large-en-v1.5", Dim: 1024}

	g, err := NewEmbedder(profile, Keys{}, "http://localhost:8090")
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	if !g.Reranks() {
		t.Error("local-bge gateway should rerank")
	}

	hosted := agent.EmbeddingProfile{Provider: "openai", Model: "text-embedding-3-small", Dim: 1536}
	h, err := NewEmbedder(hosted, Keys{"openai": "sk-test"}, "")
	if err != nil {
		t.Fatalf("NewEmbedder hosted: %v", err)
	}
	if h.Reranks() {
		t.Error("hosted gateway should not rerank")
	}
}
