package anyllm

import (
	"testing"

	"github.com/cadenzahq/cadenza/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role    string
		content string
	}{
		{"system", "You are a hotel concierge."},
		{"user", "What time is checkout?"},
		{"assistant", "Checkout is at 11am."},
	}
	for _, tc := range tests {
		got := convertMessage(llm.Message{Role: tc.role, Content: tc.content})
		if got.Role != tc.role {
			t.Errorf("role: got %q, want %q", got.Role, tc.role)
		}
		if got.ContentString() != tc.content {
			t.Errorf("content: got %q, want %q", got.ContentString(), tc.content)
		}
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "check_availability", Arguments: `{"date":"2026-03-01"}`},
		},
	}
	got := convertMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "check_availability" {
		t.Errorf("tool call: got %+v", tc)
	}
	if tc.Function.Arguments != `{"date":"2026-03-01"}` {
		t.Errorf("arguments: got %q", tc.Function.Arguments)
	}
}

func TestConvertMessage_ToolResponse(t *testing.T) {
	m := llm.Message{Role: "tool", Content: `{"available":true}`, ToolCallID: "call_1"}
	got := convertMessage(m)
	if got.Role != "tool" {
		t.Errorf("role: got %q, want tool", got.Role)
	}
	if got.ToolCallID != "call_1" {
		t.Errorf("tool call id: got %q, want call_1", got.ToolCallID)
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "llama-3.3-70b-versatile"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "enhanced prompt",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
	})
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("first message role: got %q, want system", params.Messages[0].Role)
	}
	if params.Model != "llama-3.3-70b-versatile" {
		t.Errorf("model: got %q", params.Model)
	}
}

func TestBuildParams_TuningKnobs(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature: got %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens: got %v, want 256", params.MaxTokens)
	}
}

func TestBuildParams_ZeroKnobsOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Errorf("temperature should be omitted, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("max tokens should be omitted, got %v", *params.MaxTokens)
	}
}

// ── capabilities & construction ───────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
		wantOutput  int
	}{
		{"llama-3.3-70b-versatile", 128_000, 32_768},
		{"llama-3.1-8b-instant", 128_000, 8_192},
		{"claude-sonnet-4-0", 200_000, 8_192},
		{"gpt-4o-mini", 128_000, 16_384},
		{"totally-unknown-model", 128_000, 4_096},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.wantContext {
			t.Errorf("%s: context window got %d, want %d", tc.model, caps.ContextWindow, tc.wantContext)
		}
		if caps.MaxOutputTokens != tc.wantOutput {
			t.Errorf("%s: max output got %d, want %d", tc.model, caps.MaxOutputTokens, tc.wantOutput)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "some-model"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("groq", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := createBackend("watsonx"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

func TestCountTokens_Approximation(t *testing.T) {
	p := &Provider{model: "llama-3.3-70b-versatile"}
	n, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "twelve chars"}, // 12 chars → 3 tokens + 4 overhead
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 7 {
		t.Errorf("got %d tokens, want 7", n)
	}
}
