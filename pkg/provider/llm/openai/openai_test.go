package openai

import (
	"strings"
	"testing"

	"github.com/cadenzahq/cadenza/pkg/provider/llm"
)

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("http://localhost:1234"), WithTimeout(0)); err != nil {
		t.Errorf("New with options: %v", err)
	}
}

func TestMessageParamRoles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant", "tool"} {
		m := llm.Message{Role: role, Content: "hi", ToolCallID: "call_1"}
		if _, err := messageParam(m); err != nil {
			t.Errorf("role %q: %v", role, err)
		}
	}

	if _, err := messageParam(llm.Message{Role: "narrator", Content: "hi"}); err == nil {
		t.Error("expected error for unknown role")
	} else if !strings.Contains(err.Error(), "narrator") {
		t.Errorf("error should name the role, got %v", err)
	}
}

func TestMessageParamAssistantToolCalls(t *testing.T) {
	m := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "lookup", Arguments: `{"q":"hours"}`},
		},
	}
	union, err := messageParam(m)
	if err != nil {
		t.Fatalf("messageParam: %v", err)
	}
	asst := union.OfAssistant
	if asst == nil {
		t.Fatal("expected assistant variant")
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls not carried over: %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("function name = %q", asst.ToolCalls[0].Function.Name)
	}
}

func TestRequestParamsSystemPromptLeads(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.requestParams(llm.CompletionRequest{
		SystemPrompt: "You are a booking agent.",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("requestParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("MaxCompletionTokens = %+v, want 128", params.MaxCompletionTokens)
	}
}

func TestToolCallAssembler(t *testing.T) {
	var a toolCallAssembler
	if a.assembled() != nil {
		t.Fatal("empty assembler should yield nil")
	}

	// Fragments arrive interleaved across two indices.
	a.absorb(0, "call_a", "lookup", `{"q":`)
	a.absorb(1, "call_b", "book", `{}`)
	a.absorb(0, "", "", `"hours"}`)

	calls := a.assembled()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Arguments != `{"q":"hours"}` {
		t.Errorf("arguments not accumulated: %q", calls[0].Arguments)
	}
	if calls[1].ID != "call_b" || calls[1].Name != "book" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestCapabilitiesFor(t *testing.T) {
	for _, tc := range []struct {
		model       string
		wantContext int
		wantOutput  int
		wantTools   bool
	}{
		{"gpt-4o", 128_000, 16_384, true},
		{"gpt-4o-mini", 128_000, 16_384, true},
		{"gpt-4.1-mini", 1_047_576, 32_768, true},
		{"o1-mini", 128_000, 65_536, false},
		{"o3", 200_000, 100_000, true},
		{"some-future-model", 128_000, 4_096, true},
	} {
		caps := capabilitiesFor(tc.model)
		if caps.ContextWindow != tc.wantContext {
			t.Errorf("%s: context window = %d, want %d", tc.model, caps.ContextWindow, tc.wantContext)
		}
		if caps.MaxOutputTokens != tc.wantOutput {
			t.Errorf("%s: max output = %d, want %d", tc.model, caps.MaxOutputTokens, tc.wantOutput)
		}
		if caps.SupportsToolCalling != tc.wantTools {
			t.Errorf("%s: tool calling = %v, want %v", tc.model, caps.SupportsToolCalling, tc.wantTools)
		}
		if !caps.SupportsStreaming {
			t.Errorf("%s: streaming should always be supported", tc.model)
		}
	}
}

func TestCountTokensEstimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}

	n, err := p.CountTokens([]llm.Message{{Role: "user", Content: strings.Repeat("a", 400)}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	// 400 chars ≈ 100 tokens plus per-message overhead.
	if n < 100 || n > 110 {
		t.Errorf("estimate = %d, want roughly 104", n)
	}

	zero, err := p.CountTokens(nil)
	if err != nil || zero != 0 {
		t.Errorf("empty history = %d, %v", zero, err)
	}
}
