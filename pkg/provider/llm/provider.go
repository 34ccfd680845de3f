// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (e.g. Groq, OpenAI, Cerebras,
// Anthropic) and exposes a uniform interface for agent responders to perform
// completions, count tokens, and inspect model capabilities without coupling
// to any specific SDK. Voice workers stream completions into TTS; the text
// responder uses the blocking Complete call.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages
	// and system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the
	// provider default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history. For voice
	// and text sessions this is the enhanced prompt produced by context
	// assembly. Providers without a dedicated system slot should prepend it
	// as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content. May be empty if the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk. Common values are "stop",
	// "length", "tool_calls", and "" for non-final chunks. The value
	// "error" signals a mid-stream failure, with Text holding the message.
	FinishReason string

	// ToolCalls contains any tool invocations the model is requesting.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The channel is closed
	// when generation finishes or ctx is cancelled. Callers must drain the
	// channel. Errors after the stream opens surface as a Chunk with
	// FinishReason "error"; the error return is non-nil only when the
	// stream cannot start at all.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. Used to enforce context budgets before a
	// request is sent; the result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider instance.
	Capabilities() ModelCapabilities
}
