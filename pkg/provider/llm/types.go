package llm

// Message is one entry in a completion's conversation history.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string

	// Content is the message text.
	Content string

	// Name optionally labels the speaker in multi-participant histories.
	Name string

	// ToolCalls holds tool invocations an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" message back to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for the call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument payload.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name uniquely identifies the tool.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON Schema for the tool's arguments.
	Parameters map[string]any
}

// ModelCapabilities reports what a model supports, for request shaping.
type ModelCapabilities struct {
	// ContextWindow is the combined input and output token limit.
	ContextWindow int

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int

	// SupportsToolCalling is true for models with native tool calling.
	SupportsToolCalling bool

	// SupportsVision is true for models that accept image input.
	SupportsVision bool

	// SupportsStreaming is true for models that stream completions.
	SupportsStreaming bool
}
