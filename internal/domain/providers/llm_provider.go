package providers

import "context"

// StructuredModel is an LLM invoked with a JSON-only response contract at low
// temperature. GenerateJSON returns the raw JSON text; callers parse and
// validate it.
type StructuredModel interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
	Healthy(ctx context.Context) error
}

// ToolCall is a function invocation requested by a chat model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolSpec declares a function the chat model may invoke. Parameters follow
// JSON-schema conventions: a property name mapped to {type, description}.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]ToolParam
	Required    []string
}

// ToolParam describes one declared tool parameter.
type ToolParam struct {
	Type        string
	Description string
}

// ToolInvoker executes a tool call on behalf of the model and returns the
// structured result handed back to it.
type ToolInvoker func(ctx context.Context, call ToolCall) (map[string]any, error)

// ChatRequest is one chat round: a system instruction, a pre-built context
// block, the user message, and the tools the model may call.
type ChatRequest struct {
	System  string
	Context string
	Message string
	Tools   []ToolSpec
}

// ChatModel answers a single chat round. When the model requests a declared
// tool, the implementation runs invoke at most once and feeds the result back
// before returning the final assistant text.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest, invoke ToolInvoker) (string, error)
}
