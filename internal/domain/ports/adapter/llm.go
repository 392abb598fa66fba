package adapter

import (
	"context"
	"encoding/json"

	"chat-context-service/internal/domain/model"
)

// Message is the flattened form handed to an LLM provider.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant" | "tool"
	Content string `json:"content"`
	// ToolCallID ties a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls replays an assistant turn that requested tools.
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object for the arguments.
	Parameters json.RawMessage
}

// ToolInvocation is one tool call requested by the model.
type ToolInvocation struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Final is the stream's terminating marker.
type Final struct {
	FinishReason string
	ToolCalls    []ToolInvocation
	Usage        *model.TokenUsage
}

// LLMAdapter is the port for streamed chat completion. Stream invokes
// onDelta for every text delta in arrival order and returns the finish
// marker. Implementations fill Usage when the provider reports it or a
// local estimate is available.
type LLMAdapter interface {
	ListModels(ctx context.Context) ([]string, error)
	Stream(ctx context.Context, modelID string, messages []Message, tools []ToolSpec, onDelta func(delta string) error) (*Final, error)
}
