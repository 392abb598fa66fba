package adapter

import (
	"context"
	"encoding/json"
)

// ToolExecutor is the port for pluggable tool capabilities. The core only
// needs specs for the model, an approval requirement per tool, and a
// result payload to embed in a tool-result message.
type ToolExecutor interface {
	// List returns the specs of every available tool.
	List(ctx context.Context) []ToolSpec

	// RequiresApproval reports whether the named tool needs explicit user
	// approval before execution. Unknown tools require approval.
	RequiresApproval(name string) bool

	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}
