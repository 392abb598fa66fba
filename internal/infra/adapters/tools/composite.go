package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-context-service/internal/domain/ports/adapter"
)

// CompositeExecutor merges several executors into one tool surface.
// The first executor that knows a tool name wins.
type CompositeExecutor struct {
	executors []adapter.ToolExecutor
}

var _ adapter.ToolExecutor = (*CompositeExecutor)(nil)

func NewCompositeExecutor(executors ...adapter.ToolExecutor) *CompositeExecutor {
	return &CompositeExecutor{executors: executors}
}

func (c *CompositeExecutor) List(ctx context.Context) []adapter.ToolSpec {
	seen := map[string]struct{}{}
	var out []adapter.ToolSpec
	for _, e := range c.executors {
		for _, spec := range e.List(ctx) {
			if _, dup := seen[spec.Name]; dup {
				continue
			}
			seen[spec.Name] = struct{}{}
			out = append(out, spec)
		}
	}
	return out
}

func (c *CompositeExecutor) RequiresApproval(name string) bool {
	if e := c.owner(name); e != nil {
		return e.RequiresApproval(name)
	}
	return true
}

func (c *CompositeExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if e := c.owner(name); e != nil {
		return e.Execute(ctx, name, args)
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

func (c *CompositeExecutor) owner(name string) adapter.ToolExecutor {
	for _, e := range c.executors {
		for _, spec := range e.List(context.Background()) {
			if spec.Name == name {
				return e
			}
		}
	}
	return nil
}
