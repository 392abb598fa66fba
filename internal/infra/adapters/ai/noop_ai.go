package ai

import (
	"context"
	"strings"
	"time"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*NoopAdapter)(nil)

// NoopAdapter implements adapter.LLMAdapter for local/dev runs without an
// API key. It echoes the last user message back in small chunks so the
// streaming path behaves like a real provider.
type NoopAdapter struct {
	ChunkDelay time.Duration
}

func NewNoopAdapter() *NoopAdapter {
	return &NoopAdapter{ChunkDelay: 50 * time.Millisecond}
}

func (a *NoopAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"noop"}, nil
}

func (a *NoopAdapter) Stream(ctx context.Context, modelID string, messages []adapter.Message, tools []adapter.ToolSpec, onDelta func(string) error) (*adapter.Final, error) {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	reply := "You said: " + last
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-time.After(a.ChunkDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := onDelta(word); err != nil {
			return nil, err
		}
	}
	return &adapter.Final{
		FinishReason: "stop",
		Usage: &model.TokenUsage{
			PromptTokens:     len(messages),
			CompletionTokens: len(strings.Fields(reply)),
			TotalTokens:      len(messages) + len(strings.Fields(reply)),
		},
	}, nil
}
