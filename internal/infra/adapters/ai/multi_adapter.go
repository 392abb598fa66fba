// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"strings"

	"chat-context-service/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*MultiAdapter)(nil)

// MultiAdapter routes each request to a provider adapter based on the
// model id. Each provider adapter keeps its own default model.
type MultiAdapter struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.LLMAdapter
	modelToProvider map[string]string // model -> provider ("openai" | "gemini")
}

func NewMultiAdapter(
	defaultProvider string,
	byProvider map[string]adapter.LLMAdapter,
	modelToProvider map[string]string,
) *MultiAdapter {
	return &MultiAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiAdapter) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiAdapter) pick(model string) adapter.LLMAdapter {
	prov := m.resolveProvider(model)
	if a := m.byProvider[prov]; a != nil {
		return a
	}
	// last resort: first available
	for _, a := range m.byProvider {
		if a != nil {
			return a
		}
	}
	return nil
}

func (m *MultiAdapter) ListModels(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(m.modelToProvider)+4)

	for model := range m.modelToProvider {
		if _, ok := seen[model]; !ok {
			seen[model] = struct{}{}
			out = append(out, model)
		}
	}
	for _, a := range m.byProvider {
		list, _ := a.ListModels(ctx)
		for _, name := range list {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out, nil
}

func (m *MultiAdapter) Stream(ctx context.Context, modelID string, messages []adapter.Message, tools []adapter.ToolSpec, onDelta func(string) error) (*adapter.Final, error) {
	a := m.pick(modelID)
	if a == nil {
		return &adapter.Final{FinishReason: "stop"}, nil
	}
	return a.Stream(ctx, modelID, messages, tools, onDelta)
}
