// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
	"chat-context-service/internal/infra/metrics"
)

var _ adapter.LLMAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	estimator    *TokenEstimator
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, estimator: NewTokenEstimator("gpt-4o")}, nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	models := g.client.Models.All(ctx)
	var out []string
	for m := range models {
		if m.Name != "" {
			out = append(out, m.Name)
		}
	}
	if len(out) == 0 {
		out = []string{g.defaultModel}
	}
	return out, nil
}

func (g *GeminiAdapter) Stream(ctx context.Context, modelID string, messages []adapter.Message, tools []adapter.ToolSpec, onDelta func(string) error) (*adapter.Final, error) {
	if len(messages) == 0 {
		return nil, errors.New("gemini: no messages")
	}
	if modelID == "" {
		modelID = g.defaultModel
	}
	start := time.Now()

	cfg := &genai.GenerateContentConfig{}
	if len(tools) > 0 {
		cfg.Tools = toGenAITools(tools)
	}

	history := toGenAIHistory(messages[:len(messages)-1])
	chat, err := g.client.Chats.Create(ctx, modelID, cfg, history)
	if err != nil {
		return nil, fmt.Errorf("gemini chat create: %w", err)
	}

	final := &adapter.Final{FinishReason: "stop"}
	var text strings.Builder
	var usage *model.TokenUsage

	for resp, err := range chat.SendMessageStream(ctx, lastParts(messages[len(messages)-1])...) {
		if err != nil {
			metrics.ObserveLLMUsage("gemini", modelID, 0, 0, 0, int(time.Since(start).Milliseconds()), false)
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				if err := onDelta(part.Text); err != nil {
					return nil, err
				}
				text.WriteString(part.Text)
				metrics.IncStreamChunk("gemini", modelID)
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				final.ToolCalls = append(final.ToolCalls, adapter.ToolInvocation{
					ID:        part.FunctionCall.ID,
					ToolName:  part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		if cand.FinishReason != "" {
			final.FinishReason = strings.ToLower(string(cand.FinishReason))
		}
		if resp.UsageMetadata != nil {
			usage = &model.TokenUsage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}

	if usage == nil {
		usage = g.estimator.Estimate(messages, text.String())
	}
	final.Usage = usage
	metrics.ObserveLLMUsage("gemini", modelID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, int(time.Since(start).Milliseconds()), true)
	return final, nil
}

// lastParts converts the trailing message into the parts sent this turn.
func lastParts(m adapter.Message) []genai.Part {
	if m.Role == "tool" {
		var response map[string]any
		if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
			response = map[string]any{"result": m.Content}
		}
		return []genai.Part{{FunctionResponse: &genai.FunctionResponse{
			ID:       m.ToolCallID,
			Response: response,
		}}}
	}
	return []genai.Part{{Text: m.Content}}
}

func toGenAIHistory(msgs []adapter.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		var parts []*genai.Part
		switch strings.ToLower(m.Role) {
		case "assistant", "model":
			role = genai.RoleModel
			if len(m.ToolCalls) > 0 {
				for _, tc := range m.ToolCalls {
					var args map[string]any
					_ = json.Unmarshal(tc.Arguments, &args)
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.ToolName,
						Args: args,
					}})
				}
			}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
		case "tool":
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Response: response,
			}})
		case "system":
			// Gemini has no separate system role in history; treat it as a
			// user instruction.
			parts = append(parts, &genai.Part{Text: m.Content})
		default:
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func toGenAITools(tools []adapter.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
