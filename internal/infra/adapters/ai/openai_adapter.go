package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
	"chat-context-service/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.LLMAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter streams chat completions through the official SDK.
type OpenAIAdapter struct {
	client       openai.Client
	defaultModel string
	estimator    *TokenEstimator
}

func NewOpenAIAdapter(apiKey, baseURL, defaultModel string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
		estimator:    NewTokenEstimator(defaultModel),
	}, nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{o.defaultModel}, nil
}

func (o *OpenAIAdapter) Stream(ctx context.Context, modelID string, messages []adapter.Message, tools []adapter.ToolSpec, onDelta func(string) error) (*adapter.Final, error) {
	if modelID == "" {
		modelID = o.defaultModel
	}
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: toOpenAIMessages(messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onDelta(delta); err != nil {
				_ = stream.Close()
				return nil, err
			}
			metrics.IncStreamChunk("openai", modelID)
		}
	}
	if err := stream.Err(); err != nil {
		metrics.ObserveLLMUsage("openai", modelID, 0, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	final := &adapter.Final{FinishReason: "stop"}
	if len(acc.Choices) > 0 {
		choice := acc.Choices[0]
		if choice.FinishReason != "" {
			final.FinishReason = string(choice.FinishReason)
		}
		for _, tc := range choice.Message.ToolCalls {
			final.ToolCalls = append(final.ToolCalls, adapter.ToolInvocation{
				ID:        tc.ID,
				ToolName:  tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}

	usage := usageFromOpenAI(acc.Usage)
	if usage == nil {
		// Provider omitted usage; fall back to a local estimate.
		usage = o.estimator.Estimate(messages, accumulatedText(acc))
	}
	final.Usage = usage

	in, out, total := 0, 0, 0
	if usage != nil {
		in, out, total = usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
	}
	metrics.ObserveLLMUsage("openai", modelID, in, out, total, int(time.Since(start).Milliseconds()), true)
	return final, nil
}

func accumulatedText(acc openai.ChatCompletionAccumulator) string {
	if len(acc.Choices) == 0 {
		return ""
	}
	return acc.Choices[0].Message.Content
}

func usageFromOpenAI(u openai.CompletionUsage) *model.TokenUsage {
	if u.TotalTokens == 0 {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func toOpenAIMessages(messages []adapter.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				asst := openai.ChatCompletionAssistantMessageParam{}
				if m.Content != "" {
					asst.Content.OfString = openai.String(m.Content)
				}
				for _, tc := range m.ToolCalls {
					asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: tc.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.ToolName,
								Arguments: string(tc.Arguments),
							},
						},
					})
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
			} else {
				out = append(out, openai.AssistantMessage(m.Content))
			}
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(tools []adapter.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var params shared.FunctionParameters
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		}))
	}
	return out
}
