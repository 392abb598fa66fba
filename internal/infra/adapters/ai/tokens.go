package ai

import (
	"github.com/pkoukk/tiktoken-go"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
)

// TokenEstimator produces a local usage estimate for providers that omit
// token counts from their responses. Falls back to a byte heuristic when
// the model has no known encoding.
type TokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func NewTokenEstimator(modelID string) *TokenEstimator {
	enc, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TokenEstimator{enc: enc}
}

func (e *TokenEstimator) Count(text string) int {
	if e.enc == nil {
		// Rough heuristic: ~4 bytes per token for English-ish text.
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Estimate counts prompt tokens across the flattened messages and
// completion tokens from the generated text.
func (e *TokenEstimator) Estimate(messages []adapter.Message, completion string) *model.TokenUsage {
	prompt := 0
	for _, m := range messages {
		prompt += e.Count(m.Content)
	}
	out := e.Count(completion)
	return &model.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
