package model

import (
	"time"
	"unicode/utf8"
)

// StreamChunk is one delta of an in-flight streaming response.
// Sequence numbers are 0-based and strictly increase by 1 per message.
type StreamChunk struct {
	Sequence  int64     `json:"sequence"`
	Delta     string    `json:"delta"`
	Timestamp time.Time `json:"timestamp"`

	// AccumulatedChars is the total character count of the content after
	// this chunk (sum of rune lengths of all deltas through this one).
	AccumulatedChars int `json:"accumulated_chars"`

	// IntervalMs is the gap from the previous chunk. Zero for chunk 0.
	IntervalMs int64 `json:"interval_ms,omitempty"`
}

// StreamingPayload holds an assistant response while it arrives as a
// sequence of chunks. It mutates in place until Finalize, after which the
// message is immutable.
type StreamingPayload struct {
	Content         string        `json:"content"`
	Chunks          []StreamChunk `json:"chunks"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	TotalDurationMs int64         `json:"total_duration_ms,omitempty"`
	Model           string        `json:"model,omitempty"`
	Usage           *TokenUsage   `json:"usage,omitempty"`
	FinishReason    string        `json:"finish_reason,omitempty"`
}

func (*StreamingPayload) Kind() PayloadKind { return KindStreaming }

func NewStreamingPayload(modelID string) *StreamingPayload {
	return &StreamingPayload{
		StartedAt: time.Now().UTC(),
		Model:     modelID,
	}
}

// AppendChunk records a delta and returns its sequence number.
func (s *StreamingPayload) AppendChunk(delta string) int64 {
	now := time.Now().UTC()
	chunk := StreamChunk{
		Sequence:         int64(len(s.Chunks)),
		Delta:            delta,
		Timestamp:        now,
		AccumulatedChars: utf8.RuneCountInString(s.Content) + utf8.RuneCountInString(delta),
	}
	if n := len(s.Chunks); n > 0 {
		if gap := now.Sub(s.Chunks[n-1].Timestamp); gap > 0 {
			chunk.IntervalMs = gap.Milliseconds()
		}
	}
	s.Chunks = append(s.Chunks, chunk)
	s.Content += delta
	return chunk.Sequence
}

// Finalize marks the stream complete. Repeated calls are no-ops so a
// duplicate finalize signal cannot double-count the duration. Reports
// whether this call completed the stream.
func (s *StreamingPayload) Finalize(finishReason string, usage *TokenUsage) bool {
	if s.CompletedAt != nil {
		return false
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.FinishReason = finishReason
	s.Usage = usage
	if d := now.Sub(s.StartedAt); d > 0 {
		s.TotalDurationMs = d.Milliseconds()
	}
	return true
}

func (s *StreamingPayload) Completed() bool { return s.CompletedAt != nil }

// CurrentSequence is the highest assigned sequence number, -1 before the
// first chunk.
func (s *StreamingPayload) CurrentSequence() int64 {
	return int64(len(s.Chunks)) - 1
}

// ChunksAfter returns chunks with sequence > after, in order. Pass -1 for
// the full list. This is the pull side of signal-pull recovery: the slice
// is derived purely from the append-only chunk list, never from signal
// delivery.
func (s *StreamingPayload) ChunksAfter(after int64) []StreamChunk {
	start := after + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.Chunks)) {
		return nil
	}
	out := make([]StreamChunk, len(s.Chunks)-int(start))
	copy(out, s.Chunks[start:])
	return out
}
