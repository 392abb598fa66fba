package model

import (
	"testing"
	"unicode/utf8"
)

func TestAppendChunkSequencesAreContiguous(t *testing.T) {
	s := NewStreamingPayload("gpt-4o-mini")
	deltas := []string{"Hi", " there", "!", "", "更多"}
	for i, d := range deltas {
		seq := s.AppendChunk(d)
		if seq != int64(i) {
			t.Fatalf("chunk %d: got sequence %d", i, seq)
		}
	}
	want := 0
	for i, c := range s.Chunks {
		if c.Sequence != int64(i) {
			t.Fatalf("chunk %d: sequence %d", i, c.Sequence)
		}
		want += utf8.RuneCountInString(c.Delta)
		if c.AccumulatedChars != want {
			t.Fatalf("chunk %d: accumulated %d, want %d", i, c.AccumulatedChars, want)
		}
	}
	if s.Content != "Hi there!更多" {
		t.Fatalf("content %q", s.Content)
	}
}

func TestCurrentSequenceBeforeFirstChunk(t *testing.T) {
	s := NewStreamingPayload("")
	if got := s.CurrentSequence(); got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	s := NewStreamingPayload("")
	s.AppendChunk("done")
	if !s.Finalize("stop", &TokenUsage{TotalTokens: 3}) {
		t.Fatal("first finalize reported no-op")
	}
	first := *s.CompletedAt
	firstDur := s.TotalDurationMs

	if s.Finalize("length", nil) {
		t.Fatal("second finalize fired")
	}
	if !s.CompletedAt.Equal(first) || s.TotalDurationMs != firstDur {
		t.Fatal("second finalize mutated completion stats")
	}
	if s.FinishReason != "stop" {
		t.Fatalf("finish reason overwritten: %q", s.FinishReason)
	}
}

func TestChunksAfter(t *testing.T) {
	s := NewStreamingPayload("")
	for i := 0; i < 10; i++ {
		s.AppendChunk("x")
	}

	tests := []struct {
		name      string
		after     int64
		wantFirst int64
		wantLen   int
	}{
		{"all from minus one", -1, 0, 10},
		{"resume at three", 3, 4, 6},
		{"caught up", 9, 0, 0},
		{"past end", 42, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := s.ChunksAfter(tc.after)
			if len(got) != tc.wantLen {
				t.Fatalf("len=%d, want %d", len(got), tc.wantLen)
			}
			if tc.wantLen > 0 && got[0].Sequence != tc.wantFirst {
				t.Fatalf("first sequence %d, want %d", got[0].Sequence, tc.wantFirst)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Sequence != got[i-1].Sequence+1 {
					t.Fatalf("gap between %d and %d", got[i-1].Sequence, got[i].Sequence)
				}
			}
		})
	}
}
