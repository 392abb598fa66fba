package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		llmTokensIn,
		llmTokensOut,
		llmTokensTotal,
		llmCallLatencyMs,
		streamChunks,
		toolCallsTotal,
		fsmTransitions,
		activeSessions,
	)
}

var (
	llmTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Sum of total tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmCallLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "LLM call latency distribution in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"provider", "model", "success"},
	)

	streamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_chunks_total",
			Help: "Streaming chunks appended per provider/model.",
		},
		[]string{"provider", "model"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool executions by tool name and outcome (ok/error/denied).",
		},
		[]string{"tool", "outcome"},
	)

	fsmTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsm_transitions_total",
			Help: "Conversation state transitions by target state.",
		},
		[]string{"state"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Number of contexts currently resident in the session cache.",
		},
	)
)

func ObserveLLMUsage(provider, model string, tokensIn, tokensOut, tokensTotal int, latencyMs int, success bool) {
	lbl := []string{norm(provider), norm(model)}
	llmTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	llmTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	llmTokensTotal.WithLabelValues(lbl...).Add(float64(tokensTotal))
	llmCallLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func IncStreamChunk(provider, model string) {
	streamChunks.WithLabelValues(norm(provider), norm(model)).Inc()
}

func IncToolCall(tool, outcome string) {
	toolCallsTotal.WithLabelValues(norm(tool), norm(outcome)).Inc()
}

func IncTransition(state string) {
	fsmTransitions.WithLabelValues(state).Inc()
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
