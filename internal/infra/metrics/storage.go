package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		storageSaves,
		storageLoads,
		storageSaveLatencyMs,
		storageMessagesWritten,
	)
}

var (
	storageSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_saves_total",
			Help: "Context save operations by backend and success.",
		},
		[]string{"backend", "success"},
	)

	storageLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_loads_total",
			Help: "Context load operations by backend and success.",
		},
		[]string{"backend", "success"},
	)

	storageSaveLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_save_latency_ms",
			Help:    "Context save latency distribution in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"backend"},
	)

	storageMessagesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_messages_written_total",
			Help: "Individual message records written during incremental saves.",
		},
		[]string{"backend"},
	)
)

func ObserveSave(backend string, messagesWritten int, latencyMs int, success bool) {
	storageSaves.WithLabelValues(norm(backend), strconv.FormatBool(success)).Inc()
	storageSaveLatencyMs.WithLabelValues(norm(backend)).Observe(float64(latencyMs))
	if messagesWritten > 0 {
		storageMessagesWritten.WithLabelValues(norm(backend)).Add(float64(messagesWritten))
	}
}

func IncLoad(backend string, success bool) {
	storageLoads.WithLabelValues(norm(backend), strconv.FormatBool(success)).Inc()
}
