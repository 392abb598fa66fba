package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		signalsPublished,
		signalsDropped,
		syncSubscribers,
	)
}

var (
	signalsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_signals_published_total",
			Help: "Signals published to the sync hub by kind.",
		},
		[]string{"kind"},
	)

	signalsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_signals_dropped_total",
			Help: "Signals dropped because a subscriber buffer was full.",
		},
	)

	syncSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_subscribers",
			Help: "Currently attached event subscribers.",
		},
	)
)

func IncSignal(kind string) {
	signalsPublished.WithLabelValues(kind).Inc()
}

func IncSignalDropped() {
	signalsDropped.Inc()
}

func AddSubscribers(delta int) {
	syncSubscribers.Add(float64(delta))
}
