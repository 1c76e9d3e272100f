package comfy

import "github.com/prometheus/client_golang/prometheus"

var (
	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapbooth_engine_stream_events_total",
			Help: "Total number of engine stream messages received, by type.",
		},
		[]string{"type"},
	)

	streamEventsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swapbooth_engine_stream_events_discarded_total",
			Help: "Engine stream events discarded because no pending job matched.",
		},
	)

	streamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapbooth_engine_stream_connected",
			Help: "1 while the engine event stream is connected.",
		},
	)

	engineQueueRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapbooth_engine_queue_remaining",
			Help: "Queue depth last reported by the engine, including jobs from other clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(streamEventsTotal)
	prometheus.MustRegister(streamEventsDiscarded)
	prometheus.MustRegister(streamConnected)
	prometheus.MustRegister(engineQueueRemaining)
}
