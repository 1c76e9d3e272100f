package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapbooth_gate_queue_depth",
			Help: "Number of jobs waiting for the engine gate.",
		},
	)

	gateRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swapbooth_gate_rejections_total",
			Help: "Jobs rejected because the wait queue was full.",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapbooth_jobs_total",
			Help: "Finished jobs by origin and outcome.",
		},
		[]string{"origin", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swapbooth_job_duration_seconds",
			Help:    "Time from gate admission to terminal state.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"origin"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(gateRejections)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
}
