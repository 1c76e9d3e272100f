package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/swapbooth/internal/orchestrator"
)

const (
	unmatched     = "unmatched"
	progressRoute = "/v1/jobs/{id}/progress"

	swapModeSync  = "sync"
	swapModeAsync = "async"
	outcomeOK     = "ok"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapbooth_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swapbooth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding progress streams.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	swapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapbooth_http_swaps_total",
			Help: "Swap requests by mode (sync, async) and outcome (ok or error kind).",
		},
		[]string{"mode", "outcome"},
	)

	uploadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swapbooth_http_upload_bytes",
			Help:    "Size of uploaded images by form part.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 10),
		},
		[]string{"part"},
	)

	progressStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapbooth_http_progress_streams",
			Help: "Open job progress event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, swapsTotal, uploadBytes, progressStreams)
}

// metricsMiddleware records request count and duration by chi route
// pattern. Progress streams stay open for a whole job and are counted but
// not timed.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if path != progressRoute {
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

// recordSwap counts a swap request by how it ended for the caller.
func recordSwap(mode string, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = orchestrator.Kind(err)
	}
	swapsTotal.WithLabelValues(mode, outcome).Inc()
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
