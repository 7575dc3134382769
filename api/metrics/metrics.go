package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sheetagent_api_build_info",
			Help: "Build information of the sheetagent API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetagent_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheetagent_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sheetagent_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	TablesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sheetagent_api_tables_loaded",
			Help: "Number of tables in the registry",
		},
	)

	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetagent_api_chat_turns_total",
			Help: "Chat turns by transport and outcome",
		},
		[]string{"mode", "outcome"},
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sheetagent_api_upload_bytes",
			Help:    "Size of uploaded workbooks",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 8), // 16KiB to 256MiB
		},
	)

	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetagent_api_feedback_total",
			Help: "Trace feedback submissions by verdict",
		},
		[]string{"correct"},
	)
)

// ObserveChat counts a finished chat turn. err is the workflow error, if any.
func ObserveChat(mode string, err error) {
	outcome := "answered"
	switch {
	case errors.Is(err, workflow.ErrWorkflowAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	ChatTurnsTotal.WithLabelValues(mode, outcome).Inc()
}

// Middleware records request counts and latency by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
