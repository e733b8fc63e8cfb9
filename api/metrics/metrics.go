package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stakegate_api_build_info",
			Help: "Build information of the stakegate API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakegate_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakegate_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	PanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakegate_api_panics_total",
			Help: "Total number of recovered handler panics",
		},
	)

	LedgerReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_api_ledger_reads_total",
			Help: "Total number of ledger reads made by API handlers",
		},
		[]string{"op", "status"},
	)

	LedgerReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakegate_api_ledger_read_duration_seconds",
			Help:    "Duration of ledger reads made by API handlers in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"op"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordLedgerRead records metrics for a ledger read.
func RecordLedgerRead(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LedgerReadsTotal.WithLabelValues(op, status).Inc()
	LedgerReadDuration.WithLabelValues(op).Observe(duration.Seconds())
}
