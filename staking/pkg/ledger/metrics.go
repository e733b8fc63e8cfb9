package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakegate_ledger_read_duration_seconds",
			Help:    "Duration of ledger reads including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend", "method"},
	)

	ReadErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_ledger_read_errors_total",
			Help: "Total number of ledger reads that failed after retries",
		},
		[]string{"backend", "method"},
	)
)
