package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_access_decisions_total",
			Help: "Total number of access decisions by outcome, admission path and tier",
		},
		[]string{"outcome", "via", "tier"},
	)

	DecisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakegate_access_decision_duration_seconds",
			Help:    "Time spent deciding access, including ledger and payment lookups",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"outcome"},
	)

	TrackingPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakegate_access_tracking_panics_total",
			Help: "Total number of panics recovered from the call tracking hook",
		},
	)
)
