package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakegate_tracking_calls_written_total",
			Help: "Total number of tracked calls written to the sink",
		},
	)

	CallsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_tracking_calls_dropped_total",
			Help: "Total number of tracked calls dropped before reaching the sink",
		},
		[]string{"reason"},
	)

	SinkErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakegate_tracking_sink_errors_total",
			Help: "Total number of failed sink writes",
		},
	)
)
