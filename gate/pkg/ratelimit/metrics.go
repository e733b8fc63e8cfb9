package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_ratelimit_checks_total",
			Help: "Total number of rate limit checks by result",
		},
		[]string{"result"},
	)

	StoreFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakegate_ratelimit_store_fallbacks_total",
			Help: "Total number of checks served by the in-process store because the shared store failed",
		},
	)
)
