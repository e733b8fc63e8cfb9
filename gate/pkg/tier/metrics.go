package tier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakegate_tier_cache_lookups_total",
			Help: "Total number of tier cache lookups by result",
		},
		[]string{"result"},
	)

	LedgerFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakegate_tier_ledger_failures_total",
			Help: "Total number of tier resolutions that fell back to FREE because the ledger failed",
		},
	)
)
