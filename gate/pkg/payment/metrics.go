package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var VerificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stakegate_payment_verifications_total",
		Help: "Total number of payment proof verifications by result",
	},
	[]string{"result"},
)
