package points

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	awardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "questline",
		Name:      "points_awarded_total",
		Help:      "Total points credited after multipliers and ceilings.",
	})
	deductedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "questline",
		Name:      "points_deducted_total",
		Help:      "Total points removed by deductions.",
	})
	decayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "questline",
		Name:      "points_decayed_total",
		Help:      "Total points removed by the decay scheduler.",
	})
)
