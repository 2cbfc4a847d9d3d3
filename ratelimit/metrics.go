package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by outcome.",
		},
		[]string{"outcome"},
	)
	localKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "questline",
			Name:      "ratelimit_local_keys",
			Help:      "Subjects currently tracked in process-local limiter state.",
		},
	)
)
