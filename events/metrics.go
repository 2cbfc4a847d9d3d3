package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted on the bus.",
		},
		[]string{"name"},
	)
	handlerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "event_handler_errors_total",
			Help:      "Total number of handler errors captured during dispatch.",
		},
	)
	subscriptionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "questline",
			Name:      "event_subscriptions",
			Help:      "Number of live subscriptions on the bus.",
		},
	)
)
