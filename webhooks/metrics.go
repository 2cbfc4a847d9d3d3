package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "webhook_retries_total",
			Help:      "Deliveries re-queued after a failed attempt.",
		},
	)
	deadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "webhook_dead_total",
			Help:      "Deliveries abandoned after exhausting every retry.",
		},
	)
	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "webhook_dropped_total",
			Help:      "Deliveries evicted or refused because the queue was full.",
		},
	)
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "questline",
			Name:      "webhook_queue_depth",
			Help:      "Deliveries currently waiting in the outbound queue.",
		},
	)
)
