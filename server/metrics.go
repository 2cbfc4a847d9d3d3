package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests served, by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "questline",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests, by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"route"},
	)
	rateLimitErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "http_rate_limit_errors_total",
			Help:      "Count of rate limiter failures that were resolved by admitting the request.",
		},
	)
	wsConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "questline",
			Name:      "ws_connections",
			Help:      "Number of open WebSocket connections.",
		},
	)
	wsDroppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questline",
			Name:      "ws_dropped_events_total",
			Help:      "Count of events dropped because a WebSocket client could not keep up.",
		},
	)
)
