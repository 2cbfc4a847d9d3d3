package badges

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	awardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_badges_awarded_total",
		Help: "Number of badges awarded.",
	})
	triggerMatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_badges_trigger_matches_total",
		Help: "Number of event triggers whose conditions passed.",
	})
)
