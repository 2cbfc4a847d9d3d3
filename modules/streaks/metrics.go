package streaks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activitiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_streaks_activities_total",
		Help: "Number of streak activities recorded.",
	})
	brokenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_streaks_broken_total",
		Help: "Number of streaks broken, forced or by inactivity.",
	})
	milestonesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_streaks_milestones_total",
		Help: "Number of streak milestones reached.",
	})
	freezesConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_streaks_freezes_consumed_total",
		Help: "Number of freezes consumed, explicit or automatic.",
	})
)
