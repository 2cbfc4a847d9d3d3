package levels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	xpAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_levels_xp_added_total",
		Help: "Total XP applied after multipliers.",
	})
	levelUpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_levels_level_ups_total",
		Help: "Number of level-up events emitted.",
	})
	prestigesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_levels_prestiges_total",
		Help: "Number of prestige resets performed.",
	})
)
