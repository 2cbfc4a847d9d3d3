package quests

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	assignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_quests_assigned_total",
		Help: "Number of quest assignments created.",
	})
	progressTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_quests_progress_total",
		Help: "Number of objective progress increments.",
	})
	completedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_quests_completed_total",
		Help: "Number of quest completions.",
	})
	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_quests_expired_total",
		Help: "Number of assignments expired past their deadline.",
	})
)
