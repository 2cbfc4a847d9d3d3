package leaderboards

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questline_leaderboards_updates_total",
		Help: "Number of board writes, labelled by board.",
	}, []string{"board"})
	rankChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_leaderboards_rank_changes_total",
		Help: "Number of writes that moved a member's rank.",
	})
	archivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questline_leaderboards_archived_total",
		Help: "Number of finished buckets snapshotted by the archive scan.",
	})
)
