package auditlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "questline_audit_entries_total",
	Help: "Number of admin actions written to the audit log.",
})
