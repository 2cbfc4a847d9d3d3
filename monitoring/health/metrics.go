package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var probeFailuresGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "questline",
	Name:      "health_probe_failures",
	Help:      "Number of dependency probes failing as of the last sweep.",
})
