package modules

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "questline",
		Name:      "module_op_duration_seconds",
		Help:      "Latency of module operations.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"module", "op"},
)

// TimeOp records the latency of one module operation when the returned
// function is called:
//
//	defer modules.TimeOp("points", "award")()
func TimeOp(module, op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(module, op).Observe(time.Since(start).Seconds())
	}
}
