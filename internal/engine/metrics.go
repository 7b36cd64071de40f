package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var executionsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "runrelay_executions_finished_total",
		Help: "Executions that reached a terminal status, by status and result path.",
	},
	[]string{"status", "path"},
)

func init() {
	prometheus.MustRegister(executionsFinished)
}
