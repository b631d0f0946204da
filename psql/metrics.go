package psql

import "github.com/prometheus/client_golang/prometheus"

var (
	stateSetCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "states_table",
		Name:      "set_total",
		Help:      "Total number of save state queries performed per table",
	}, []string{"table"})

	skipInsertCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "skips_table",
		Name:      "insert_total",
		Help:      "Total number of skip audit records inserted per table",
	}, []string{"table"})

	quarantineCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "projections_table",
		Name:      "quarantine_total",
		Help:      "Total number of projections flagged corrupted per table",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(stateSetCounter)
	prometheus.MustRegister(skipInsertCounter)
	prometheus.MustRegister(quarantineCounter)
}
