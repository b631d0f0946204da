package pstats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var speedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "projex",
	Subsystem: "pstats",
	Name:      "speed_tps",
	Help:      "Weighted projector throughput in transactions per second",
}, []string{"projector_name"})

func init() {
	prometheus.MustRegister(speedGauge)
}
