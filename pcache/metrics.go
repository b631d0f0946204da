package pcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "pcache",
		Name:      "hits_total",
		Help:      "Number of cache hits per cache",
	}, []string{"cache"})

	missCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "pcache",
		Name:      "misses_total",
		Help:      "Number of cache misses per cache",
	}, []string{"cache"})

	evictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "pcache",
		Name:      "evictions_total",
		Help:      "Number of least recently used evictions per cache",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(hitCounter)
	prometheus.MustRegister(missCounter)
	prometheus.MustRegister(evictCounter)
}
