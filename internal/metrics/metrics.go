package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const projectorLabel = "projector_name"

// Labels returns the prometheus labels for the projector.
func Labels(name string) prometheus.Labels {
	return prometheus.Labels{projectorLabel: name}
}

var (
	// ProjectorLag is a metric for how far behind the projector is
	// based on the last processed transaction.
	ProjectorLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "lag_seconds",
		Help:      "Lag between now and the current transaction timestamp in seconds",
	}, []string{projectorLabel})

	// ProjectorLagAlert is whether or not the projector is too far behind.
	ProjectorLagAlert = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "lag_alert",
		Help:      "Whether or not the projector lag crosses its alert threshold",
	}, []string{projectorLabel})

	// ProjectorActivityGauge is whether or not the projector has
	// processed a batch in the activity ttl period.
	ProjectorActivityGauge = newActivityGauge(
		prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "projex",
			Subsystem: "projector",
			Name:      "active",
			Help: "Whether or not the projector was active (processed a batch) " +
				"in the activity ttl period",
		}, []string{projectorLabel}))

	// BatchLatency is how long the projector takes to apply a batch.
	BatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "batch_latency_seconds",
		Help:      "Batch application latency in seconds",
		Buckets:   []float64{0.001, 0.01, 0.1, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
	}, []string{projectorLabel})

	// BatchErrors is the number of errors from applying batches.
	BatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "error_count",
		Help:      "Number of errors applying batches",
	}, []string{projectorLabel})

	// BatchRetries is the number of batch attempts resolved as retry.
	BatchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "retry_count",
		Help:      "Number of batch attempts resolved as retry",
	}, []string{projectorLabel})

	// SkippedTransactions is the number of transactions resolved as
	// ignore and skipped over.
	SkippedTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "skipped_count",
		Help:      "Number of transactions skipped by ignore resolutions",
	}, []string{projectorLabel})

	// QuarantinedProjections is the number of projections flagged
	// corrupted after an unresolvable failure.
	QuarantinedProjections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projex",
		Subsystem: "projector",
		Name:      "quarantined_count",
		Help:      "Number of projections flagged corrupted",
	}, []string{projectorLabel})
)

func init() {
	prometheus.MustRegister(
		ProjectorLag,
		ProjectorLagAlert,
		ProjectorActivityGauge,
		BatchLatency,
		BatchErrors,
		BatchRetries,
		SkippedTransactions,
		QuarantinedProjections,
	)
}

func newActivityGauge(g *prometheus.GaugeVec) *activityGauge {
	return &activityGauge{
		gv:     g,
		states: make(map[string]state),
	}
}

// activityGauge provides a prometheus GaugeVec which indicates whether or
// not a projector was recently active (processed a batch).
type activityGauge struct {
	gv     *prometheus.GaugeVec
	mu     sync.Mutex
	states map[string]state
}

type state struct {
	labels prometheus.Labels
	tick   time.Time
	ttl    time.Duration
}

// Register registers the projector labels with its ttl and ticks it as
// active and returns a projector key.
func (g *activityGauge) Register(labels prometheus.Labels, ttl time.Duration) string {
	key := labelsToKey(labels)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.states[key] = state{
		labels: labels,
		ttl:    ttl,
		tick:   time.Now(),
	}
	return key
}

// SetActive ticks the projector key as active.
func (g *activityGauge) SetActive(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.states[key]
	s.tick = time.Now()
	g.states[key] = s
}

func (g *activityGauge) Describe(ch chan<- *prometheus.Desc) {
	g.gv.Describe(ch)
}

// Collect sets and collects the internal GaugeVec activity values for all
// registered projector labels.
func (g *activityGauge) Collect(ch chan<- prometheus.Metric) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.states {
		if s.ttl < 0 {
			continue
		}
		v := 0.0
		if time.Since(s.tick) < s.ttl {
			v = 1
		}
		g.gv.With(s.labels).Set(v)
	}
	g.gv.Collect(ch)
}

func labelsToKey(labels prometheus.Labels) string {
	s := strings.Builder{}
	for k, v := range labels {
		s.WriteString(k)
		s.Write([]byte{255})
		s.WriteString(v)
		s.Write([]byte{255})
	}
	return s.String()
}
