// Package pstats tracks projector progress: last processed checkpoints,
// named properties, a bounded log of significant events, and a
// time-weighted throughput estimate with checkpoint ETAs. It is
// independent of the other projex components; the projector feeds it via
// a success hook or enrichment hook.
package pstats

import (
	"sync"
	"time"
)

const (
	// speedWindow is the trailing window the base rate is computed over.
	speedWindow = 10 * time.Minute

	// recentWindow is the trailing window weighted into the base rate so
	// recent slowdowns and speedups show promptly.
	recentWindow = time.Minute

	// recentWeight is the weight of the recent rate relative to the base
	// rate; speed = (recentWeight*recent + base) / (recentWeight + 1).
	recentWeight = 3

	defaultEventLimit = 1000
)

// Property is a named projector property with its last update time.
type Property struct {
	Value     string
	UpdatedAt time.Time
}

// Event is one entry in a projector's significant-event log.
type Event struct {
	Message string
	At      time.Time
}

type sample struct {
	checkpoint int64
	at         time.Time
}

type projectorStats struct {
	checkpoint int64
	updatedAt  time.Time
	samples    []sample
	properties map[string]Property
	events     []Event
}

// Stats tracks progress and throughput per projector identity. It is safe
// for concurrent use. Construct it explicitly and inject it where needed;
// there is no package-global instance.
type Stats struct {
	mu         sync.Mutex
	eventLimit int
	stats      map[string]*projectorStats
}

// StatsOption configures a Stats.
type StatsOption func(*Stats)

// WithEventLimit provides an option to bound each projector's event log.
// It defaults to 1000; the oldest entries are dropped beyond it.
func WithEventLimit(n int) StatsOption {
	return func(s *Stats) {
		s.eventLimit = n
	}
}

// New returns a new empty Stats.
func New(opts ...StatsOption) *Stats {
	s := &Stats{
		eventLimit: defaultEventLimit,
		stats:      make(map[string]*projectorStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stats) get(id string) *projectorStats {
	ps, ok := s.stats[id]
	if !ok {
		ps = &projectorStats{properties: make(map[string]Property)}
		s.stats[id] = ps
	}
	return ps
}

// TrackProgress records a timestamped checkpoint sample for the projector.
func (s *Stats) TrackProgress(id string, checkpoint int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.get(id)
	t := now()
	ps.checkpoint = checkpoint
	ps.updatedAt = t
	ps.samples = append(ps.samples, sample{checkpoint: checkpoint, at: t})

	// Prune samples that fell out of the speed window.
	cutoff := t.Add(-speedWindow)
	i := 0
	for ; i < len(ps.samples); i++ {
		if !ps.samples[i].at.Before(cutoff) {
			break
		}
	}
	ps.samples = ps.samples[i:]

	if speed, ok := speedUnsafe(ps); ok {
		speedGauge.WithLabelValues(id).Set(speed)
	}
}

// SetProperty records a named property for the projector with the current
// time.
func (s *Stats) SetProperty(id, name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(id).properties[name] = Property{Value: value, UpdatedAt: now()}
}

// LogEvent appends a message to the projector's bounded event log.
func (s *Stats) LogEvent(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.get(id)
	ps.events = append(ps.events, Event{Message: message, At: now()})
	if len(ps.events) > s.eventLimit {
		ps.events = ps.events[len(ps.events)-s.eventLimit:]
	}
}

// Events returns a page of the projector's event log, most recent first.
func (s *Stats) Events(id string, offset, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.get(id).events

	res := make([]Event, 0, limit)
	for i := len(events) - 1 - offset; i >= 0 && len(res) < limit; i-- {
		res = append(res, events[i])
	}
	return res
}

// LastCheckpoint returns the projector's last tracked checkpoint and its
// time, or false if no progress was tracked.
func (s *Stats) LastCheckpoint(id string) (int64, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.stats[id]
	if !ok || ps.updatedAt.IsZero() {
		return 0, time.Time{}, false
	}
	return ps.checkpoint, ps.updatedAt, true
}

// Properties returns a copy of the projector's named properties.
func (s *Stats) Properties(id string) map[string]Property {
	s.mu.Lock()
	defer s.mu.Unlock()

	props := s.get(id).properties
	res := make(map[string]Property, len(props))
	for k, v := range props {
		res[k] = v
	}
	return res
}

// GetSpeed returns the projector's throughput in transactions per second,
// weighting the trailing minute over the trailing ten minutes. It returns
// false if there is insufficient history.
func (s *Stats) GetSpeed(id string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.stats[id]
	if !ok {
		return 0, false
	}
	return speedUnsafe(ps)
}

// GetTimeToReach extrapolates how long until the projector reaches the
// target checkpoint at its current speed. It returns false if there is
// insufficient history or the projector is stalled.
func (s *Stats) GetTimeToReach(id string, target int64) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.stats[id]
	if !ok {
		return 0, false
	}

	remaining := target - ps.checkpoint
	if remaining <= 0 {
		return 0, true
	}

	speed, ok := speedUnsafe(ps)
	if !ok || speed <= 0 {
		return 0, false
	}

	return time.Duration(float64(remaining) / speed * float64(time.Second)), true
}

// speedUnsafe computes the weighted speed from the retained samples.
// Note it is unsafe, locks are managed outside.
func speedUnsafe(ps *projectorStats) (float64, bool) {
	base, ok := rateUnsafe(ps.samples)
	if !ok {
		return 0, false
	}

	cutoff := ps.samples[len(ps.samples)-1].at.Add(-recentWindow)
	var recent []sample
	for i, smpl := range ps.samples {
		if !smpl.at.Before(cutoff) {
			recent = ps.samples[i:]
			break
		}
	}

	rr, ok := rateUnsafe(recent)
	if !ok {
		// Not enough recent samples; fall back to the base rate.
		return base, true
	}

	return (recentWeight*rr + base) / (recentWeight + 1), true
}

// rateUnsafe returns the checkpoint rate per second over the samples.
func rateUnsafe(samples []sample) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}

	first, last := samples[0], samples[len(samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	return float64(last.checkpoint-first.checkpoint) / elapsed, true
}

// now is aliased for testing.
var now = time.Now
