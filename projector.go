package projex

import (
	"context"
	"time"

	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luno/projex/internal/tracing"
)

const (
	defaultBatchSize    = 100
	defaultLagAlert     = 30 * time.Minute
	defaultActivityTTL  = 24 * time.Hour
	defaultRetryBackoff = 10 * time.Second
	maxRetryBackoff     = time.Minute
)

// EnrichFunc augments the persisted state with projector-specific fields
// derived from the last transaction in a committed batch. It is applied
// within the same atomic scope as the checkpoint write.
type EnrichFunc func(state *State, last *Transaction) error

// CorrelateFunc maps a stream id to the key of the projection it targets.
// It returns false if no correlation is discoverable, in which case the
// projection cannot be filtered nor quarantined.
type CorrelateFunc func(streamID string) (key string, ok bool)

// Quarantiner flags projections corrupted and reports flagged ones. It is
// implemented by projection stores that carry a first-class quarantine
// attribute on their schema; ex. psql.
type Quarantiner interface {
	// Quarantine queues flagging the projection corrupted on the unit.
	Quarantine(ctx context.Context, u Unit, key string, reason string) error

	// IsQuarantined returns whether the projection is flagged corrupted.
	IsQuarantined(ctx context.Context, key string) (bool, error)
}

// SkipInsertFunc records a skipped transaction for audit; ex. to a
// psql.SkipsTable. Returning an error blocks the skip and escalates the
// original failure.
type SkipInsertFunc func(ctx context.Context, projector, txnID, streamID, errMsg string) error

// Invalidator invalidates cached projections; ex. a pcache.Cache.
type Invalidator interface {
	Invalidate(key string)
}

// Projector applies an event map to batches of transactions with
// unit-of-work efficiency, runs the exception-resolution state machine on
// failure and persists checkpoint progress atomically with data changes.
type Projector struct {
	name   string
	emap   *EventMap
	store  Store
	sstore StateStore

	batchSize   int
	handleErr   ErrorHandler
	sleep       func(ctx context.Context, attempt int)
	enrich      EnrichFunc
	correlate   CorrelateFunc
	quarantiner Quarantiner
	skipInsert  SkipInsertFunc
	filter      func(ctx context.Context, key string) (bool, error)
	invalidator Invalidator
	children    []*Projector

	lagAlert    time.Duration
	activityTTL time.Duration

	lagGauge      prometheus.Gauge
	lagAlertGauge prometheus.Gauge
	errorCounter  prometheus.Counter
	retryCounter  prometheus.Counter
	skipCounter   prometheus.Counter
	quarCounter   prometheus.Counter
	latencyHist   prometheus.Observer
	activityKey   string
}

// ProjectorOption configures a projector.
type ProjectorOption func(*Projector)

// WithBatchSize provides an option to set the number of transactions
// sharing one unit of work. It defaults to 100.
func WithBatchSize(n int) ProjectorOption {
	return func(p *Projector) {
		p.batchSize = n
	}
}

// WithErrorHandler provides an option to set the projector's resolution
// policy. It defaults to RetryThenAbort(3).
func WithErrorHandler(fn ErrorHandler) ProjectorOption {
	return func(p *Projector) {
		p.handleErr = fn
	}
}

// WithRetrySleep provides an option to override the backoff between batch
// attempts. Used in tests.
func WithRetrySleep(fn func(ctx context.Context, attempt int)) ProjectorOption {
	return func(p *Projector) {
		p.sleep = fn
	}
}

// WithEnrich provides an option to set the state enrichment hook applied
// before each atomic state write.
func WithEnrich(fn EnrichFunc) ProjectorOption {
	return func(p *Projector) {
		p.enrich = fn
	}
}

// WithCorrelation provides an option to set the stream-to-projection
// correlation. It defaults to the identity; stream id equals projection key.
func WithCorrelation(fn CorrelateFunc) ProjectorOption {
	return func(p *Projector) {
		p.correlate = fn
	}
}

// WithQuarantine provides an option to set the quarantiner used to flag
// projections corrupted on ignore resolutions and to filter subsequent
// transactions targeting them.
func WithQuarantine(q Quarantiner) ProjectorOption {
	return func(p *Projector) {
		p.quarantiner = q
	}
}

// WithSkipInserter provides an option to record skipped transactions for
// audit. If recording fails the skip is blocked and the failure escalates.
func WithSkipInserter(fn SkipInsertFunc) ProjectorOption {
	return func(p *Projector) {
		p.skipInsert = fn
	}
}

// WithFilter provides an option to override the predicate excluding
// projections from processing. It defaults to the quarantiner's
// IsQuarantined. The predicate returns true if the projection may be
// processed.
func WithFilter(fn func(ctx context.Context, key string) (bool, error)) ProjectorOption {
	return func(p *Projector) {
		p.filter = fn
	}
}

// WithInvalidator provides an option to invalidate cached projections
// when they are quarantined.
func WithInvalidator(inv Invalidator) ProjectorOption {
	return func(p *Projector) {
		p.invalidator = inv
	}
}

// WithChildren provides an option to register child projectors. Children
// receive each batch within the parent's unit of work and their failures
// are attributed to the parent for resolution purposes.
func WithChildren(children ...*Projector) ProjectorOption {
	return func(p *Projector) {
		p.children = append(p.children, children...)
	}
}

// WithLagAlert provides an option to set the projector lag alert
// threshold. Setting it to -1 disables the alert.
func WithLagAlert(d time.Duration) ProjectorOption {
	return func(p *Projector) {
		p.lagAlert = d
	}
}

// WithActivityTTL provides an option to set the projector activity metric
// ttl; ie. if no batch is processed in `ttl` duration the projector is
// considered inactive. Setting it to -1 disables the activity metric.
func WithActivityTTL(ttl time.Duration) ProjectorOption {
	return func(p *Projector) {
		p.activityTTL = ttl
	}
}

// NewProjector returns a new instrumented projector applying the event map
// within units of work of the store and persisting progress to the state
// store.
func NewProjector(name string, emap *EventMap, store Store, sstore StateStore,
	opts ...ProjectorOption,
) *Projector {
	labels := makeLabels(name)

	p := &Projector{
		name:        name,
		emap:        emap,
		store:       store,
		sstore:      sstore,
		batchSize:   defaultBatchSize,
		handleErr:   RetryThenAbort(3),
		correlate:   func(streamID string) (string, bool) { return streamID, true },
		lagAlert:    defaultLagAlert,
		activityTTL: defaultActivityTTL,

		lagGauge:      projectorLag.With(labels),
		lagAlertGauge: projectorLagAlert.With(labels),
		errorCounter:  batchErrors.With(labels),
		retryCounter:  batchRetries.With(labels),
		skipCounter:   skippedTransactions.With(labels),
		quarCounter:   quarantinedProjections.With(labels),
		latencyHist:   batchLatency.With(labels),
	}

	for _, o := range opts {
		o(p)
	}

	if p.sleep == nil {
		p.sleep = defaultSleep
	}

	p.activityKey = projectorActivityGauge.Register(labels, p.activityTTL)

	return p
}

// Name returns the projector identity.
func (p *Projector) Name() string {
	return p.name
}

// BatchSize returns the number of transactions sharing one unit of work.
func (p *Projector) BatchSize() int {
	return p.batchSize
}

// ProcessBatch applies the batch of transactions, driving the
// exception-resolution state machine on failure. It returns nil once the
// batch is committed (possibly with ignored transactions skipped over), or
// a non-nil error wrapping ErrAborted if resolution escalated to abort.
// The checkpoint only advances on commit.
func (p *Projector) ProcessBatch(ctx context.Context, f fate.Fate, b Batch) error {
	if len(b) == 0 {
		return nil
	}

	t0 := time.Now()

	projectorActivityGauge.SetActive(p.activityKey)

	lag := t0.Sub(b[len(b)-1].Timestamp)
	p.lagGauge.Set(lag.Seconds())

	alert := 0.0
	if lag > p.lagAlert && p.lagAlert > 0 {
		alert = 1
	}
	p.lagAlertGauge.Set(alert)

	err := p.resolve(ctx, f, b)

	p.latencyHist.Observe(time.Since(t0).Seconds())

	return err
}

// resolve drives the per-attempt state machine for the batch.
func (p *Projector) resolve(ctx context.Context, f fate.Fate, b Batch) error {
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, f, b)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation wins; the attempt's unit was rolled back.
			return errors.Wrap(ctx.Err(), "batch attempt cancelled")
		}

		p.errorCounter.Inc()
		berr := newBatchError(err, p.name, b, attempt)

		res := ResolutionAbort
		if p.handleErr != nil {
			res = p.handleErr(berr, attempt)
		}

		switch res {
		case ResolutionRetry:
			log.Info(ctx, "projex: retrying batch",
				log.WithError(errors.Wrap(berr, "", berr.errKeys())))
			p.retryCounter.Inc()
			p.sleep(ctx, attempt)
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "retry cancelled")
			}
			continue

		case ResolutionRetryIndividual:
			if len(b) <= 1 {
				// Cannot narrow a singleton further.
				return p.abort(ctx, berr)
			}
			return p.retryIndividual(ctx, f, b)

		case ResolutionIgnore:
			if len(b) > 1 {
				// Ignore is only reachable once narrowed to a
				// single transaction.
				return p.abort(ctx, berr)
			}
			return p.skip(ctx, berr)

		default:
			return p.abort(ctx, berr)
		}
	}
}

// retryIndividual splits the batch into singleton sub-batches, each in its
// own unit of work with its own independent resolution. A sub-batch abort
// stops the remainder; already committed sub-batches stay committed.
func (p *Projector) retryIndividual(ctx context.Context, f fate.Fate, b Batch) error {
	for _, txn := range b {
		if err := p.resolve(ctx, f, Batch{txn}); err != nil {
			return err
		}
	}
	return nil
}

// attempt applies all transactions in the batch within one unit of work,
// committing the data mutations and the checkpoint update together.
func (p *Projector) attempt(ctx context.Context, f fate.Fate, b Batch) (err error) {
	u, err := p.store.BeginUnit(ctx)
	if err != nil {
		return errors.Wrap(err, "begin unit")
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := u.Rollback(); rerr != nil {
			log.Error(ctx, errors.Wrap(rerr, "projex: unit rollback error"))
		}
	}()

	err = p.applyBatch(ctx, f, u, b)
	if err != nil {
		return err
	}

	err = f.Tempt()
	if err != nil {
		return errors.Wrap(err, "fate error")
	}

	return errors.Wrap(u.Commit(ctx), "commit unit")
}

// applyBatch applies the batch and queues this projector's (and its
// children's) state writes on the unit.
func (p *Projector) applyBatch(ctx context.Context, f fate.Fate, u Unit, b Batch) error {
	for _, txn := range b {
		ok, err := p.allowed(ctx, txn)
		if err != nil {
			return &BatchError{Err: err, Projector: p.name, Batch: b, Transaction: txn}
		}
		if !ok {
			// Target projection is quarantined; the transaction is
			// excluded but the checkpoint still advances past it.
			log.Info(ctx, "projex: excluding transaction for quarantined projection",
				j.MKS{"projector": p.name, "txn_id": txn.ID, "stream_id": txn.StreamID})
			continue
		}

		tctx := tracing.Inject(ctx, txn.Trace)
		tctx = log.ContextWith(tctx, j.MKS{
			"txn_id":    txn.ID,
			"stream_id": txn.StreamID,
		})

		pc := &Context{txn: txn, unit: u, fate: f}
		for i := range txn.Events {
			if _, err := p.emap.Handle(tctx, pc, &txn.Events[i]); err != nil {
				return &BatchError{Err: err, Projector: p.name, Batch: b, Transaction: txn}
			}
		}
	}

	for _, c := range p.children {
		if err := c.applyBatch(ctx, f, u, b); err != nil {
			return err
		}
	}

	return p.saveState(ctx, u, b[len(b)-1], true)
}

// saveState queues the checkpoint advance on the unit, applying the
// enrichment hook when the batch was handled (not merely skipped over).
func (p *Projector) saveState(ctx context.Context, u Unit, last *Transaction, enrich bool) error {
	st := State{
		Projector:  p.name,
		Checkpoint: last.Checkpoint,
		UpdatedAt:  now(),
	}
	if enrich && p.enrich != nil {
		if err := p.enrich(&st, last); err != nil {
			return errors.Wrap(err, "enrich state")
		}
	}
	return errors.Wrap(p.sstore.SaveState(ctx, u, st), "save state")
}

// allowed returns whether the transaction's target projection may be
// processed; quarantined projections are excluded from both read and
// write paths.
func (p *Projector) allowed(ctx context.Context, txn *Transaction) (bool, error) {
	key, ok := p.correlate(txn.StreamID)
	if !ok {
		return true, nil
	}
	if p.filter != nil {
		return p.filter(ctx, key)
	}
	if p.quarantiner != nil {
		q, err := p.quarantiner.IsQuarantined(ctx, key)
		return !q, err
	}
	return true, nil
}

// skip resolves an ignored singleton: the offending transaction's effects
// were discarded; record it for audit, quarantine the associated
// projection if discoverable, and advance the checkpoint past it in its
// own unit of work.
func (p *Projector) skip(ctx context.Context, berr *BatchError) error {
	txn := berr.Batch[0]

	if p.skipInsert != nil {
		if err := p.skipInsert(ctx, p.name, txn.ID, txn.StreamID, berr.Err.Error()); err != nil {
			log.Error(ctx, errors.Wrap(err, "projex: cannot record skipped transaction",
				berr.errKeys()))
			return p.abort(ctx, berr)
		}
	}

	var quarantineKey string
	if p.quarantiner != nil {
		key, ok := p.correlate(txn.StreamID)
		if !ok {
			// No discoverable stream-to-projection correlation; the
			// projection cannot be quarantined so the failure must
			// propagate.
			return p.abort(ctx, berr)
		}
		quarantineKey = key
	}

	u, err := p.store.BeginUnit(ctx)
	if err != nil {
		return errors.Wrap(err, "begin skip unit")
	}
	defer func() {
		if err != nil {
			if rerr := u.Rollback(); rerr != nil {
				log.Error(ctx, errors.Wrap(rerr, "projex: skip unit rollback error"))
			}
		}
	}()

	if quarantineKey != "" {
		err = p.quarantiner.Quarantine(ctx, u, quarantineKey, berr.Err.Error())
		if err != nil {
			return errors.Wrap(err, "quarantine projection")
		}
	}

	err = p.saveState(ctx, u, txn, false)
	if err != nil {
		return err
	}

	err = u.Commit(ctx)
	if err != nil {
		return errors.Wrap(err, "commit skip unit")
	}

	if quarantineKey != "" {
		if p.invalidator != nil {
			p.invalidator.Invalidate(quarantineKey)
		}
		p.quarCounter.Inc()
	}
	p.skipCounter.Inc()

	log.Info(ctx, "projex: ignoring poisoned transaction",
		log.WithError(errors.Wrap(berr.Err, "", berr.errKeys())))

	return nil
}

func (p *Projector) abort(ctx context.Context, berr *BatchError) error {
	log.Error(ctx, errors.Wrap(berr, "projex: aborting batch", berr.errKeys()))
	return errors.Wrap(ErrAborted, berr.Error(), berr.errKeys())
}

// defaultSleep blocks for a doubling backoff capped at one minute, or
// until the context is cancelled.
func defaultSleep(ctx context.Context, attempt int) {
	d := defaultRetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			d = maxRetryBackoff
			break
		}
	}

	t := newTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// newTimer is aliased for testing.
var newTimer = time.NewTimer

// now is aliased for testing.
var now = time.Now
