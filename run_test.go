package projex_test

import (
	"context"
	"sync"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/projex"
	"github.com/luno/projex/ptest"
)

// recorder collects handled stream ids in order, safe for the streamer's
// background delivery.
type recorder struct {
	mu      sync.Mutex
	streams []string
}

func (r *recorder) handler() projex.Handler {
	return func(_ context.Context, pc *projex.Context, _ *projex.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.streams = append(r.streams, pc.StreamID())
		return nil
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.streams...)
}

func insertTxns(s *ptest.Streamer, streams ...string) {
	for _, stream := range streams {
		s.InsertTx(&projex.Transaction{
			ID:       "txn_" + stream,
			StreamID: stream,
			Events:   []projex.Event{{Type: typeUpdated, ForeignID: stream}},
		})
	}
}

func newRecordingProjector(t *testing.T, name string, store *ptest.MemStore,
	rec *recorder, opts ...projex.ProjectorOption,
) *projex.Projector {
	t.Helper()

	emap, err := projex.NewEventMapBuilder().
		MapAny().Do(rec.handler()).
		Build()
	jtest.RequireNil(t, err)

	opts = append([]projex.ProjectorOption{projex.WithRetrySleep(noSleep)}, opts...)
	return projex.NewProjector(name, emap, store, store, opts...)
}

func TestRunOrdering(t *testing.T) {
	streamer := ptest.NewStreamer(ptest.WithStopAtHead())
	store := ptest.NewMemStore()
	rec := new(recorder)

	insertTxns(streamer, "a", "b", "c", "d", "e")

	var infos []projex.SubscriptionInfo
	p := newRecordingProjector(t, "run_ordering", store, rec,
		projex.WithBatchSize(2))

	spec := projex.NewSpec(streamer.StreamFunc(), store, p,
		projex.WithOnSuccess(func(_ context.Context, info projex.SubscriptionInfo) {
			infos = append(infos, info)
		}))

	err := projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)
	require.True(t, projex.IsExpected(err))

	require.Equal(t, []string{"a", "b", "c", "d", "e"}, rec.get())

	// The batch was chunked by the projector's batch size and the success
	// hook saw each committed chunk's last checkpoint.
	require.Equal(t, []projex.SubscriptionInfo{
		{ID: "run_ordering", LastProcessed: 2},
		{ID: "run_ordering", LastProcessed: 4},
		{ID: "run_ordering", LastProcessed: 5},
	}, infos)

	st, err := store.GetState(context.Background(), "run_ordering")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(5), st.Checkpoint)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	streamer := ptest.NewStreamer(ptest.WithStopAtHead())
	store := ptest.NewMemStore()
	rec := new(recorder)

	p := newRecordingProjector(t, "run_resume", store, rec)
	spec := projex.NewSpec(streamer.StreamFunc(), store, p)

	insertTxns(streamer, "a", "b")
	err := projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)

	insertTxns(streamer, "c")
	err = projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)

	// No transaction was delivered twice.
	require.Equal(t, []string{"a", "b", "c"}, rec.get())

	st, err := store.GetState(context.Background(), "run_resume")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(3), st.Checkpoint)
}

func TestRunRestartWhenAhead(t *testing.T) {
	streamer := ptest.NewStreamer(ptest.WithStopAtHead())
	store := ptest.NewMemStore()
	rec := new(recorder)

	p := newRecordingProjector(t, "run_restart", store, rec)

	var hookCalls int
	spec := projex.NewSpec(streamer.StreamFunc(), store, p,
		projex.WithRestartWhenAhead(func(context.Context) error {
			hookCalls++
			return nil
		}))

	insertTxns(streamer, "a", "b", "c")
	err := projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)

	// Simulate the upstream store restored from an old backup; its history
	// no longer covers our checkpoint.
	streamer.Reset()
	insertTxns(streamer, "x", "y")

	err = projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)

	require.Equal(t, 1, hookCalls)
	require.Equal(t, []string{"a", "b", "c", "x", "y"}, rec.get())

	st, err := store.GetState(context.Background(), "run_restart")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(2), st.Checkpoint)
}

func TestRunAheadWithoutRestartOption(t *testing.T) {
	streamer := ptest.NewStreamer(ptest.WithStopAtHead())
	store := ptest.NewMemStore()
	rec := new(recorder)

	p := newRecordingProjector(t, "run_ahead", store, rec)
	spec := projex.NewSpec(streamer.StreamFunc(), store, p)

	insertTxns(streamer, "a")
	err := projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)

	streamer.Reset()

	// Without the restart option the history loss surfaces to the owner.
	err = projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrCheckpointNotFound, err)
	require.Equal(t, []string{"a"}, rec.get())
}

func TestRunStreamFromHead(t *testing.T) {
	streamer := ptest.NewStreamer(ptest.WithStopAtHead())
	store := ptest.NewMemStore()
	rec := new(recorder)

	insertTxns(streamer, "a", "b", "c")

	p := newRecordingProjector(t, "run_from_head", store, rec)
	spec := projex.NewSpec(streamer.StreamFunc(), store, p,
		projex.WithStreamFromHead())

	err := projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrHeadReached, err)

	// History was skipped.
	require.Empty(t, rec.get())
}

func TestRunSubscriptionRetry(t *testing.T) {
	streamer := ptest.NewStreamer(ptest.WithStopAtHead())
	store := ptest.NewMemStore()

	insertTxns(streamer, "a")

	var attempts int
	emap, err := projex.NewEventMapBuilder().
		MapAny().Do(func(context.Context, *projex.Context, *projex.Event) error {
		attempts++
		return errors.New("permanent")
	}).
		Build()
	jtest.RequireNil(t, err)

	// The projector aborts immediately; the subscription retries once
	// before surfacing the abort.
	p := projex.NewProjector("run_sub_retry", emap, store, store,
		projex.WithErrorHandler(projex.RetryThenAbort(1)),
		projex.WithRetrySleep(noSleep))

	spec := projex.NewSpec(streamer.StreamFunc(), store, p,
		projex.WithSubErrorHandler(projex.RetryThenAbort(2)),
		projex.WithSubRetrySleep(noSleep))

	err = projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrAborted, err)
	require.Equal(t, 2, attempts)

	st, err := store.GetState(context.Background(), "run_sub_retry")
	jtest.RequireNil(t, err)
	require.Zero(t, st.Checkpoint)
}

func TestRunCancelled(t *testing.T) {
	streamer := ptest.NewStreamer()
	store := ptest.NewMemStore()
	rec := new(recorder)

	p := newRecordingProjector(t, "run_cancelled", store, rec)
	spec := projex.NewSpec(streamer.StreamFunc(), store, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := projex.Run(ctx, spec)
	jtest.Require(t, context.Canceled, err)
	require.True(t, projex.IsExpected(err))
}

func TestRunStopped(t *testing.T) {
	streamer := ptest.NewStreamer()
	store := ptest.NewMemStore()
	rec := new(recorder)

	p := newRecordingProjector(t, "run_stopped", store, rec)
	spec := projex.NewSpec(streamer.StreamFunc(), store, p)

	streamer.Stop()

	err := projex.Run(context.Background(), spec)
	jtest.Require(t, projex.ErrStopped, err)
	require.True(t, projex.IsExpected(err))
}
