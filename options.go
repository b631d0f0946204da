package projex

import (
	"context"
	"time"
)

// StreamOptions provide options for a subscription. Source options are
// sent to the transaction source; subscription options are extracted and
// implemented by Run before the source sees them.
type StreamOptions struct {
	// Lag defines the duration after a transaction is committed upstream
	// before it becomes eligible for streaming.
	Lag time.Duration

	// StreamFromHead defines that the initial transaction be retrieved
	// from the head of the stream, skipping history.
	StreamFromHead bool

	// RestartWhenAhead defines that the subscription restarts from the
	// beginning when the source no longer retains the requested
	// checkpoint, ex. after a store restore from backup.
	RestartWhenAhead bool

	// BeforeRestarting is invoked exactly once per detected history loss
	// before the subscription restarts from the beginning. Use it to
	// purge stale projections. It requires RestartWhenAhead.
	BeforeRestarting func(ctx context.Context) error

	// OnSuccess is invoked after each batch commits without error.
	OnSuccess func(ctx context.Context, info SubscriptionInfo)

	// ErrorHandler is the subscription-wide resolution policy consulted
	// when the projector surfaces a batch error. It is typically coarser
	// than the projector's own policy; retry-then-abort. Nil aborts on
	// the first surfaced error.
	ErrorHandler ErrorHandler

	// RetrySleep blocks between subscription-level retries.
	// Defaults to a one minute sleep. Overridable for testing.
	RetrySleep func(ctx context.Context, attempt int)
}

// SubscriptionInfo identifies a live subscription and its progress.
type SubscriptionInfo struct {
	ID            string
	LastProcessed int64
}

// StreamOption defines a functional option that configures StreamOptions.
type StreamOption func(*StreamOptions)

// WithStreamFromHead provides an option to stream only new transactions
// from the head of the stream. Note this overrides the "after" parameter.
func WithStreamFromHead() StreamOption {
	return func(so *StreamOptions) {
		so.StreamFromHead = true
	}
}

// WithStreamLag provides an option to stream transactions only after they
// are older than a duration.
func WithStreamLag(d time.Duration) StreamOption {
	return func(so *StreamOptions) {
		so.Lag = d
	}
}

// WithRestartWhenAhead provides an option to restart the subscription from
// the beginning when the source reports that the requested checkpoint no
// longer exists. The hook, if non-nil, is invoked before restarting.
func WithRestartWhenAhead(hook func(ctx context.Context) error) StreamOption {
	return func(so *StreamOptions) {
		so.RestartWhenAhead = true
		so.BeforeRestarting = hook
	}
}

// WithOnSuccess provides an option to invoke fn after each batch commits
// without error; ex. to clear externally tracked error state.
func WithOnSuccess(fn func(ctx context.Context, info SubscriptionInfo)) StreamOption {
	return func(so *StreamOptions) {
		so.OnSuccess = fn
	}
}

// WithSubErrorHandler provides an option to set the subscription-wide
// resolution policy applied when the projector surfaces a batch error.
func WithSubErrorHandler(fn ErrorHandler) StreamOption {
	return func(so *StreamOptions) {
		so.ErrorHandler = fn
	}
}

// WithSubRetrySleep provides an option to override the sleep between
// subscription-level retries. Used in tests.
func WithSubRetrySleep(fn func(ctx context.Context, attempt int)) StreamOption {
	return func(so *StreamOptions) {
		so.RetrySleep = fn
	}
}

// sourceOptions returns the subset of options the transaction source
// implements itself. Lag and the subscription options are implemented
// by Run.
func sourceOptions(opts []StreamOption) []StreamOption {
	var res []StreamOption
	for _, opt := range opts {
		var temp StreamOptions
		opt(&temp)
		if temp.StreamFromHead {
			res = append(res, opt)
		}
	}
	return res
}
