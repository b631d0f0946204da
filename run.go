package projex

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
)

// Run executes the spec by streaming transaction batches from the current
// checkpoint, feeding each into the projector and detecting source history
// loss. It always returns a non-nil error. Cancel the context to return
// early.
func Run(in context.Context, s Spec) error {
	ctx, cancel := context.WithCancel(in)
	defer cancel()

	var options StreamOptions
	for _, opt := range s.opts {
		opt(&options)
	}
	if options.RetrySleep == nil {
		options.RetrySleep = defaultSleep
	}

	state, err := s.sstore.GetState(ctx, s.projector.Name())
	if err != nil {
		return errors.Wrap(err, "get state error")
	}
	after := state.Checkpoint

	// Subscription options are implemented here, only pass source
	// options downstream.
	srcOpts := sourceOptions(s.opts)

	for {
		err := s.run(ctx, after, options, srcOpts)
		if errors.Is(err, ErrCheckpointNotFound) && options.RestartWhenAhead && after != 0 {
			// The source was reset or restored and no longer retains
			// our checkpoint; already-projected state is stale.
			log.Info(ctx, "projex: checkpoint not found, restarting subscription",
				j.MKS{"projector": s.Name(), "checkpoint": strconv.FormatInt(after, 10)})

			if options.BeforeRestarting != nil {
				if herr := options.BeforeRestarting(ctx); herr != nil {
					return errors.Wrap(herr, "before restarting hook error")
				}
			}

			after = 0
			continue
		}
		return err
	}
}

// run streams batches from after until an error is encountered.
func (s Spec) run(ctx context.Context, after int64, options StreamOptions,
	srcOpts []StreamOption,
) error {
	sc, err := s.stream(ctx, after, srcOpts...)
	if err != nil {
		return err
	}

	// Check if the stream client is a closer.
	if closer, ok := sc.(io.Closer); ok {
		defer closer.Close()
	}

	f := fate.New()
	info := SubscriptionInfo{ID: s.Name(), LastProcessed: after}

	for {
		b, err := sc.Recv()
		if err != nil {
			return errors.Wrap(err, "recv error")
		}
		if len(b) == 0 {
			continue
		}

		// Delay batches if lag specified.
		if delay := options.Lag - since(b[len(b)-1].Timestamp); options.Lag > 0 && delay > 0 {
			t := newTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		for _, chunk := range chunkBatch(b, s.projector.BatchSize()) {
			if err := s.processChunk(ctx, f, chunk, options, &info); err != nil {
				return err
			}
		}
	}
}

// processChunk feeds one chunk to the projector, applying the
// subscription-wide resolution policy on surfaced errors.
func (s Spec) processChunk(ctx context.Context, f fate.Fate, chunk Batch,
	options StreamOptions, info *SubscriptionInfo,
) error {
	for attempt := 1; ; attempt++ {
		err := s.projector.ProcessBatch(ctx, f, chunk)
		if err == nil {
			info.LastProcessed = chunk[len(chunk)-1].Checkpoint
			if options.OnSuccess != nil {
				options.OnSuccess(ctx, *info)
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		res := ResolutionAbort
		if options.ErrorHandler != nil {
			res = options.ErrorHandler(err, attempt)
		}
		if res != ResolutionRetry {
			// The subscription's own policy is coarse; anything but
			// retry surfaces to the owner without advancing state.
			return errors.Wrap(err, "process batch error", j.MKS{
				"checkpoint": strconv.FormatInt(chunk[len(chunk)-1].Checkpoint, 10),
			})
		}

		log.Info(ctx, "projex: subscription retrying batch",
			log.WithError(errors.Wrap(err, "", j.KS("projector", s.Name()))))
		options.RetrySleep(ctx, attempt)
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "retry cancelled")
		}
	}
}

// RunForever continuously calls Run, backing off and logging on
// unexpected errors.
func RunForever(getCtx func() context.Context, s Spec) {
	for {
		ctx := getCtx()
		ctx = log.ContextWith(ctx, j.KS("projector", s.Name()))

		err := Run(ctx, s)
		if IsExpected(err) {
			// Just retry on expected errors.
			time.Sleep(time.Millisecond * 100) // Don't spin
			continue
		}

		log.Error(ctx, errors.Wrap(err, "run forever error"))
		time.Sleep(time.Minute) // 1 min backoff on errors
	}
}

// chunkBatch splits the batch into chunks of at most size transactions.
func chunkBatch(b Batch, size int) []Batch {
	if size <= 0 || len(b) <= size {
		return []Batch{b}
	}

	var res []Batch
	for len(b) > size {
		res = append(res, b[:size])
		b = b[size:]
	}
	return append(res, b)
}

// since is aliased for testing.
var since = time.Since
