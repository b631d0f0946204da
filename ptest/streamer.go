// Package ptest provides in-memory implementations of the projex
// interfaces for testing projectors and subscriptions without external
// infrastructure.
package ptest

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"

	"github.com/luno/projex"
)

// Streamer is an in-memory transaction source. Inserted transactions are
// assigned consecutive checkpoints starting at 1.
type Streamer struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	log        []*projex.Transaction
	next       int64
	stopAtHead bool
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithStopAtHead provides an option to return ErrHeadReached once all
// inserted transactions are consumed instead of blocking for more.
func WithStopAtHead() StreamerOption {
	return func(s *Streamer) {
		s.stopAtHead = true
	}
}

// NewStreamer returns a new in-memory transaction streamer.
func NewStreamer(opts ...StreamerOption) *Streamer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Streamer{
		ctx:    ctx,
		cancel: cancel,
		next:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop stops all open stream clients with ErrStopped.
func (s *Streamer) Stop() {
	s.cancel()
}

// InsertTx appends the transaction to the log, assigning it the next
// checkpoint. The assigned checkpoint is returned.
func (s *Streamer) InsertTx(txn *projex.Transaction) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn.Checkpoint = s.next
	s.next++
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now()
	}
	s.log = append(s.log, txn)
	return txn.Checkpoint
}

// Reset discards the whole log and restarts checkpoints at 1, simulating
// an upstream store restored from an old (empty) backup. Subscriptions
// holding a later checkpoint will receive ErrCheckpointNotFound.
func (s *Streamer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = nil
	s.next = 1
}

// head returns the checkpoint of the last retained transaction, or zero.
func (s *Streamer) head() int64 {
	if len(s.log) == 0 {
		return 0
	}
	return s.log[len(s.log)-1].Checkpoint
}

// StreamFunc returns the streamer as a projex StreamFunc.
func (s *Streamer) StreamFunc() projex.StreamFunc {
	return func(ctx context.Context, after int64, opts ...projex.StreamOption,
	) (projex.StreamClient, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var options projex.StreamOptions
		for _, opt := range opts {
			opt(&options)
		}

		if options.StreamFromHead {
			after = s.head()
		}

		return &streamClient{
			ctx:      ctx,
			streamer: s,
			after:    after,
		}, nil
	}
}

type streamClient struct {
	ctx      context.Context
	streamer *Streamer
	after    int64
}

// Recv returns the next batch of transactions after the client's position.
// It returns ErrCheckpointNotFound when the position exceeds the head of
// the retained log.
func (c *streamClient) Recv() (projex.Batch, error) {
	for {
		if err := c.ctx.Err(); err != nil {
			return nil, err
		}
		if c.streamer.ctx.Err() != nil {
			return nil, errors.Wrap(projex.ErrStopped, "")
		}

		b, err := c.poll()
		if err != nil {
			return nil, err
		}
		if len(b) > 0 {
			c.after = b[len(b)-1].Checkpoint
			return b, nil
		}

		if c.streamer.stopAtHead {
			return nil, errors.Wrap(projex.ErrHeadReached, "")
		}

		time.Sleep(time.Millisecond * 10)
	}
}

func (c *streamClient) poll() (projex.Batch, error) {
	c.streamer.mu.Lock()
	defer c.streamer.mu.Unlock()

	if c.after > c.streamer.head() {
		return nil, errors.Wrap(projex.ErrCheckpointNotFound, "")
	}

	var b projex.Batch
	for _, txn := range c.streamer.log {
		if txn.Checkpoint > c.after {
			b = append(b, txn)
		}
	}
	return b, nil
}
