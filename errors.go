package projex

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	// ErrStopped is returned when a transaction stream is stopped.
	// Clients should check for this error and reconnect.
	ErrStopped = errors.New("the transaction stream has been stopped", j.C("ERR_1d5b2f8e30a94c77"))

	// ErrHeadReached is returned by sources that only stream history
	// once the current head of the stream is reached.
	ErrHeadReached = errors.New("the transaction stream has reached the current head", j.C("ERR_8f21c6da4b0e93a1"))

	// ErrCheckpointNotFound is returned when the requested starting
	// checkpoint predates the source's retained history. It indicates the
	// upstream store was reset or restored and already-projected state is
	// stale. See WithRestartWhenAhead.
	ErrCheckpointNotFound = errors.New("checkpoint not found in the transaction stream", j.C("ERR_3e9a51c07bd24f88"))

	// ErrAborted is returned when a batch's resolution escalated to
	// abort. The checkpoint remains at its last committed value.
	ErrAborted = errors.New("projection of the batch was aborted", j.C("ERR_b70c34fa812d95e6"))

	// ErrDuplicate is returned by executors when creating a projection
	// that already exists.
	ErrDuplicate = errors.New("projection already exists", j.C("ERR_64d80b3c19fea254"))

	// ErrMissing is returned by executors when updating or deleting a
	// projection that does not exist.
	ErrMissing = errors.New("projection not found", j.C("ERR_c52e97a4061db3f9"))

	// ErrQuarantined is returned by executors when reading or mutating a
	// projection flagged corrupted.
	ErrQuarantined = errors.New("projection is quarantined", j.C("ERR_05af7c2d98e4b163"))
)

// IsStoppedErr returns true if the error is ErrStopped.
func IsStoppedErr(err error) bool {
	return errors.Is(err, ErrStopped)
}

// IsHeadReachedErr returns true if the error is ErrHeadReached.
func IsHeadReachedErr(err error) bool {
	return errors.Is(err, ErrHeadReached)
}

// IsExpected returns true if the error is expected during normal operation
// of a subscription; ex. graceful stops and context cancellation.
func IsExpected(err error) bool {
	return errors.IsAny(err,
		ErrStopped,
		ErrHeadReached,
		context.Canceled,
		context.DeadlineExceeded,
	)
}
