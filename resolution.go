package projex

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Resolution is the outcome of an exception decision for a failed batch
// attempt.
type Resolution int

const (
	// ResolutionUnknown is an invalid resolution and escalates to abort.
	ResolutionUnknown Resolution = 0

	// ResolutionRetry discards the attempt's partial effects and retries
	// the same batch after a backoff.
	ResolutionRetry Resolution = 1

	// ResolutionRetryIndividual splits the batch into singleton
	// sub-batches, each applied in its own unit of work with its own
	// independent resolution.
	ResolutionRetryIndividual Resolution = 2

	// ResolutionIgnore discards the offending transaction's effects,
	// optionally quarantines the associated projection, and advances
	// past it. Only valid once the batch is a single transaction.
	ResolutionIgnore Resolution = 3

	// ResolutionAbort stops processing the batch without advancing the
	// checkpoint and surfaces the error to the subscription owner.
	ResolutionAbort Resolution = 4
)

func (r Resolution) String() string {
	switch r {
	case ResolutionRetry:
		return "retry"
	case ResolutionRetryIndividual:
		return "retry_individual"
	case ResolutionIgnore:
		return "ignore"
	case ResolutionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ErrorHandler decides how a failed batch attempt is resolved. It is
// supplied by the operator of each projector or subscription and must be
// safe to call repeatedly with increasing attempt counts (starting at 1).
type ErrorHandler func(err error, attempt int) Resolution

// RetryThenAbort returns an ErrorHandler that retries up to the given
// number of attempts and then aborts.
func RetryThenAbort(attempts int) ErrorHandler {
	return func(err error, attempt int) Resolution {
		if attempt < attempts {
			return ResolutionRetry
		}
		return ResolutionAbort
	}
}

// RetryThenSkip returns an ErrorHandler that retries up to the given
// number of attempts, then narrows multi-transaction batches down to the
// offending transaction and skips it. This is the canonical policy for
// non-transient failures that should not block the rest of the stream.
func RetryThenSkip(attempts int) ErrorHandler {
	return func(err error, attempt int) Resolution {
		if attempt < attempts {
			return ResolutionRetry
		}
		berr := new(BatchError)
		if errors.As(err, &berr) && len(berr.Batch) > 1 {
			return ResolutionRetryIndividual
		}
		return ResolutionIgnore
	}
}

// BatchError wraps a failure during batch application with maximal
// contextual detail before any resolution decision is made. It is created
// at the failure site and consumed by the resolution policy, never
// persisted.
type BatchError struct {
	// Err is the underlying failure.
	Err error

	// Projector is the identity of the projector the failure is
	// attributed to. Child failures are attributed to the parent.
	Projector string

	// Batch is the full batch of transactions being processed.
	Batch Batch

	// Attempt is the number of times the batch was attempted, starting at 1.
	Attempt int

	// Transaction is the offending transaction if it could be recovered,
	// else nil.
	Transaction *Transaction
}

func (e *BatchError) Error() string {
	msg := fmt.Sprintf("projector %s failed applying batch of %d (attempt %d)",
		e.Projector, len(e.Batch), e.Attempt)
	if e.Transaction != nil {
		msg += fmt.Sprintf(" at transaction %s", e.Transaction.ID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func newBatchError(err error, projector string, b Batch, attempt int) *BatchError {
	berr := new(BatchError)
	if errors.As(err, &berr) {
		// Keep the innermost positional detail, re-attribute to this
		// projector and batch.
		return &BatchError{
			Err:         berr.Err,
			Projector:   projector,
			Batch:       b,
			Attempt:     attempt,
			Transaction: berr.Transaction,
		}
	}

	res := &BatchError{
		Err:       err,
		Projector: projector,
		Batch:     b,
		Attempt:   attempt,
	}
	if len(b) == 1 {
		res.Transaction = b[0]
	}
	return res
}

// errKeys returns jettison keys identifying the batch error for logging.
func (e *BatchError) errKeys() j.MKS {
	keys := j.MKS{
		"projector": e.Projector,
		"attempt":   fmt.Sprint(e.Attempt),
	}
	if e.Transaction != nil {
		keys["txn_id"] = e.Transaction.ID
		keys["stream_id"] = e.Transaction.StreamID
	}
	return keys
}
