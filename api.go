package projex

import (
	"context"
	"strconv"
	"time"
)

// Transaction is an immutable, ordered group of events committed atomically
// by the upstream event store. It is scoped to one logical stream and
// identified by a store-assigned checkpoint.
type Transaction struct {
	ID         string
	StreamID   string
	Timestamp  time.Time
	Checkpoint int64
	Events     []Event
	Headers    map[string]string
	Trace      []byte
}

// StreamIDInt returns the stream id as an int64 or 0 if it is not an integer.
func (t *Transaction) StreamIDInt() int64 {
	i, _ := strconv.ParseInt(t.StreamID, 10, 64)
	return i
}

// IsStreamIDInt returns true if the stream id is an integer.
func (t *Transaction) IsStreamIDInt() bool {
	_, err := strconv.ParseInt(t.StreamID, 10, 64)
	return err == nil
}

// Event is a typed payload inside a transaction. Metadata of the owning
// transaction is exposed to handlers via the Context.
type Event struct {
	Type      EventType
	ForeignID string
	MetaData  []byte
}

// EventType is an interface for enums that act as projex event types.
type EventType interface {
	// ProjexType returns the type as an int.
	ProjexType() int
}

// IsType returns true if the source event type equals the target type.
func IsType(source, target EventType) bool {
	return source.ProjexType() == target.ProjexType()
}

// IsAnyType returns true if the source event type equals any of the target types.
func IsAnyType(source EventType, targets ...EventType) bool {
	for _, target := range targets {
		if source.ProjexType() == target.ProjexType() {
			return true
		}
	}
	return false
}

// eventType is the internal implementation of EventType interface.
type eventType int

func (t eventType) ProjexType() int {
	return int(t)
}

// Batch is an ordered slice of consecutive transactions sharing one
// unit of work when projected.
type Batch []*Transaction

// StreamClient is a stream interface providing subsequent transaction
// batches on calls to Recv.
type StreamClient interface {
	// Recv blocks until the next batch of transactions is available.
	// Either the batch or error is non-nil. It returns
	// ErrCheckpointNotFound if the requested starting checkpoint
	// predates the store's retained history.
	Recv() (Batch, error)
}

// StreamFunc is the main projex stream interface that all transaction
// sources should provide. It returns a long lived StreamClient that will
// stream transactions committed strictly after the given checkpoint, or
// from the beginning if it is zero.
type StreamFunc func(ctx context.Context, after int64, opts ...StreamOption) (StreamClient, error)

// Unit is a unit of work; a scoped set of projection store mutations
// committed or discarded atomically together with the checkpoint update.
// A unit is exclusively owned by the single batch attempt using it and is
// never shared across concurrent attempts.
type Unit interface {
	// Commit flushes all queued mutations and the checkpoint update
	// as a single atomic step.
	Commit(ctx context.Context) error

	// Rollback discards all queued mutations. It is a noop after Commit.
	Rollback() error
}

// Store provides units of work against a projection store.
type Store interface {
	BeginUnit(ctx context.Context) (Unit, error)
}

// State is the persisted state of one projector. Checkpoint zero means the
// projector never ran. Extra holds projector-defined enrichment fields.
type State struct {
	Projector  string
	Checkpoint int64
	UpdatedAt  time.Time
	Extra      map[string]string
}

// StateStore persists projector states. SaveState is called with the unit
// of work of the batch being committed so that the checkpoint advance is
// atomic with the batch's data mutations.
type StateStore interface {
	// GetState returns the projector's state, or a zero state if the
	// projector never ran.
	GetState(ctx context.Context, projector string) (State, error)

	// SaveState queues the state write on the given unit of work.
	SaveState(ctx context.Context, u Unit, state State) error
}

// Spec specifies all the elements required to subscribe a projector to a
// transaction stream. StreamFunc is the source of the transactions.
// Projector applies them and owns the fine-grained resolution policy.
// StateStore persists the checkpoint of projected transactions. As long as
// the elements do not change the projector is guaranteed ordered delivery
// of all transactions in the stream.
type Spec struct {
	stream    StreamFunc
	sstore    StateStore
	projector *Projector
	opts      []StreamOption
}

// Name returns the name of the spec which is the name of the projector.
func (s Spec) Name() string {
	return s.projector.Name()
}

// NewSpec returns a new Spec.
func NewSpec(stream StreamFunc, sstore StateStore, p *Projector, opts ...StreamOption) Spec {
	return Spec{
		stream:    stream,
		sstore:    sstore,
		projector: p,
		opts:      opts,
	}
}
