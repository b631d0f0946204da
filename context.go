package projex

import (
	"time"

	"github.com/luno/fate"
)

// Context is the per-transaction projection context passed to event
// handlers. It exposes the metadata of the owning transaction and the unit
// of work of the current batch attempt.
type Context struct {
	txn  *Transaction
	unit Unit
	fate fate.Fate
}

// TransactionID returns the id of the owning transaction.
func (c *Context) TransactionID() string {
	return c.txn.ID
}

// StreamID returns the logical stream the transaction applies to.
func (c *Context) StreamID() string {
	return c.txn.StreamID
}

// Timestamp returns the upstream commit time of the transaction.
func (c *Context) Timestamp() time.Time {
	return c.txn.Timestamp
}

// Checkpoint returns the transaction's position in the stream.
func (c *Context) Checkpoint() int64 {
	return c.txn.Checkpoint
}

// Header returns the transaction header for the key, or an empty string.
func (c *Context) Header(key string) string {
	return c.txn.Headers[key]
}

// Transaction returns the owning transaction.
func (c *Context) Transaction() *Transaction {
	return c.txn
}

// Unit returns the unit of work of the current batch attempt. Mutations
// queued on it commit atomically with the checkpoint update.
func (c *Context) Unit() Unit {
	return c.unit
}

// Fate returns the fate of the current batch attempt.
func (c *Context) Fate() fate.Fate {
	return c.fate
}
