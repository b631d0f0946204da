package psql

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/projex"
)

const (
	defaultSkipsTable          = "projection_skips"
	defaultSkipsProjectorField = "projector"
	defaultSkipsTxnIDField     = "txn_id"
	defaultSkipsStreamIDField  = "stream_id"
	defaultSkipsMsgField       = "error_msg"
	defaultSkipsStatusField    = "error_status"
	defaultSkipsCreatedField   = "created_at"
)

// SkipStatus is the audit state of a skipped transaction. New records are
// inserted as SkipRecorded; operators update the status out of band once
// the skip is reviewed or replayed.
type SkipStatus int

const (
	// SkipRecorded is the initial status of a skip audit record.
	SkipRecorded SkipStatus = 1

	// SkipReviewed means an operator inspected the record and accepted
	// the data loss.
	SkipReviewed SkipStatus = 2

	// SkipReplayed means the transaction was replayed after the
	// underlying failure was fixed.
	SkipReplayed SkipStatus = 3
)

// NewSkipsTable returns a table auditing transactions skipped by ignore
// resolutions.
func NewSkipsTable(opts ...SkipsOption) *SkipsTable {
	table := &SkipsTable{
		schema: sktableSchema{
			name:           quoted(defaultSkipsTable),
			projectorField: quoted(defaultSkipsProjectorField),
			txnIDField:     quoted(defaultSkipsTxnIDField),
			streamIDField:  quoted(defaultSkipsStreamIDField),
			msgField:       quoted(defaultSkipsMsgField),
			statusField:    quoted(defaultSkipsStatusField),
			createdField:   quoted(defaultSkipsCreatedField),
		},
	}
	for _, o := range opts {
		o(table)
	}

	if table.counter == nil {
		table.counter = func(string) {
			skipInsertCounter.WithLabelValues(table.schema.name).Inc()
		}
	}

	return table
}

// SkipsOption defines a functional option to configure skips tables.
type SkipsOption func(*SkipsTable)

// WithSkipsTableName provides an option to set the name of the skips
// table. It defaults to 'projection_skips'.
func WithSkipsTableName(name string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.name = quoted(name)
	}
}

// WithSkipsProjectorField provides an option to set the projector field.
// It defaults to 'projector'.
func WithSkipsProjectorField(field string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.projectorField = quoted(field)
	}
}

// WithSkipsTxnIDField provides an option to set the transaction id field.
// It defaults to 'txn_id'.
func WithSkipsTxnIDField(field string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.txnIDField = quoted(field)
	}
}

// WithSkipsStreamIDField provides an option to set the stream id field.
// It defaults to 'stream_id'.
func WithSkipsStreamIDField(field string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.streamIDField = quoted(field)
	}
}

// WithSkipsMsgField provides an option to set the error message field.
// It defaults to 'error_msg'.
func WithSkipsMsgField(field string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.msgField = quoted(field)
	}
}

// WithSkipsStatusField provides an option to set the status field.
// It defaults to 'error_status'.
func WithSkipsStatusField(field string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.statusField = quoted(field)
	}
}

// WithSkipsCreatedField provides an option to set the creation time
// field. It defaults to 'created_at'.
func WithSkipsCreatedField(field string) SkipsOption {
	return func(table *SkipsTable) {
		table.schema.createdField = quoted(field)
	}
}

// WithSkipsCounter provides an option to set the metric counting recorded
// skips. It defaults to prometheus metrics.
func WithSkipsCounter(counter func(projector string)) SkipsOption {
	return func(table *SkipsTable) {
		table.counter = counter
	}
}

// SkipsTable provides skipped transaction audit records for a sql db
// table.
type SkipsTable struct {
	schema  sktableSchema
	counter func(projector string)
}

// sktableSchema defines the sql schema of a projection skips table.
type sktableSchema struct {
	name           string
	projectorField string
	txnIDField     string
	streamIDField  string
	msgField       string
	statusField    string
	createdField   string
}

// Insert records a skipped transaction. Duplicate records (a unique key
// on projector and transaction id) are treated as success so replayed
// skips stay idempotent.
func (t *SkipsTable) Insert(ctx context.Context, dbc *sql.DB,
	projector, txnID, streamID, errMsg string,
) error {
	_, err := dbc.ExecContext(ctx, "insert into "+t.schema.name+
		" ("+t.schema.projectorField+", "+t.schema.txnIDField+", "+
		t.schema.streamIDField+", "+t.schema.msgField+", "+
		t.schema.statusField+", "+t.schema.createdField+") values (?, ?, ?, ?, ?, ?)",
		projector, txnID, streamID, errMsg, SkipRecorded, time.Now())
	if IsDuplicateErr(err) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "insert skip error",
			j.MKS{"projector": projector, "txn_id": txnID})
	}

	t.counter(projector)
	return nil
}

// Inserter returns the table bound to the db as a projex SkipInsertFunc.
func (t *SkipsTable) Inserter(dbc *sql.DB) projex.SkipInsertFunc {
	return func(ctx context.Context, projector, txnID, streamID, errMsg string) error {
		return t.Insert(ctx, dbc, projector, txnID, streamID, errMsg)
	}
}
