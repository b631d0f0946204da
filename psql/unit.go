// Package psql provides sql implementations of the projex projection
// store interfaces: a per-projector states table, a generic key/document
// projections table with quarantine support, and a skipped-transaction
// audit table. The SQL is dialect neutral; production deployments
// typically target mysql (use parseTime=true) while tests run on sqlite.
package psql

import (
	"context"
	"database/sql"

	"github.com/luno/jettison/errors"

	"github.com/luno/projex"
)

// Unit is a unit of work backed by a sql transaction. Data mutations and
// the checkpoint update queued on it commit in one sql transaction.
type Unit struct {
	tx *sql.Tx
}

// Commit commits the underlying sql transaction.
func (u *Unit) Commit(_ context.Context) error {
	return errors.Wrap(u.tx.Commit(), "commit unit")
}

// Rollback rolls back the underlying sql transaction. It is a noop after
// Commit.
func (u *Unit) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return errors.Wrap(err, "rollback unit")
}

// Tx returns the sql transaction of the unit so event handlers can queue
// custom SQL on the current batch attempt.
func Tx(u projex.Unit) (*sql.Tx, error) {
	pu, ok := u.(*Unit)
	if !ok {
		return nil, errors.New("unit not backed by a sql transaction")
	}
	return pu.tx, nil
}
