package psql

import (
	"context"
	"database/sql"

	"github.com/luno/jettison/errors"

	"github.com/luno/projex"
)

// Store binds a db connection to a states table and a projections table,
// implementing the core projex Store, StateStore, Executor and
// Quarantiner interfaces with sql-transaction units of work.
type Store struct {
	dbc         *sql.DB
	states      *StatesTable
	projections *ProjectionsTable
	skips       *SkipsTable
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSkipsTable provides an option to record skipped transactions in the
// given table; see Store.SkipInserter.
func WithSkipsTable(t *SkipsTable) StoreOption {
	return func(s *Store) {
		s.skips = t
	}
}

// NewStore returns a store of projections and projector states on the
// given db.
func NewStore(dbc *sql.DB, states *StatesTable, projections *ProjectionsTable,
	opts ...StoreOption,
) *Store {
	s := &Store{
		dbc:         dbc,
		states:      states,
		projections: projections,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginUnit starts a sql transaction as the unit of work of a batch
// attempt.
func (s *Store) BeginUnit(ctx context.Context) (projex.Unit, error) {
	tx, err := s.dbc.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx error")
	}
	return &Unit{tx: tx}, nil
}

// GetState returns the projector's persisted state.
func (s *Store) GetState(ctx context.Context, projector string) (projex.State, error) {
	return s.states.GetState(ctx, s.dbc, projector)
}

// SaveState queues the state write on the unit's transaction.
func (s *Store) SaveState(ctx context.Context, u projex.Unit, state projex.State) error {
	tx, err := Tx(u)
	if err != nil {
		return err
	}
	return s.states.SaveState(ctx, tx, state)
}

// Create implements the projex Executor interface.
func (s *Store) Create(ctx context.Context, u projex.Unit, key string,
	apply projex.ApplyFunc, ignoreDuplicates bool,
) error {
	tx, err := Tx(u)
	if err != nil {
		return err
	}
	return s.projections.Create(ctx, tx, key, apply, ignoreDuplicates)
}

// Update implements the projex Executor interface.
func (s *Store) Update(ctx context.Context, u projex.Unit, key string,
	apply projex.ApplyFunc, createIfMissing, ignoreMissing bool,
) error {
	tx, err := Tx(u)
	if err != nil {
		return err
	}
	return s.projections.Update(ctx, tx, key, apply, createIfMissing, ignoreMissing)
}

// Delete implements the projex Executor interface.
func (s *Store) Delete(ctx context.Context, u projex.Unit, key string,
	ignoreMissing bool,
) error {
	tx, err := Tx(u)
	if err != nil {
		return err
	}
	return s.projections.Delete(ctx, tx, key, ignoreMissing)
}

// Custom implements the projex Executor interface. The action runs
// immediately; SQL executed on the unit's transaction (see Tx) commits
// with the batch.
func (s *Store) Custom(ctx context.Context, _ projex.Unit,
	action func(ctx context.Context) error,
) error {
	return action(ctx)
}

// Quarantine flags the projection corrupted on the unit's transaction.
func (s *Store) Quarantine(ctx context.Context, u projex.Unit, key, reason string) error {
	tx, err := Tx(u)
	if err != nil {
		return err
	}
	return s.projections.Quarantine(ctx, tx, key, reason)
}

// IsQuarantined returns whether the projection is flagged corrupted.
func (s *Store) IsQuarantined(ctx context.Context, key string) (bool, error) {
	return s.projections.IsQuarantined(ctx, s.dbc, key)
}

// Lookup returns the committed projection doc for the key; the read
// surface for serving queries. It returns ErrMissing or ErrQuarantined
// accordingly.
func (s *Store) Lookup(ctx context.Context, key string) (projex.Doc, error) {
	return s.projections.Lookup(ctx, s.dbc, key)
}

// SkipInserter returns the skip audit hook bound to the db, or nil if the
// store has no skips table.
func (s *Store) SkipInserter() projex.SkipInsertFunc {
	if s.skips == nil {
		return nil
	}
	return s.skips.Inserter(s.dbc)
}
