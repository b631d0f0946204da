package psql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/projex"
)

const (
	defaultStatesTable          = "projector_states"
	defaultStatesIDField        = "projector"
	defaultStatesCheckpoint     = "checkpoint"
	defaultStatesTimeField      = "updated_at"
	defaultStatesExtraField     = "extra"
)

// NewStatesTable returns a table of persisted projector states. A NULL
// checkpoint column means the projector never ran and is returned as
// checkpoint 0.
func NewStatesTable(opts ...StatesOption) *StatesTable {
	table := &StatesTable{
		schema: stableSchema{
			name:            quoted(defaultStatesTable),
			idField:         quoted(defaultStatesIDField),
			checkpointField: quoted(defaultStatesCheckpoint),
			timeField:       quoted(defaultStatesTimeField),
			extraField:      quoted(defaultStatesExtraField),
		},
	}
	for _, o := range opts {
		o(table)
	}

	if table.setCounter == nil {
		counter := stateSetCounter.WithLabelValues(table.schema.name)
		table.setCounter = counter.Inc
	}

	return table
}

// StatesOption defines a functional option to configure states tables.
type StatesOption func(*StatesTable)

// WithStatesTableName provides an option to set the name of the states
// table. It defaults to 'projector_states'.
func WithStatesTableName(name string) StatesOption {
	return func(table *StatesTable) {
		table.schema.name = quoted(name)
	}
}

// WithStatesIDField provides an option to set the projector identity
// field. It defaults to 'projector'.
func WithStatesIDField(field string) StatesOption {
	return func(table *StatesTable) {
		table.schema.idField = quoted(field)
	}
}

// WithStatesCheckpointField provides an option to set the checkpoint
// field. It defaults to 'checkpoint'.
func WithStatesCheckpointField(field string) StatesOption {
	return func(table *StatesTable) {
		table.schema.checkpointField = quoted(field)
	}
}

// WithStatesTimeField provides an option to set the last-update time
// field. It defaults to 'updated_at'.
func WithStatesTimeField(field string) StatesOption {
	return func(table *StatesTable) {
		table.schema.timeField = quoted(field)
	}
}

// WithStatesExtraField provides an option to set the JSON field holding
// projector-defined enrichment values. It defaults to 'extra'.
func WithStatesExtraField(field string) StatesOption {
	return func(table *StatesTable) {
		table.schema.extraField = quoted(field)
	}
}

// WithStatesSetCounter provides an option to set the save state metric.
// It defaults to prometheus metrics.
func WithStatesSetCounter(f func()) StatesOption {
	return func(table *StatesTable) {
		table.setCounter = f
	}
}

// StatesTable provides projector state persistence for a sql db table.
type StatesTable struct {
	schema     stableSchema
	setCounter func()
}

// stableSchema defines the sql schema of a projector states table.
type stableSchema struct {
	name            string
	idField         string
	checkpointField string
	timeField       string
	extraField      string
}

// GetState returns the projector's persisted state, or a zero state with
// checkpoint 0 if the projector never ran.
func (t *StatesTable) GetState(ctx context.Context, dbc *sql.DB, projector string,
) (projex.State, error) {
	var (
		checkpoint sql.NullInt64
		updatedAt  sql.NullTime
		extra      sql.NullString
	)

	err := dbc.QueryRowContext(ctx, "select "+t.schema.checkpointField+", "+
		t.schema.timeField+", "+t.schema.extraField+
		" from "+t.schema.name+" where "+t.schema.idField+"=?", projector).
		Scan(&checkpoint, &updatedAt, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return projex.State{Projector: projector}, nil
	} else if err != nil {
		return projex.State{}, errors.Wrap(err, "query state error",
			j.KS("projector", projector))
	}

	state := projex.State{
		Projector:  projector,
		Checkpoint: checkpoint.Int64,
		UpdatedAt:  updatedAt.Time,
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &state.Extra); err != nil {
			return projex.State{}, errors.Wrap(err, "unmarshal state extra",
				j.KS("projector", projector))
		}
	}

	return state, nil
}

// SaveState writes the state within the given sql transaction so the
// checkpoint advance commits atomically with the batch's data mutations.
// Note no monotonic guard is applied; restarting a subscription from the
// beginning legitimately writes smaller checkpoints.
func (t *StatesTable) SaveState(ctx context.Context, tx *sql.Tx, state projex.State) error {
	opts := []errors.Option{j.KS("projector", state.Projector)}

	var extra interface{}
	if len(state.Extra) > 0 {
		b, err := json.Marshal(state.Extra)
		if err != nil {
			return errors.Wrap(err, "marshal state extra", opts...)
		}
		extra = string(b)
	}

	var checkpoint interface{}
	if state.Checkpoint != 0 {
		checkpoint = state.Checkpoint
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	t.setCounter()

	res, err := tx.ExecContext(ctx, "update "+t.schema.name+
		" set "+t.schema.checkpointField+"=?, "+t.schema.timeField+"=?, "+
		t.schema.extraField+"=? where "+t.schema.idField+"=?",
		checkpoint, updatedAt, extra, state.Projector)
	if err != nil {
		return errors.Wrap(err, "save state error", opts...)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected error", opts...)
	} else if rows > 1 {
		return errors.New("invalid rows affected error", opts...)
	} else if rows == 1 {
		return nil
	}

	// Insert since rows == 0
	_, err = tx.ExecContext(ctx, "insert into "+t.schema.name+
		" ("+t.schema.idField+", "+t.schema.checkpointField+", "+
		t.schema.timeField+", "+t.schema.extraField+") values (?, ?, ?, ?)",
		state.Projector, checkpoint, updatedAt, extra)
	return errors.Wrap(err, "insert state error", opts...)
}
