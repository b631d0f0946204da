package psql_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/projex"
	"github.com/luno/projex/psql"
)

func TestStatesTable(t *testing.T) {
	dbc := connectTestDB(t)
	ctx := context.Background()

	var sets int
	table := psql.NewStatesTable(psql.WithStatesSetCounter(func() { sets++ }))

	// Never-ran projector returns a zero state.
	st, err := table.GetState(ctx, dbc, "orders")
	jtest.RequireNil(t, err)
	require.Equal(t, "orders", st.Projector)
	require.Zero(t, st.Checkpoint)
	require.True(t, st.UpdatedAt.IsZero())
	require.Empty(t, st.Extra)

	// First save inserts.
	tx := beginTestTx(t, dbc)
	err = table.SaveState(ctx, tx, projex.State{
		Projector:  "orders",
		Checkpoint: 42,
		UpdatedAt:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Extra:      map[string]string{"last_stream": "acc_7"},
	})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, tx.Commit())

	st, err = table.GetState(ctx, dbc, "orders")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(42), st.Checkpoint)
	require.False(t, st.UpdatedAt.IsZero())
	require.Equal(t, map[string]string{"last_stream": "acc_7"}, st.Extra)

	// Subsequent saves update in place.
	tx = beginTestTx(t, dbc)
	err = table.SaveState(ctx, tx, projex.State{Projector: "orders", Checkpoint: 43})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, tx.Commit())

	st, err = table.GetState(ctx, dbc, "orders")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(43), st.Checkpoint)
	require.Empty(t, st.Extra)

	require.Equal(t, 2, sets)

	// Projectors do not share state.
	st, err = table.GetState(ctx, dbc, "balances")
	jtest.RequireNil(t, err)
	require.Zero(t, st.Checkpoint)
}

func TestStatesTableRollback(t *testing.T) {
	dbc := connectTestDB(t)
	ctx := context.Background()

	table := psql.NewStatesTable(psql.WithStatesSetCounter(func() {}))

	tx := beginTestTx(t, dbc)
	err := table.SaveState(ctx, tx, projex.State{Projector: "orders", Checkpoint: 9})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, tx.Rollback())

	st, err := table.GetState(ctx, dbc, "orders")
	jtest.RequireNil(t, err)
	require.Zero(t, st.Checkpoint)
}
