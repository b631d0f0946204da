package psql_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/luno/jettison/jtest"
	_ "modernc.org/sqlite"
)

var schemas = []string{`
create table projector_states (
  projector varchar(255) not null primary key,
  checkpoint bigint,
  updated_at timestamp,
  extra text
);`, `
create table projections (
  projection_key varchar(255) not null primary key,
  doc text,
  corrupted tinyint not null default 0,
  corrupted_reason text,
  updated_at timestamp
);`, `
create table projection_skips (
  id integer primary key autoincrement,
  projector varchar(255) not null,
  txn_id varchar(255) not null,
  stream_id varchar(255) not null,
  error_msg text,
  error_status int,
  created_at timestamp
);`}

// connectTestDB returns an isolated in-memory sqlite db with the default
// schemas created.
func connectTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbc, err := sql.Open("sqlite", ":memory:")
	jtest.RequireNil(t, err)
	t.Cleanup(func() {
		_ = dbc.Close()
	})

	// A single connection so all queries see the same in-memory db.
	dbc.SetMaxOpenConns(1)

	for _, q := range schemas {
		_, err := dbc.ExecContext(context.Background(), q)
		jtest.RequireNil(t, err)
	}

	return dbc
}

// beginTestTx returns a tx that is rolled back on cleanup unless
// committed by the test.
func beginTestTx(t *testing.T, dbc *sql.DB) *sql.Tx {
	t.Helper()

	tx, err := dbc.BeginTx(context.Background(), nil)
	jtest.RequireNil(t, err)
	t.Cleanup(func() {
		_ = tx.Rollback()
	})
	return tx
}
