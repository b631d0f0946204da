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
	defaultProjectionsTable     = "projections"
	defaultProjectionsKeyField  = "projection_key"
	defaultProjectionsDocField  = "doc"
	defaultProjectionsCorrupted = "corrupted"
	defaultProjectionsReason    = "corrupted_reason"
	defaultProjectionsTimeField = "updated_at"
)

// NewProjectionsTable returns a generic key/document projection table.
// Docs are stored as JSON; note that numeric values round-trip as
// float64. Corrupted rows are excluded from both the read and the write
// paths until the flag is cleared externally.
func NewProjectionsTable(opts ...ProjectionsOption) *ProjectionsTable {
	table := &ProjectionsTable{
		schema: ptableSchema{
			name:           quoted(defaultProjectionsTable),
			keyField:       quoted(defaultProjectionsKeyField),
			docField:       quoted(defaultProjectionsDocField),
			corruptedField: quoted(defaultProjectionsCorrupted),
			reasonField:    quoted(defaultProjectionsReason),
			timeField:      quoted(defaultProjectionsTimeField),
		},
	}
	for _, o := range opts {
		o(table)
	}

	if table.quarCounter == nil {
		counter := quarantineCounter.WithLabelValues(table.schema.name)
		table.quarCounter = counter.Inc
	}

	return table
}

// ProjectionsOption defines a functional option to configure projection
// tables.
type ProjectionsOption func(*ProjectionsTable)

// WithProjectionsTableName provides an option to set the name of the
// projections table. It defaults to 'projections'.
func WithProjectionsTableName(name string) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.schema.name = quoted(name)
	}
}

// WithProjectionsKeyField provides an option to set the projection key
// field. It defaults to 'projection_key'.
func WithProjectionsKeyField(field string) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.schema.keyField = quoted(field)
	}
}

// WithProjectionsDocField provides an option to set the JSON document
// field. It defaults to 'doc'.
func WithProjectionsDocField(field string) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.schema.docField = quoted(field)
	}
}

// WithProjectionsCorruptedField provides an option to set the corrupted
// flag field. It defaults to 'corrupted'.
func WithProjectionsCorruptedField(field string) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.schema.corruptedField = quoted(field)
	}
}

// WithProjectionsReasonField provides an option to set the corrupted
// reason field. It defaults to 'corrupted_reason'.
func WithProjectionsReasonField(field string) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.schema.reasonField = quoted(field)
	}
}

// WithProjectionsTimeField provides an option to set the last-update time
// field. It defaults to 'updated_at'.
func WithProjectionsTimeField(field string) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.schema.timeField = quoted(field)
	}
}

// WithProjectionsQuarantineCounter provides an option to set the metric
// counting quarantined projections. It defaults to prometheus metrics.
func WithProjectionsQuarantineCounter(f func()) ProjectionsOption {
	return func(table *ProjectionsTable) {
		table.quarCounter = f
	}
}

// ProjectionsTable provides projection doc storage with quarantine
// support for a sql db table.
type ProjectionsTable struct {
	schema      ptableSchema
	quarCounter func()
}

// ptableSchema defines the sql schema of a projections table.
type ptableSchema struct {
	name           string
	keyField       string
	docField       string
	corruptedField string
	reasonField    string
	timeField      string
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Lookup returns the projection doc for the key. It returns ErrMissing if
// no row exists and ErrQuarantined if the row is flagged corrupted.
func (t *ProjectionsTable) Lookup(ctx context.Context, dbc *sql.DB, key string,
) (projex.Doc, error) {
	doc, corrupted, ok, err := t.get(ctx, dbc, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(projex.ErrMissing, "", j.KS("key", key))
	}
	if corrupted {
		return nil, errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}
	return doc, nil
}

func (t *ProjectionsTable) get(ctx context.Context, q queryRower, key string,
) (projex.Doc, bool, bool, error) {
	var (
		raw       sql.NullString
		corrupted bool
	)
	err := q.QueryRowContext(ctx, "select "+t.schema.docField+", "+
		t.schema.corruptedField+" from "+t.schema.name+
		" where "+t.schema.keyField+"=?", key).Scan(&raw, &corrupted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, nil
	} else if err != nil {
		return nil, false, false, errors.Wrap(err, "query projection error",
			j.KS("key", key))
	}

	if corrupted {
		return nil, true, true, nil
	}

	doc := projex.Doc{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
			return nil, false, false, errors.Wrap(err, "unmarshal projection doc",
				j.KS("key", key))
		}
	}
	return doc, false, true, nil
}

func (t *ProjectionsTable) put(ctx context.Context, tx *sql.Tx, key string,
	doc projex.Doc, insert bool,
) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal projection doc", j.KS("key", key))
	}

	if insert {
		_, err = tx.ExecContext(ctx, "insert into "+t.schema.name+
			" ("+t.schema.keyField+", "+t.schema.docField+", "+
			t.schema.corruptedField+", "+t.schema.timeField+") values (?, ?, 0, ?)",
			key, string(raw), time.Now())
	} else {
		_, err = tx.ExecContext(ctx, "update "+t.schema.name+
			" set "+t.schema.docField+"=?, "+t.schema.timeField+"=?"+
			" where "+t.schema.keyField+"=?",
			string(raw), time.Now(), key)
	}
	return errors.Wrap(err, "store projection error", j.KS("key", key))
}

// Create inserts a new doc built by apply from an empty doc.
func (t *ProjectionsTable) Create(ctx context.Context, tx *sql.Tx, key string,
	apply projex.ApplyFunc, ignoreDuplicates bool,
) error {
	_, corrupted, ok, err := t.get(ctx, tx, key)
	if err != nil {
		return err
	}
	if corrupted {
		return errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}
	if ok {
		if ignoreDuplicates {
			return nil
		}
		return errors.Wrap(projex.ErrDuplicate, "", j.KS("key", key))
	}

	doc := projex.Doc{}
	if err := apply(doc); err != nil {
		return err
	}
	return t.put(ctx, tx, key, doc, true)
}

// Update loads the doc, applies the mutation and stores it.
func (t *ProjectionsTable) Update(ctx context.Context, tx *sql.Tx, key string,
	apply projex.ApplyFunc, createIfMissing, ignoreMissing bool,
) error {
	doc, corrupted, ok, err := t.get(ctx, tx, key)
	if err != nil {
		return err
	}
	if corrupted {
		return errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}
	if !ok {
		if ignoreMissing {
			return nil
		}
		if !createIfMissing {
			return errors.Wrap(projex.ErrMissing, "", j.KS("key", key))
		}
		doc = projex.Doc{}
	}

	if err := apply(doc); err != nil {
		return err
	}
	return t.put(ctx, tx, key, doc, !ok)
}

// Delete removes the doc.
func (t *ProjectionsTable) Delete(ctx context.Context, tx *sql.Tx, key string,
	ignoreMissing bool,
) error {
	_, corrupted, ok, err := t.get(ctx, tx, key)
	if err != nil {
		return err
	}
	if corrupted {
		return errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}
	if !ok {
		if ignoreMissing {
			return nil
		}
		return errors.Wrap(projex.ErrMissing, "", j.KS("key", key))
	}

	_, err = tx.ExecContext(ctx, "delete from "+t.schema.name+
		" where "+t.schema.keyField+"=?", key)
	return errors.Wrap(err, "delete projection error", j.KS("key", key))
}

// Quarantine flags the projection corrupted within the transaction. A row
// is inserted if the projection does not exist yet so the flag also
// covers projections that failed on create.
func (t *ProjectionsTable) Quarantine(ctx context.Context, tx *sql.Tx, key, reason string,
) error {
	opts := []errors.Option{j.KS("key", key)}

	res, err := tx.ExecContext(ctx, "update "+t.schema.name+
		" set "+t.schema.corruptedField+"=1, "+t.schema.reasonField+"=?, "+
		t.schema.timeField+"=? where "+t.schema.keyField+"=?",
		reason, time.Now(), key)
	if err != nil {
		return errors.Wrap(err, "quarantine error", opts...)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected error", opts...)
	}
	if rows == 0 {
		_, err = tx.ExecContext(ctx, "insert into "+t.schema.name+
			" ("+t.schema.keyField+", "+t.schema.docField+", "+
			t.schema.corruptedField+", "+t.schema.reasonField+", "+
			t.schema.timeField+") values (?, null, 1, ?, ?)",
			key, reason, time.Now())
		if err != nil {
			return errors.Wrap(err, "insert quarantine error", opts...)
		}
	}

	t.quarCounter()
	return nil
}

// IsQuarantined returns whether the projection is flagged corrupted.
// Missing projections are not quarantined.
func (t *ProjectionsTable) IsQuarantined(ctx context.Context, dbc *sql.DB, key string,
) (bool, error) {
	_, corrupted, _, err := t.get(ctx, dbc, key)
	return corrupted, err
}
