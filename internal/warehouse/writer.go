// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tomtom215/marketscope/internal/logging"
)

// SyncedAtColumn is added to every synced table.
const SyncedAtColumn = "_synced_at"

// WriteMode selects how a dataset replaces existing table contents.
type WriteMode string

const (
	ModeReplace WriteMode = "replace"
	ModeAppend  WriteMode = "append"
	ModeUpsert  WriteMode = "upsert"
)

// ErrNoKeys is returned for upserts without key columns.
var ErrNoKeys = errors.New("upsert requires at least one key column")

// Pool is the subset of pgxpool.Pool the warehouse uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Column is a physical column definition.
type Column struct {
	Name        string     `json:"name"`
	LogicalName string     `json:"logical_name"`
	Type        ColumnType `json:"type"`
}

// Table identifies a physical table and its columns.
type Table struct {
	Schema  string
	Name    string
	Columns []Column
	// Keys are physical column names used for upserts.
	Keys []string
}

// Qualified returns the quoted schema.table identifier.
func (t Table) Qualified() string {
	return Quote(t.Schema, t.Name)
}

func (t Table) columnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Writer creates and fills warehouse tables.
type Writer struct {
	pool Pool
}

// NewWriter returns a Writer over pool.
func NewWriter(pool Pool) *Writer {
	return &Writer{pool: pool}
}

// EnsureTable creates the table if needed and reconciles its columns with
// table.Columns. New columns are added; a column whose stored type cannot
// hold the incoming type is widened. A TypeUnknown column keeps its stored
// type, or is added as text. The returned table carries the effective
// column types, which may be wider than requested.
func (w *Writer) EnsureTable(ctx context.Context, table Table) (Table, error) {
	if _, err := w.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+QuoteColumn(table.Schema)); err != nil {
		return table, fmt.Errorf("create schema %s: %w", table.Schema, err)
	}
	if _, err := w.pool.Exec(ctx, createTableSQL(table)); err != nil {
		return table, fmt.Errorf("create table %s: %w", table.Name, err)
	}

	existing, err := w.existingColumns(ctx, table.Schema, table.Name)
	if err != nil {
		return table, err
	}

	effective := table
	effective.Columns = make([]Column, len(table.Columns))
	for i, col := range table.Columns {
		current, ok := existing[col.Name]
		switch {
		case !ok:
			if col.Type == TypeUnknown {
				col.Type = TypeText
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				table.Qualified(), QuoteColumn(col.Name), col.Type)
			if _, err := w.pool.Exec(ctx, stmt); err != nil {
				return table, fmt.Errorf("add column %s: %w", col.Name, err)
			}
		case current != col.Type:
			widened := Widen(current, col.Type)
			if widened != current {
				stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
					table.Qualified(), QuoteColumn(col.Name), widened, QuoteColumn(col.Name), widened)
				if _, err := w.pool.Exec(ctx, stmt); err != nil {
					return table, fmt.Errorf("widen column %s to %s: %w", col.Name, widened, err)
				}
				logging.Ctx(ctx).Info().
					Str("table", table.Name).
					Str("column", col.Name).
					Str("from", string(current)).
					Str("to", string(widened)).
					Msg("widened warehouse column")
			}
			col.Type = widened
		}
		effective.Columns[i] = col
	}
	return effective, nil
}

func createTableSQL(table Table) string {
	defs := make([]string, 0, len(table.Columns)+1)
	for _, c := range table.Columns {
		typ := c.Type
		if typ == TypeUnknown {
			typ = TypeText
		}
		defs = append(defs, QuoteColumn(c.Name)+" "+string(typ))
	}
	defs = append(defs, QuoteColumn(SyncedAtColumn)+" timestamptz NOT NULL DEFAULT now()")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table.Qualified(), strings.Join(defs, ", "))
}

func (w *Writer) existingColumns(ctx context.Context, schema, table string) (map[string]ColumnType, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]ColumnType)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = typeFromCatalog(dataType)
	}
	return cols, rows.Err()
}

// Write stores rows in the table using mode, inside one transaction.
// Rows are positional and must match table.Columns. It returns the
// number of rows copied.
func (w *Writer) Write(ctx context.Context, table Table, mode WriteMode, rows [][]any) (int64, error) {
	if mode == ModeUpsert && len(table.Keys) == 0 {
		return 0, ErrNoKeys
	}

	source, err := coercedRows(table, rows)
	if err != nil {
		return 0, err
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after commit

	var n int64
	switch mode {
	case ModeReplace:
		if _, err := tx.Exec(ctx, "TRUNCATE "+table.Qualified()); err != nil {
			return 0, fmt.Errorf("truncate %s: %w", table.Name, err)
		}
		n, err = tx.CopyFrom(ctx, pgx.Identifier{table.Schema, table.Name}, table.columnNames(), pgx.CopyFromRows(source))
	case ModeAppend:
		n, err = tx.CopyFrom(ctx, pgx.Identifier{table.Schema, table.Name}, table.columnNames(), pgx.CopyFromRows(source))
	case ModeUpsert:
		n, err = upsert(ctx, tx, table, source)
	default:
		return 0, fmt.Errorf("unknown write mode %q", mode)
	}
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", table.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s: %w", table.Name, err)
	}
	return n, nil
}

func coercedRows(table Table, rows [][]any) ([][]any, error) {
	out := make([][]any, len(rows))
	for i, row := range rows {
		if len(row) != len(table.Columns) {
			return nil, fmt.Errorf("row %d has %d values, table %s has %d columns",
				i, len(row), table.Name, len(table.Columns))
		}
		converted := make([]any, len(row))
		for j, v := range row {
			c, err := Coerce(v, table.Columns[j].Type)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, table.Columns[j].Name, err)
			}
			converted[j] = c
		}
		out[i] = converted
	}
	return out, nil
}

// upsert stages rows in a temporary table and merges them with
// INSERT ... ON CONFLICT. Duplicate keys within one batch keep the last row.
func upsert(ctx context.Context, tx pgx.Tx, table Table, rows [][]any) (int64, error) {
	keys := quoteAll(table.Keys)
	indexName := truncateIdentifier("uk_" + table.Name)
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		QuoteColumn(indexName), table.Qualified(), strings.Join(keys, ", "))); err != nil {
		return 0, fmt.Errorf("create key index: %w", err)
	}

	stage := truncateIdentifier("stage_" + table.Name)
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		QuoteColumn(stage), table.Qualified())); err != nil {
		return 0, fmt.Errorf("create stage table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, table.columnNames(), pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copy into stage: %w", err)
	}

	tag, err := tx.Exec(ctx, upsertSQL(table, stage))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func upsertSQL(table Table, stage string) string {
	cols := quoteAll(table.columnNames())
	keys := quoteAll(table.Keys)

	isKey := make(map[string]bool, len(table.Keys))
	for _, k := range table.Keys {
		isKey[k] = true
	}
	sets := make([]string, 0, len(cols))
	for _, c := range table.Columns {
		if isKey[c.Name] {
			continue
		}
		q := QuoteColumn(c.Name)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	sets = append(sets, QuoteColumn(SyncedAtColumn)+" = now()")

	colList := strings.Join(cols, ", ")
	keyList := strings.Join(keys, ", ")
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ORDER BY %s, ctid DESC ON CONFLICT (%s) DO UPDATE SET %s",
		table.Qualified(), colList, keyList, colList, QuoteColumn(stage), keyList, keyList, strings.Join(sets, ", "))
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = QuoteColumn(n)
	}
	return out
}

// Drop removes a warehouse table.
func (w *Writer) Drop(ctx context.Context, schema, table string) error {
	if _, err := w.pool.Exec(ctx, "DROP TABLE IF EXISTS "+Quote(schema, table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in a table.
func (w *Writer) Count(ctx context.Context, schema, table string) (int64, error) {
	var n int64
	if err := w.pool.QueryRow(ctx, "SELECT count(*) FROM "+Quote(schema, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Preview returns up to limit rows with their column names.
func (w *Writer) Preview(ctx context.Context, schema, table string, limit int) ([]string, [][]any, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := w.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", Quote(schema, table), limit))
	if err != nil {
		return nil, nil, fmt.Errorf("preview %s: %w", table, err)
	}
	return CollectRows(rows)
}

// CollectRows drains rows into column names and value slices.
func CollectRows(rows pgx.Rows) ([]string, [][]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	return cols, out, rows.Err()
}
