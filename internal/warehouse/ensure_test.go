// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// catalogPool answers information_schema lookups from a fixed column list
// and records every Exec.
type catalogPool struct {
	columns [][2]string
	execs   []string
}

func (p *catalogPool) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

func (p *catalogPool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (p *catalogPool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &catalogRows{columns: p.columns, pos: -1}, nil
}

func (p *catalogPool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (p *catalogPool) altered() []string {
	var out []string
	for _, s := range p.execs {
		if strings.HasPrefix(s, "ALTER TABLE") {
			out = append(out, s)
		}
	}
	return out
}

type catalogRows struct {
	columns [][2]string
	pos     int
}

func (r *catalogRows) Close()                                       {}
func (r *catalogRows) Err() error                                   { return nil }
func (r *catalogRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *catalogRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *catalogRows) Values() ([]any, error)                       { return nil, nil }
func (r *catalogRows) RawValues() [][]byte                          { return nil }
func (r *catalogRows) Conn() *pgx.Conn                              { return nil }

func (r *catalogRows) Next() bool {
	r.pos++
	return r.pos < len(r.columns)
}

func (r *catalogRows) Scan(dest ...any) error {
	*dest[0].(*string) = r.columns[r.pos][0]
	*dest[1].(*string) = r.columns[r.pos][1]
	return nil
}

func typedContacts() *catalogPool {
	return &catalogPool{columns: [][2]string{
		{"id", "bigint"},
		{"amount", "double precision"},
		{"closed_at", "timestamp with time zone"},
		{"_synced_at", "timestamp with time zone"},
	}}
}

func TestEnsureTableKeepsStoredTypesForUnknownColumns(t *testing.T) {
	pool := typedContacts()
	table := Table{Schema: "warehouse", Name: "ds1_abcdef0123_deals", Columns: []Column{
		{Name: "id", LogicalName: "id", Type: TypeUnknown},
		{Name: "amount", LogicalName: "amount", Type: TypeUnknown},
		{Name: "closed_at", LogicalName: "closed_at", Type: TypeUnknown},
		{Name: "note", LogicalName: "note", Type: TypeUnknown},
	}}

	got, err := NewWriter(pool).EnsureTable(context.Background(), table)
	if err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}

	want := []ColumnType{TypeBigInt, TypeDouble, TypeTimestamp, TypeText}
	for i, c := range got.Columns {
		if c.Type != want[i] {
			t.Errorf("column %s type = %q, want %q", c.Name, c.Type, want[i])
		}
	}
	altered := pool.altered()
	if len(altered) != 1 || !strings.Contains(altered[0], `ADD COLUMN IF NOT EXISTS "note" text`) {
		t.Errorf("ALTER statements = %q, want only the new note column", altered)
	}
	if !strings.Contains(pool.execs[1], `"id" text`) {
		t.Errorf("CREATE TABLE should fall back to text for unknown columns: %s", pool.execs[1])
	}
}

func TestEnsureTableWidensConflictingTypes(t *testing.T) {
	pool := typedContacts()
	table := Table{Schema: "warehouse", Name: "ds1_abcdef0123_deals", Columns: []Column{
		{Name: "id", LogicalName: "id", Type: TypeBigInt},
		{Name: "amount", LogicalName: "amount", Type: TypeText},
	}}

	got, err := NewWriter(pool).EnsureTable(context.Background(), table)
	if err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}
	if got.Columns[0].Type != TypeBigInt || got.Columns[1].Type != TypeText {
		t.Errorf("effective columns = %+v", got.Columns)
	}
	altered := pool.altered()
	if len(altered) != 1 || !strings.Contains(altered[0], `ALTER COLUMN "amount" TYPE text`) {
		t.Errorf("ALTER statements = %q", altered)
	}
}
