// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package query builds parameterized WHERE clauses for Postgres.
//
// Placeholders are numbered ($1, $2, ...) in the order clauses are added,
// so the returned arguments can be passed straight to pgx:
//
//	wb := query.NewWhereBuilder()
//	wb.Equal("data_source_id", dsID)
//	wb.In("status", []string{"failed", "running"})
//	wb.Since("started_at", since)
//	where, args := wb.BuildWithPrefix()
//	rows, err := pool.Query(ctx, "SELECT ... FROM sync_runs "+where, args...)
package query

import (
	"strconv"
	"strings"
	"time"
)

// WhereBuilder constructs SQL WHERE clauses with numbered arguments.
// Column names are written verbatim and must come from code, never input.
type WhereBuilder struct {
	clauses []string
	args    []any
}

// NewWhereBuilder creates an empty builder.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{}
}

// Next returns the placeholder the next argument will bind to.
func (wb *WhereBuilder) Next() string {
	return "$" + strconv.Itoa(len(wb.args)+1)
}

// AddClause adds a raw condition. Use "?" for each argument; they are
// renumbered to $n.
func (wb *WhereBuilder) AddClause(clause string, args ...any) *WhereBuilder {
	var b strings.Builder
	n := 0
	for _, r := range clause {
		if r == '?' && n < len(args) {
			wb.args = append(wb.args, args[n])
			b.WriteString("$" + strconv.Itoa(len(wb.args)))
			n++
			continue
		}
		b.WriteRune(r)
	}
	wb.clauses = append(wb.clauses, b.String())
	return wb
}

// Equal adds "column = $n".
func (wb *WhereBuilder) Equal(column string, value any) *WhereBuilder {
	return wb.AddClause(column+" = ?", value)
}

// In adds "column = ANY($n)". Empty slices are skipped.
func In[T any](wb *WhereBuilder, column string, values []T) *WhereBuilder {
	if len(values) == 0 {
		return wb
	}
	return wb.AddClause(column+" = ANY(?)", values)
}

// Since adds "column >= $n" when t is set.
func (wb *WhereBuilder) Since(column string, t *time.Time) *WhereBuilder {
	if t == nil || t.IsZero() {
		return wb
	}
	return wb.AddClause(column+" >= ?", *t)
}

// Until adds "column < $n" when t is set.
func (wb *WhereBuilder) Until(column string, t *time.Time) *WhereBuilder {
	if t == nil || t.IsZero() {
		return wb
	}
	return wb.AddClause(column+" < ?", *t)
}

// Build joins the clauses with AND. An empty builder yields "TRUE".
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(wb.clauses, " AND "), wb.args
}

// BuildWithPrefix returns the clause prefixed with "WHERE ".
func (wb *WhereBuilder) BuildWithPrefix() (string, []any) {
	where, args := wb.Build()
	return "WHERE " + where, args
}

// Args returns the collected arguments, for appending LIMIT/OFFSET.
func (wb *WhereBuilder) Args() []any {
	return wb.args
}

// Count returns the number of clauses added.
func (wb *WhereBuilder) Count() int {
	return len(wb.clauses)
}

// IsEmpty reports whether no clauses were added.
func (wb *WhereBuilder) IsEmpty() bool {
	return len(wb.clauses) == 0
}
