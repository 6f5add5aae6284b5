// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package drivers

import (
	"github.com/tomtom215/marketscope/internal/warehouse"
)

// RecordSet collects map-shaped records into a positional Dataset. Columns
// are ordered by first appearance.
type RecordSet struct {
	columns []string
	index   map[string]int
	records []map[string]any
}

// NewRecordSet creates an empty set. Seed columns come first, in order.
func NewRecordSet(seed ...string) *RecordSet {
	rs := &RecordSet{index: make(map[string]int)}
	for _, c := range seed {
		rs.addColumn(c)
	}
	return rs
}

func (rs *RecordSet) addColumn(name string) {
	if _, ok := rs.index[name]; ok {
		return
	}
	rs.index[name] = len(rs.columns)
	rs.columns = append(rs.columns, name)
}

// Add appends a record.
func (rs *RecordSet) Add(rec map[string]any) {
	for k := range rec {
		rs.addColumn(k)
	}
	rs.records = append(rs.records, rec)
}

// Len returns the number of records.
func (rs *RecordSet) Len() int {
	return len(rs.records)
}

// Dataset converts the records. Missing fields become nil.
func (rs *RecordSet) Dataset(name string, mode warehouse.WriteMode, keys ...string) Dataset {
	rows := make([][]any, len(rs.records))
	for i, rec := range rs.records {
		row := make([]any, len(rs.columns))
		for k, v := range rec {
			row[rs.index[k]] = v
		}
		rows[i] = row
	}
	cols := make([]string, len(rs.columns))
	copy(cols, rs.columns)
	return Dataset{LogicalName: name, Columns: cols, Rows: rows, Mode: mode, Keys: keys}
}

// Flatten copies nested objects into dotted keys ("campaign.id"). Arrays
// and values deeper than maxDepth are kept whole.
func Flatten(rec map[string]any, maxDepth int) map[string]any {
	out := make(map[string]any, len(rec))
	flattenInto(out, "", rec, maxDepth)
	return out
}

func flattenInto(out map[string]any, prefix string, rec map[string]any, depth int) {
	for k, v := range rec {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && depth > 0 {
			flattenInto(out, key, nested, depth-1)
			continue
		}
		out[key] = v
	}
}
