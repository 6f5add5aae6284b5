// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package models

import "time"

// ColumnMeta maps a physical warehouse column to the source's column name.
type ColumnMeta struct {
	Name        string `json:"name"`
	LogicalName string `json:"logical_name"`
	Type        string `json:"type"`
}

// TableMetadata translates a hashed physical table name back to the
// human-readable name the source used.
type TableMetadata struct {
	ID           int64        `json:"id"`
	ProjectID    int64        `json:"project_id"`
	DataSourceID int64        `json:"data_source_id"`
	Schema       string       `json:"schema"`
	PhysicalName string       `json:"physical_name"`
	LogicalName  string       `json:"logical_name"`
	Columns      []ColumnMeta `json:"columns"`
	RowCount     int64        `json:"row_count"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Column returns the physical column for a logical column name.
func (t *TableMetadata) Column(logical string) (ColumnMeta, bool) {
	for _, c := range t.Columns {
		if c.LogicalName == logical || c.Name == logical {
			return c, true
		}
	}
	return ColumnMeta{}, false
}
