// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"net/http"

	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/models"
)

// ListTables returns the project's warehouse tables under their logical
// names.
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tables, err := h.Tables.ListByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, tables)
}

// TablePreview is the first rows of a table, with logical column names.
type TablePreview struct {
	Table   *models.TableMetadata `json:"table"`
	Columns []string              `json:"columns"`
	Rows    [][]any               `json:"rows"`
}

// PreviewTable returns up to ?limit rows (default 50, max 500).
func (h *Handler) PreviewTable(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tableID, err := pathID(r, "tableID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	meta, err := h.Tables.Get(r.Context(), tableID)
	if err == nil && meta.ProjectID != projectID {
		err = database.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	cols, rows, err := h.Previewer.Preview(r.Context(), meta.Schema, meta.PhysicalName, intQuery(r, "limit", 50, 500))
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, TablePreview{Table: meta, Columns: logicalColumns(meta, cols), Rows: rows})
}

// logicalColumns maps physical column names back to source names.
func logicalColumns(meta *models.TableMetadata, physical []string) []string {
	out := make([]string, len(physical))
	for i, name := range physical {
		out[i] = name
		for _, c := range meta.Columns {
			if c.Name == name && c.LogicalName != "" {
				out[i] = c.LogicalName
				break
			}
		}
	}
	return out
}
