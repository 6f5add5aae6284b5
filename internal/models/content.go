// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package models

import "time"

// DataModel is a saved SQL query over a project's warehouse tables.
// References to tables use {{ Logical Name }} placeholders.
type DataModel struct {
	ID              int64        `json:"id"`
	ProjectID       int64        `json:"project_id"`
	Name            string       `json:"name"`
	SQL             string       `json:"sql"`
	Materialized    bool         `json:"materialized"`
	PhysicalName    string       `json:"physical_name,omitempty"`
	Columns         []ColumnMeta `json:"columns,omitempty"`
	DependsOn       []int64      `json:"depends_on"`
	LastRefreshedAt *time.Time   `json:"last_refreshed_at,omitempty"`
	CreatedBy       int64        `json:"created_by"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ChartType is the visualization used by a widget.
type ChartType string

const (
	ChartLine   ChartType = "line"
	ChartBar    ChartType = "bar"
	ChartPie    ChartType = "pie"
	ChartTable  ChartType = "table"
	ChartNumber ChartType = "number"
)

// Widget is one chart on a dashboard.
type Widget struct {
	ID          string    `json:"id" validate:"required,max=64"`
	Title       string    `json:"title" validate:"max=200"`
	Chart       ChartType `json:"chart" validate:"required,oneof=line bar pie table number"`
	DataModelID int64     `json:"data_model_id" validate:"required,gt=0"`
	X           string    `json:"x,omitempty"`
	Y           string    `json:"y,omitempty"`
	Aggregate   string    `json:"aggregate,omitempty" validate:"omitempty,oneof=sum avg count min max"`
}

// Dashboard is an ordered set of widgets.
type Dashboard struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	Widgets   []Widget  `json:"widgets"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Widget returns the widget with the given ID.
func (d *Dashboard) Widget(id string) (*Widget, bool) {
	for i := range d.Widgets {
		if d.Widgets[i].ID == id {
			return &d.Widgets[i], true
		}
	}
	return nil, false
}

// Analysis is a stored AI answer to a question about a data model.
type Analysis struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	DataModelID int64     `json:"data_model_id"`
	UserID      int64     `json:"user_id"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}
