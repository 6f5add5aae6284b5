// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package dashboards stores dashboards and computes widget data.
//
// A widget charts one data model: an optional X column to group by and a Y
// column reduced with sum, avg, count, min or max. Columns are checked
// against the model's known columns before any SQL is built, and are
// always emitted as quoted identifiers.
package dashboards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/validation"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

// MaxWidgetRows bounds grouped widget results.
const MaxWidgetRows = 1000

var (
	// ErrInvalidWidget is wrapped by widget validation failures.
	ErrInvalidWidget = errors.New("invalid widget")

	// ErrWidgetNotFound is returned for an unknown widget ID.
	ErrWidgetNotFound = errors.New("widget not found")
)

// Store persists dashboards. Implemented by database.DB.
type Store interface {
	CreateDashboard(ctx context.Context, d *models.Dashboard) error
	GetDashboard(ctx context.Context, id int64) (*models.Dashboard, error)
	ListDashboards(ctx context.Context, projectID int64) ([]models.Dashboard, error)
	UpdateDashboard(ctx context.Context, d *models.Dashboard) error
	DeleteDashboard(ctx context.Context, id int64) error
}

// ModelSource loads data models and queries them. Implemented by
// *datamodels.Service.
type ModelSource interface {
	Get(ctx context.Context, id int64) (*models.DataModel, error)
	Query(ctx context.Context, m *models.DataModel, build func(source string) string, args ...any) ([]string, [][]any, error)
}

// LimitChecker enforces the project owner's tier.
type LimitChecker interface {
	CheckProject(ctx context.Context, projectID int64, r tiers.Resource) error
}

// Service manages dashboards.
type Service struct {
	store  Store
	models ModelSource
	limits LimitChecker
}

// NewService creates a dashboard service.
func NewService(store Store, source ModelSource, limits LimitChecker) *Service {
	return &Service{store: store, models: source, limits: limits}
}

// Get returns a dashboard.
func (s *Service) Get(ctx context.Context, id int64) (*models.Dashboard, error) {
	return s.store.GetDashboard(ctx, id)
}

// List returns a project's dashboards.
func (s *Service) List(ctx context.Context, projectID int64) ([]models.Dashboard, error) {
	return s.store.ListDashboards(ctx, projectID)
}

// Create validates and stores a dashboard.
func (s *Service) Create(ctx context.Context, d *models.Dashboard) error {
	if s.limits != nil {
		if err := s.limits.CheckProject(ctx, d.ProjectID, tiers.ResourceDashboards); err != nil {
			return err
		}
	}
	if err := s.ValidateWidgets(ctx, d); err != nil {
		return err
	}
	return s.store.CreateDashboard(ctx, d)
}

// Update validates and saves a dashboard.
func (s *Service) Update(ctx context.Context, d *models.Dashboard) error {
	if err := s.ValidateWidgets(ctx, d); err != nil {
		return err
	}
	return s.store.UpdateDashboard(ctx, d)
}

// Delete removes a dashboard.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteDashboard(ctx, id)
}

// ValidateWidgets checks every widget against its data model.
func (s *Service) ValidateWidgets(ctx context.Context, d *models.Dashboard) error {
	if d.Widgets == nil {
		d.Widgets = []models.Widget{}
	}
	seen := make(map[string]bool, len(d.Widgets))
	loaded := make(map[int64]*models.DataModel)
	for i := range d.Widgets {
		w := &d.Widgets[i]
		if verr := validation.ValidateStruct(w); verr != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidWidget, w.ID, verr)
		}
		if seen[w.ID] {
			return fmt.Errorf("%w: duplicate widget id %q", ErrInvalidWidget, w.ID)
		}
		seen[w.ID] = true

		m, ok := loaded[w.DataModelID]
		if !ok {
			var err error
			m, err = s.models.Get(ctx, w.DataModelID)
			if err != nil {
				return fmt.Errorf("%w %q: data model %d: %w", ErrInvalidWidget, w.ID, w.DataModelID, err)
			}
			loaded[w.DataModelID] = m
		}
		if m.ProjectID != d.ProjectID {
			return fmt.Errorf("%w %q: data model %d belongs to another project", ErrInvalidWidget, w.ID, m.ID)
		}
		if err := checkColumns(w, m); err != nil {
			return err
		}
	}
	return nil
}

func checkColumns(w *models.Widget, m *models.DataModel) error {
	cols := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		cols[c.Name] = true
	}
	for _, name := range []string{w.X, w.Y} {
		if name != "" && !cols[name] {
			return fmt.Errorf("%w %q: data model %d has no column %q", ErrInvalidWidget, w.ID, m.ID, name)
		}
	}
	if w.Y == "" && w.Aggregate != "" && w.Aggregate != "count" {
		return fmt.Errorf("%w %q: %s needs a y column", ErrInvalidWidget, w.ID, w.Aggregate)
	}
	return nil
}

// WidgetData is a computed widget series.
type WidgetData struct {
	WidgetID    string    `json:"widget_id"`
	Columns     []string  `json:"columns"`
	Rows        [][]any   `json:"rows"`
	GeneratedAt time.Time `json:"generated_at"`
}

// WidgetData computes one widget of a dashboard.
func (s *Service) WidgetData(ctx context.Context, d *models.Dashboard, widgetID string) (*WidgetData, error) {
	w, ok := d.Widget(widgetID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWidgetNotFound, widgetID)
	}
	m, err := s.models.Get(ctx, w.DataModelID)
	if err != nil {
		return nil, err
	}
	if m.ProjectID != d.ProjectID {
		return nil, fmt.Errorf("%w %q: data model %d belongs to another project", ErrInvalidWidget, w.ID, m.ID)
	}
	// Columns may have changed since the dashboard was saved.
	if err := checkColumns(w, m); err != nil {
		return nil, err
	}

	build := func(source string) string { return WidgetSQL(w, source) }
	cols, rows, err := s.models.Query(ctx, m, build)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("dashboard_id", d.ID).Str("widget_id", w.ID).Msg("Widget query failed")
		return nil, err
	}
	if rows == nil {
		rows = [][]any{}
	}
	return &WidgetData{WidgetID: w.ID, Columns: cols, Rows: rows, GeneratedAt: time.Now().UTC()}, nil
}

// WidgetSQL builds the aggregate query for a widget over source. Column
// names must already be validated against the model.
func WidgetSQL(w *models.Widget, source string) string {
	agg := w.Aggregate
	if agg == "" {
		agg = "count"
		if w.Y != "" {
			agg = "sum"
		}
	}
	value := "count(*)"
	if w.Y != "" {
		value = agg + "(" + warehouse.QuoteColumn(w.Y) + ")"
	}
	if w.X == "" {
		return "SELECT " + value + " AS value FROM " + source
	}
	x := warehouse.QuoteColumn(w.X)
	return fmt.Sprintf("SELECT %s AS x, %s AS value FROM %s GROUP BY 1 ORDER BY 1 LIMIT %d", x, value, source, MaxWidgetRows)
}
