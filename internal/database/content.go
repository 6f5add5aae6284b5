// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/tomtom215/marketscope/internal/models"
)

const dataModelColumns = `id, project_id, name, sql, materialized, physical_name, columns, depends_on,
	last_refreshed_at, COALESCE(created_by, 0), created_at, updated_at`

func scanDataModel(row pgx.Row) (*models.DataModel, error) {
	var (
		m    models.DataModel
		cols []byte
	)
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &m.SQL, &m.Materialized, &m.PhysicalName, &cols, &m.DependsOn,
		&m.LastRefreshedAt, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(cols, &m.Columns); err != nil {
		return nil, fmt.Errorf("decode columns of data model %d: %w", m.ID, err)
	}
	return &m, nil
}

func (db *DB) queryDataModels(ctx context.Context, q string, args ...any) ([]models.DataModel, error) {
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.DataModel, 0)
	for rows.Next() {
		m, err := scanDataModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func dependsOn(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// CreateDataModel inserts a data model.
func (db *DB) CreateDataModel(ctx context.Context, m *models.DataModel) error {
	cols, err := marshalJSON(m.Columns, "[]")
	if err != nil {
		return err
	}
	const q = `INSERT INTO data_models (project_id, name, sql, materialized, physical_name, columns, depends_on, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at, updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, m.ProjectID, m.Name, m.SQL, m.Materialized, m.PhysicalName, cols,
		dependsOn(m.DependsOn), nullableID(m.CreatedBy)).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt))
}

// GetDataModel returns a data model by ID.
func (db *DB) GetDataModel(ctx context.Context, id int64) (*models.DataModel, error) {
	return scanDataModel(db.pool.QueryRow(ctx, `SELECT `+dataModelColumns+` FROM data_models WHERE id = $1`, id))
}

// ListDataModels returns a project's data models by name.
func (db *DB) ListDataModels(ctx context.Context, projectID int64) ([]models.DataModel, error) {
	return db.queryDataModels(ctx,
		`SELECT `+dataModelColumns+` FROM data_models WHERE project_id = $1 ORDER BY name`, projectID)
}

// ListMaterializedDependents returns materialized models reading from the
// data source.
func (db *DB) ListMaterializedDependents(ctx context.Context, dataSourceID int64) ([]models.DataModel, error) {
	return db.queryDataModels(ctx,
		`SELECT `+dataModelColumns+` FROM data_models
		 WHERE materialized AND depends_on @> ARRAY[$1::bigint] ORDER BY id`, dataSourceID)
}

// UpdateDataModel saves the editable fields and compiled dependencies.
func (db *DB) UpdateDataModel(ctx context.Context, m *models.DataModel) error {
	cols, err := marshalJSON(m.Columns, "[]")
	if err != nil {
		return err
	}
	const q = `UPDATE data_models
		SET name = $2, sql = $3, materialized = $4, physical_name = $5, columns = $6, depends_on = $7, updated_at = now()
		WHERE id = $1 RETURNING updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, m.ID, m.Name, m.SQL, m.Materialized, m.PhysicalName, cols,
		dependsOn(m.DependsOn)).Scan(&m.UpdatedAt))
}

// MarkDataModelRefreshed records a completed materialization.
func (db *DB) MarkDataModelRefreshed(ctx context.Context, id int64, physical string, columns []models.ColumnMeta, at time.Time) error {
	cols, err := marshalJSON(columns, "[]")
	if err != nil {
		return err
	}
	return expectRow(db.pool.Exec(ctx,
		`UPDATE data_models SET physical_name = $2, columns = $3, last_refreshed_at = $4 WHERE id = $1`,
		id, physical, cols, at))
}

// DeleteDataModel removes a data model.
func (db *DB) DeleteDataModel(ctx context.Context, id int64) error {
	return expectRow(db.pool.Exec(ctx, `DELETE FROM data_models WHERE id = $1`, id))
}

const dashboardColumns = `id, project_id, name, widgets, COALESCE(created_by, 0), created_at, updated_at`

func scanDashboard(row pgx.Row) (*models.Dashboard, error) {
	var (
		d       models.Dashboard
		widgets []byte
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &widgets, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(widgets, &d.Widgets); err != nil {
		return nil, fmt.Errorf("decode widgets of dashboard %d: %w", d.ID, err)
	}
	return &d, nil
}

// CreateDashboard inserts a dashboard.
func (db *DB) CreateDashboard(ctx context.Context, d *models.Dashboard) error {
	widgets, err := marshalJSON(d.Widgets, "[]")
	if err != nil {
		return err
	}
	const q = `INSERT INTO dashboards (project_id, name, widgets, created_by)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, d.ProjectID, d.Name, widgets, nullableID(d.CreatedBy)).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt))
}

// GetDashboard returns a dashboard by ID.
func (db *DB) GetDashboard(ctx context.Context, id int64) (*models.Dashboard, error) {
	return scanDashboard(db.pool.QueryRow(ctx, `SELECT `+dashboardColumns+` FROM dashboards WHERE id = $1`, id))
}

// ListDashboards returns a project's dashboards.
func (db *DB) ListDashboards(ctx context.Context, projectID int64) ([]models.Dashboard, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+dashboardColumns+` FROM dashboards WHERE project_id = $1 ORDER BY name, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Dashboard, 0)
	for rows.Next() {
		d, err := scanDashboard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDashboard saves name and widgets.
func (db *DB) UpdateDashboard(ctx context.Context, d *models.Dashboard) error {
	widgets, err := marshalJSON(d.Widgets, "[]")
	if err != nil {
		return err
	}
	return mapErr(db.pool.QueryRow(ctx,
		`UPDATE dashboards SET name = $2, widgets = $3, updated_at = now() WHERE id = $1 RETURNING updated_at`,
		d.ID, d.Name, widgets).Scan(&d.UpdatedAt))
}

// DeleteDashboard removes a dashboard.
func (db *DB) DeleteDashboard(ctx context.Context, id int64) error {
	return expectRow(db.pool.Exec(ctx, `DELETE FROM dashboards WHERE id = $1`, id))
}

// CreateAnalysis stores an AI answer.
func (db *DB) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	const q = `INSERT INTO analyses (project_id, data_model_id, user_id, question, answer, model)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	return mapErr(db.pool.QueryRow(ctx, q, a.ProjectID, a.DataModelID, a.UserID, a.Question, a.Answer, a.Model).
		Scan(&a.ID, &a.CreatedAt))
}

// ListAnalyses returns a project's analyses, newest first.
func (db *DB) ListAnalyses(ctx context.Context, projectID int64, limit int) ([]models.Analysis, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx, `SELECT id, project_id, data_model_id, user_id, question, answer, model, created_at
		FROM analyses WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Analysis, 0)
	for rows.Next() {
		var a models.Analysis
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.DataModelID, &a.UserID, &a.Question, &a.Answer, &a.Model, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
