// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package database

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/tomtom215/marketscope/internal/models"
)

const tableMetadataColumns = `t.id, t.project_id, t.data_source_id, t.schema_name, t.physical_name, t.logical_name,
	t.columns, t.row_count, t.created_at, t.updated_at`

func scanTableMetadata(row pgx.Row) (*models.TableMetadata, error) {
	var (
		m    models.TableMetadata
		cols []byte
	)
	err := row.Scan(&m.ID, &m.ProjectID, &m.DataSourceID, &m.Schema, &m.PhysicalName, &m.LogicalName,
		&cols, &m.RowCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(cols, &m.Columns); err != nil {
		return nil, fmt.Errorf("decode columns of table %s: %w", m.PhysicalName, err)
	}
	return &m, nil
}

func (db *DB) queryTableMetadata(ctx context.Context, q string, args ...any) ([]models.TableMetadata, error) {
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make([]models.TableMetadata, 0)
	for rows.Next() {
		m, err := scanTableMetadata(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, *m)
	}
	return tables, rows.Err()
}

// UpsertTableMetadata inserts or updates the record keyed by data source
// and logical name, filling ID and timestamps.
func (db *DB) UpsertTableMetadata(ctx context.Context, m *models.TableMetadata) error {
	cols, err := marshalJSON(m.Columns, "[]")
	if err != nil {
		return err
	}
	const q = `INSERT INTO table_metadata
			(project_id, data_source_id, schema_name, physical_name, logical_name, columns, row_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (data_source_id, logical_name) DO UPDATE
		SET schema_name = EXCLUDED.schema_name, physical_name = EXCLUDED.physical_name,
			columns = EXCLUDED.columns, row_count = EXCLUDED.row_count, updated_at = now()
		RETURNING id, created_at, updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, m.ProjectID, m.DataSourceID, m.Schema, m.PhysicalName, m.LogicalName,
		cols, m.RowCount).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt))
}

// GetTableMetadata returns a record by ID.
func (db *DB) GetTableMetadata(ctx context.Context, id int64) (*models.TableMetadata, error) {
	return scanTableMetadata(db.pool.QueryRow(ctx,
		`SELECT `+tableMetadataColumns+` FROM table_metadata t WHERE t.id = $1`, id))
}

// GetTableMetadataByPhysical returns the record of a physical table.
func (db *DB) GetTableMetadataByPhysical(ctx context.Context, schema, physical string) (*models.TableMetadata, error) {
	return scanTableMetadata(db.pool.QueryRow(ctx,
		`SELECT `+tableMetadataColumns+` FROM table_metadata t WHERE t.schema_name = $1 AND t.physical_name = $2`,
		schema, physical))
}

// FindTableMetadataByLogical returns every table in the project with the
// given logical name, one per data source at most.
func (db *DB) FindTableMetadataByLogical(ctx context.Context, projectID int64, logical string) ([]models.TableMetadata, error) {
	return db.queryTableMetadata(ctx,
		`SELECT `+tableMetadataColumns+` FROM table_metadata t
		 WHERE t.project_id = $1 AND t.logical_name = $2 ORDER BY t.id`, projectID, logical)
}

// FindTableMetadataBySource matches a logical name within the named data
// source of a project.
func (db *DB) FindTableMetadataBySource(ctx context.Context, projectID int64, sourceName, logical string) ([]models.TableMetadata, error) {
	return db.queryTableMetadata(ctx,
		`SELECT `+tableMetadataColumns+` FROM table_metadata t
		 JOIN data_sources d ON d.id = t.data_source_id
		 WHERE t.project_id = $1 AND d.name = $2 AND t.logical_name = $3 ORDER BY t.id`,
		projectID, sourceName, logical)
}

// ListTableMetadataByProject returns a project's tables by logical name.
func (db *DB) ListTableMetadataByProject(ctx context.Context, projectID int64) ([]models.TableMetadata, error) {
	return db.queryTableMetadata(ctx,
		`SELECT `+tableMetadataColumns+` FROM table_metadata t
		 WHERE t.project_id = $1 ORDER BY t.logical_name, t.id`, projectID)
}

// ListTableMetadataByDataSource returns the tables written by a source.
func (db *DB) ListTableMetadataByDataSource(ctx context.Context, dataSourceID int64) ([]models.TableMetadata, error) {
	return db.queryTableMetadata(ctx,
		`SELECT `+tableMetadataColumns+` FROM table_metadata t
		 WHERE t.data_source_id = $1 ORDER BY t.logical_name`, dataSourceID)
}

// DeleteTableMetadataByDataSource removes a source's table records.
func (db *DB) DeleteTableMetadataByDataSource(ctx context.Context, dataSourceID int64) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM table_metadata WHERE data_source_id = $1`, dataSourceID)
	return err
}
