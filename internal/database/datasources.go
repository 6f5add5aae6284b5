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

	"github.com/tomtom215/marketscope/internal/database/query"
	"github.com/tomtom215/marketscope/internal/models"
)

const dataSourceColumns = `id, project_id, name, type, config, credentials, connected, schedule,
	status, last_sync_at, next_sync_at, last_error, consecutive_failures, sync_state,
	created_at, updated_at`

func scanDataSource(row pgx.Row) (*models.DataSource, error) {
	var (
		ds                          models.DataSource
		cfg, schedule, syncStateRaw []byte
	)
	err := row.Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.Type, &cfg, &ds.Credentials, &ds.Connected, &schedule,
		&ds.Status, &ds.LastSyncAt, &ds.NextSyncAt, &ds.LastError, &ds.ConsecutiveFailures, &syncStateRaw,
		&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(cfg, &ds.Config); err != nil {
		return nil, fmt.Errorf("decode config of data source %d: %w", ds.ID, err)
	}
	if err := json.Unmarshal(schedule, &ds.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule of data source %d: %w", ds.ID, err)
	}
	if err := json.Unmarshal(syncStateRaw, &ds.SyncState); err != nil {
		return nil, fmt.Errorf("decode sync state of data source %d: %w", ds.ID, err)
	}
	return &ds, nil
}

func marshalJSON(v any, fallback string) ([]byte, error) {
	if v == nil {
		return []byte(fallback), nil
	}
	return json.Marshal(v)
}

// CreateDataSource inserts a data source.
func (db *DB) CreateDataSource(ctx context.Context, ds *models.DataSource) error {
	cfg, err := marshalJSON(ds.Config, "{}")
	if err != nil {
		return err
	}
	schedule, err := json.Marshal(ds.Schedule)
	if err != nil {
		return err
	}
	if ds.Status == "" {
		ds.Status = models.StatusIdle
	}
	const q = `INSERT INTO data_sources (project_id, name, type, config, credentials, connected, schedule, status, next_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, ds.ProjectID, ds.Name, ds.Type, cfg, ds.Credentials, ds.Connected,
		schedule, ds.Status, ds.NextSyncAt).Scan(&ds.ID, &ds.CreatedAt, &ds.UpdatedAt))
}

// GetDataSource returns a data source by ID.
func (db *DB) GetDataSource(ctx context.Context, id int64) (*models.DataSource, error) {
	return scanDataSource(db.pool.QueryRow(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = $1`, id))
}

// DataSourceFilter narrows ListDataSources.
type DataSourceFilter struct {
	ProjectID int64
	Types     []models.SourceType
	Statuses  []models.SourceStatus
	// Schedulable limits the result to sources the scheduler should queue.
	Schedulable bool
}

// ListDataSources returns data sources matching f, oldest first.
func (db *DB) ListDataSources(ctx context.Context, f DataSourceFilter) ([]models.DataSource, error) {
	wb := query.NewWhereBuilder()
	if f.ProjectID > 0 {
		wb.Equal("project_id", f.ProjectID)
	}
	query.In(wb, "type", sourceTypeStrings(f.Types))
	query.In(wb, "status", statusStrings(f.Statuses))
	if f.Schedulable {
		wb.AddClause("schedule->>'kind' <> ?", string(models.ScheduleManual))
		wb.AddClause("status <> ?", string(models.StatusDisabled))
	}
	where, args := wb.BuildWithPrefix()

	rows, err := db.pool.Query(ctx, `SELECT `+dataSourceColumns+` FROM data_sources `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make([]models.DataSource, 0)
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *ds)
	}
	return sources, rows.Err()
}

func sourceTypeStrings(types []models.SourceType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func statusStrings(statuses []models.SourceStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// UpdateDataSource saves user-editable fields: name, config, schedule,
// status and next run.
func (db *DB) UpdateDataSource(ctx context.Context, ds *models.DataSource) error {
	cfg, err := marshalJSON(ds.Config, "{}")
	if err != nil {
		return err
	}
	schedule, err := json.Marshal(ds.Schedule)
	if err != nil {
		return err
	}
	const q = `UPDATE data_sources
		SET name = $2, config = $3, schedule = $4, status = $5, next_sync_at = $6, updated_at = now()
		WHERE id = $1 RETURNING updated_at`
	return mapErr(db.pool.QueryRow(ctx, q, ds.ID, ds.Name, cfg, schedule, ds.Status, ds.NextSyncAt).Scan(&ds.UpdatedAt))
}

// UpdateCredentials stores sealed credentials and the connected flag.
func (db *DB) UpdateCredentials(ctx context.Context, id int64, sealed []byte, connected bool) error {
	return expectRow(db.pool.Exec(ctx,
		`UPDATE data_sources SET credentials = $2, connected = $3, updated_at = now() WHERE id = $1`,
		id, sealed, connected))
}

// SetDataSourceStatus changes only the status column.
func (db *DB) SetDataSourceStatus(ctx context.Context, id int64, status models.SourceStatus) error {
	return expectRow(db.pool.Exec(ctx,
		`UPDATE data_sources SET status = $2, updated_at = now() WHERE id = $1`, id, status))
}

// SyncOutcome is the state a finished sync leaves on its data source.
type SyncOutcome struct {
	Status              models.SourceStatus
	LastSyncAt          time.Time
	NextSyncAt          *time.Time
	LastError           string
	ConsecutiveFailures int
	// SyncState replaces the stored cursor state when non-nil.
	SyncState map[string]string
}

// RecordSyncOutcome stores the result of a sync on the data source.
func (db *DB) RecordSyncOutcome(ctx context.Context, id int64, o SyncOutcome) error {
	var state []byte
	if o.SyncState != nil {
		var err error
		if state, err = json.Marshal(o.SyncState); err != nil {
			return err
		}
	}
	const q = `UPDATE data_sources
		SET status = $2, last_sync_at = $3, next_sync_at = $4, last_error = $5,
			consecutive_failures = $6, sync_state = COALESCE($7, sync_state), updated_at = now()
		WHERE id = $1`
	return expectRow(db.pool.Exec(ctx, q, id, o.Status, o.LastSyncAt, o.NextSyncAt, o.LastError,
		o.ConsecutiveFailures, state))
}

// SaveSyncState replaces the stored cursor state of a data source.
func (db *DB) SaveSyncState(ctx context.Context, id int64, state map[string]string) error {
	raw, err := marshalJSON(state, "{}")
	if err != nil {
		return err
	}
	return expectRow(db.pool.Exec(ctx,
		`UPDATE data_sources SET sync_state = $2, updated_at = now() WHERE id = $1`, id, raw))
}

// DeleteDataSource removes a data source. Its sync runs and table
// metadata cascade.
func (db *DB) DeleteDataSource(ctx context.Context, id int64) error {
	return expectRow(db.pool.Exec(ctx, `DELETE FROM data_sources WHERE id = $1`, id))
}

// CreateSyncRun inserts a running sync run.
func (db *DB) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	const q = `INSERT INTO sync_runs (data_source_id, triggered_by, status, started_at)
		VALUES ($1, $2, $3, $4) RETURNING id`
	return mapErr(db.pool.QueryRow(ctx, q, run.DataSourceID, run.Trigger, run.Status, run.StartedAt).Scan(&run.ID))
}

// FinishSyncRun stores the outcome of a run.
func (db *DB) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	const q = `UPDATE sync_runs
		SET status = $2, finished_at = $3, rows_written = $4, tables_written = $5, error = $6
		WHERE id = $1`
	return expectRow(db.pool.Exec(ctx, q, run.ID, run.Status, run.FinishedAt, run.Rows, run.Tables, run.Error))
}

// SyncRunFilter narrows ListSyncRuns.
type SyncRunFilter struct {
	DataSourceID int64
	Statuses     []models.RunStatus
	Since        *time.Time
	Limit        int
}

// ListSyncRuns returns runs newest first.
func (db *DB) ListSyncRuns(ctx context.Context, f SyncRunFilter) ([]models.SyncRun, error) {
	wb := query.NewWhereBuilder()
	if f.DataSourceID > 0 {
		wb.Equal("data_source_id", f.DataSourceID)
	}
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	query.In(wb, "status", statuses)
	wb.Since("started_at", f.Since)

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	where, args := wb.BuildWithPrefix()
	q := `SELECT id, data_source_id, triggered_by, status, started_at, finished_at, rows_written, tables_written, error
		FROM sync_runs ` + where + ` ORDER BY started_at DESC, id DESC LIMIT ` + wb.Next()
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]models.SyncRun, 0)
	for rows.Next() {
		var r models.SyncRun
		if err := rows.Scan(&r.ID, &r.DataSourceID, &r.Trigger, &r.Status, &r.StartedAt, &r.FinishedAt,
			&r.Rows, &r.Tables, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FailStaleSyncRuns marks runs left running by a crashed process as failed.
func (db *DB) FailStaleSyncRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `UPDATE sync_runs
		SET status = 'failed', finished_at = now(), error = 'interrupted'
		WHERE status = 'running' AND started_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
