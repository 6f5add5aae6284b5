// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package syncer runs one data source sync: fetch through the source's
// driver, write every dataset into the warehouse and record the outcome.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/events"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

// SinceStateKey holds an explicit start of the fetch window in SyncState.
const SinceStateKey = "since"

// Store persists run bookkeeping.
type Store interface {
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, run *models.SyncRun) error
	SaveSyncState(ctx context.Context, id int64, state map[string]string) error
	UpdateCredentials(ctx context.Context, id int64, sealed []byte, connected bool) error
}

// TableWriter is the warehouse writer.
type TableWriter interface {
	EnsureTable(ctx context.Context, table warehouse.Table) (warehouse.Table, error)
	Write(ctx context.Context, table warehouse.Table, mode warehouse.WriteMode, rows [][]any) (int64, error)
	Count(ctx context.Context, schema, table string) (int64, error)
}

// MetadataRegistry records synced tables.
type MetadataRegistry interface {
	Register(ctx context.Context, meta models.TableMetadata) (*models.TableMetadata, error)
}

// TokenSourcer builds refreshing token sources for OAuth providers.
type TokenSourcer interface {
	TokenSource(ctx context.Context, provider string, tok *oauth2.Token, onRefresh func(*oauth2.Token)) (oauth2.TokenSource, error)
}

// Deps are the collaborators of a Syncer.
type Deps struct {
	Config    config.SyncConfig
	Schema    string
	Store     Store
	Drivers   *drivers.Registry
	Writer    TableWriter
	Metadata  MetadataRegistry
	Sealer    *oauth.Sealer
	OAuth     TokenSourcer
	Publisher events.Publisher
}

// Syncer executes sync runs. It is safe for concurrent use; the scheduler
// guarantees one run per data source at a time.
type Syncer struct {
	Deps
	now func() time.Time
}

// New creates a Syncer.
func New(deps Deps) *Syncer {
	if deps.Config.TableParallelism <= 0 {
		deps.Config.TableParallelism = 4
	}
	if deps.Config.DefaultLookback <= 0 {
		deps.Config.DefaultLookback = 30 * 24 * time.Hour
	}
	if deps.Schema == "" {
		deps.Schema = "warehouse"
	}
	return &Syncer{Deps: deps, now: time.Now}
}

// stageError tags a failure with the pipeline stage for metrics.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func staged(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *stageError
	if errors.As(err, &se) {
		return err
	}
	return &stageError{stage: stage, err: err}
}

// Run performs one sync of ds. The returned run is non-nil whenever the
// run was recorded, including failed runs.
func (s *Syncer) Run(ctx context.Context, ds *models.DataSource, trigger models.SyncTrigger) (*models.SyncRun, error) {
	run := &models.SyncRun{
		DataSourceID: ds.ID,
		Trigger:      trigger,
		Status:       models.RunRunning,
		StartedAt:    s.now().UTC(),
	}
	if err := s.Store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}

	ctx = logging.ContextWithDataSourceID(ctx, ds.ID)
	log := logging.Ctx(ctx).With().Int64("run_id", run.ID).Str("source_type", string(ds.Type)).Logger()
	log.Info().Msg("Sync started")

	metrics.SyncActive.Inc()
	defer metrics.SyncActive.Dec()

	events.PublishAsync(ctx, s.Publisher, events.TopicSyncStarted, s.event(ds, run, nil))

	if s.Config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.RunTimeout)
		defer cancel()
	}

	tables, runErr := s.execute(ctx, ds, run)
	s.finish(ctx, ds, run, tables, runErr)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

func (s *Syncer) execute(ctx context.Context, ds *models.DataSource, run *models.SyncRun) ([]string, error) {
	driver, err := s.Drivers.Get(ds.Type)
	if err != nil {
		return nil, staged("driver", err)
	}

	creds, err := s.credentials(ctx, ds)
	if err != nil {
		return nil, staged("credentials", err)
	}

	req := drivers.FetchRequest{
		DataSource:  ds,
		Credentials: creds,
		Since:       s.since(ds),
		SyncState:   ds.SyncState,
	}
	result, err := driver.Fetch(ctx, req)
	if err != nil {
		return nil, staged("fetch", fmt.Errorf("fetch %s: %w", ds.Type, err))
	}

	tables, rows, err := s.writeAll(ctx, ds, result.Datasets)
	run.Rows = rows
	run.Tables = len(tables)
	if err != nil {
		return tables, err
	}

	if result.NextState != nil {
		if err := s.Store.SaveSyncState(ctx, ds.ID, result.NextState); err != nil {
			return tables, staged("state", fmt.Errorf("save sync state: %w", err))
		}
		ds.SyncState = result.NextState
	}
	return tables, nil
}

// since returns the fetch window start: an explicit "since" in the sync
// state, otherwise the configured lookback.
func (s *Syncer) since(ds *models.DataSource) time.Time {
	if v := ds.SyncState[SinceStateKey]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return s.now().UTC().Add(-s.Config.DefaultLookback)
}

// credentials unseals the stored secrets. OAuth tokens are wrapped in a
// token source that seals and stores refreshed tokens.
func (s *Syncer) credentials(ctx context.Context, ds *models.DataSource) (drivers.Credentials, error) {
	var creds drivers.Credentials
	if s.Sealer == nil {
		if len(ds.Credentials) > 0 {
			return creds, oauth.ErrEncryptionKeyMissing
		}
		return creds, nil
	}
	stored, err := s.Sealer.OpenCredentials(ds.Credentials)
	if err != nil {
		return creds, err
	}
	creds.APIKey = stored.APIKey
	creds.Secrets = stored.Secrets

	if !ds.Type.IsOAuth() {
		return creds, nil
	}
	if stored.Token == nil || s.OAuth == nil {
		return creds, drivers.ErrNotConnected
	}
	dsID := ds.ID
	ts, err := s.OAuth.TokenSource(ctx, ds.Type.Provider(), stored.Token, func(tok *oauth2.Token) {
		refreshed := stored
		refreshed.Token = tok
		sealed, err := s.Sealer.SealCredentials(refreshed)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Failed to seal refreshed token")
			return
		}
		if err := s.Store.UpdateCredentials(context.WithoutCancel(ctx), dsID, sealed, true); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Failed to persist refreshed token")
		}
	})
	if err != nil {
		return creds, err
	}
	creds.TokenSource = ts
	return creds, nil
}

// writeAll writes datasets with bounded parallelism. On failure the
// tables already written stay registered and are returned.
func (s *Syncer) writeAll(ctx context.Context, ds *models.DataSource, datasets []drivers.Dataset) ([]string, int64, error) {
	seen := make(map[string]bool, len(datasets))
	for _, d := range datasets {
		if seen[d.LogicalName] {
			return nil, 0, staged("write", fmt.Errorf("driver returned table %q twice", d.LogicalName))
		}
		seen[d.LogicalName] = true
	}

	type written struct {
		name string
		rows int64
	}
	results := make([]*written, len(datasets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Config.TableParallelism)
	for i, d := range datasets {
		if len(d.Columns) == 0 {
			continue
		}
		g.Go(func() error {
			n, err := s.writeDataset(gctx, ds, d)
			if err != nil {
				return err
			}
			results[i] = &written{name: d.LogicalName, rows: n}
			return nil
		})
	}
	err := g.Wait()

	var (
		tables []string
		rows   int64
	)
	for _, r := range results {
		if r != nil {
			tables = append(tables, r.name)
			rows += r.rows
		}
	}
	return tables, rows, err
}

func (s *Syncer) writeDataset(ctx context.Context, ds *models.DataSource, d drivers.Dataset) (int64, error) {
	table, err := BuildTable(s.Schema, ds.ID, d)
	if err != nil {
		return 0, staged("write", err)
	}
	mode := d.Mode
	if mode == "" {
		mode = warehouse.ModeReplace
	}

	table, err = s.Writer.EnsureTable(ctx, table)
	if err != nil {
		return 0, staged("write", fmt.Errorf("ensure %s: %w", d.LogicalName, err))
	}
	n, err := s.Writer.Write(ctx, table, mode, d.Rows)
	if err != nil {
		return 0, staged("write", fmt.Errorf("write %s: %w", d.LogicalName, err))
	}

	total := n
	if mode != warehouse.ModeReplace {
		if total, err = s.Writer.Count(ctx, table.Schema, table.Name); err != nil {
			total = n
		}
	}

	cols := make([]models.ColumnMeta, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = models.ColumnMeta{Name: c.Name, LogicalName: c.LogicalName, Type: string(c.Type)}
	}
	if _, err := s.Metadata.Register(ctx, models.TableMetadata{
		ProjectID:    ds.ProjectID,
		DataSourceID: ds.ID,
		Schema:       table.Schema,
		PhysicalName: table.Name,
		LogicalName:  d.LogicalName,
		Columns:      cols,
		RowCount:     total,
	}); err != nil {
		return n, staged("metadata", err)
	}
	return n, nil
}

// BuildTable maps a dataset to its physical table: hashed table name,
// sanitized column names, inferred column types and physical key columns.
// Columns with no non-nil value are warehouse.TypeUnknown.
func BuildTable(schema string, dataSourceID int64, d drivers.Dataset) (warehouse.Table, error) {
	physical := warehouse.ColumnNames(d.Columns)
	table := warehouse.Table{
		Schema:  schema,
		Name:    warehouse.PhysicalTableName(dataSourceID, d.LogicalName),
		Columns: make([]warehouse.Column, len(d.Columns)),
	}
	index := make(map[string]int, len(d.Columns))
	values := make([]any, len(d.Rows))
	for i, name := range d.Columns {
		index[name] = i
		for r, row := range d.Rows {
			if i < len(row) {
				values[r] = row[i]
			} else {
				values[r] = nil
			}
		}
		table.Columns[i] = warehouse.Column{Name: physical[i], LogicalName: name, Type: warehouse.InferKnownType(values)}
	}
	for _, k := range d.Keys {
		i, ok := index[k]
		if !ok {
			return table, fmt.Errorf("table %s: key column %q not in dataset", d.LogicalName, k)
		}
		table.Keys = append(table.Keys, physical[i])
	}
	return table, nil
}

func (s *Syncer) finish(ctx context.Context, ds *models.DataSource, run *models.SyncRun, tables []string, runErr error) {
	finished := s.now().UTC()
	run.FinishedAt = &finished
	run.Status = models.RunSuccess
	topic := events.TopicSyncCompleted
	if runErr != nil {
		run.Status = models.RunFailed
		run.Error = runErr.Error()
		topic = events.TopicSyncFailed
		stage := "unknown"
		var se *stageError
		if errors.As(runErr, &se) {
			stage = se.stage
		}
		metrics.RecordSyncError(string(ds.Type), stage)
	}
	metrics.RecordSyncRun(string(ds.Type), run.Duration(), run.Rows, runErr)

	log := logging.Ctx(ctx)
	if err := s.Store.FinishSyncRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Int64("run_id", run.ID).Msg("Failed to store sync run")
	}

	ev := s.event(ds, run, tables)
	events.PublishAsync(ctx, s.Publisher, topic, ev)
}

func (s *Syncer) event(ds *models.DataSource, run *models.SyncRun, tables []string) events.SyncEvent {
	return events.SyncEvent{
		RunID:        run.ID,
		DataSourceID: ds.ID,
		ProjectID:    ds.ProjectID,
		SourceType:   string(ds.Type),
		Trigger:      string(run.Trigger),
		Rows:         run.Rows,
		Tables:       tables,
		Error:        run.Error,
		Timestamp:    s.now().UTC(),
	}
}
