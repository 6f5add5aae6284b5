// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package datamodels compiles, runs and materializes data models: saved
// SQL queries over a project's warehouse tables.
//
// Model SQL names tables by logical name, as {{ Campaigns }} or
// {{ Google Ads.Campaigns }} when two sources share a name. Compile
// rewrites those references to quoted physical names and records which
// data sources the model depends on. Queries run in read-only
// transactions with a statement timeout. Materialized models are rebuilt
// into a staging table and swapped in atomically, and are refreshed
// whenever a source they depend on finishes syncing.
package datamodels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tomtom215/marketscope/internal/events"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	defaultRowLimit = 100
	maxRowLimit     = 10000
)

// Store persists data models. Implemented by database.DB.
type Store interface {
	CreateDataModel(ctx context.Context, m *models.DataModel) error
	GetDataModel(ctx context.Context, id int64) (*models.DataModel, error)
	ListDataModels(ctx context.Context, projectID int64) ([]models.DataModel, error)
	UpdateDataModel(ctx context.Context, m *models.DataModel) error
	DeleteDataModel(ctx context.Context, id int64) error
	ListMaterializedDependents(ctx context.Context, dataSourceID int64) ([]models.DataModel, error)
	MarkDataModelRefreshed(ctx context.Context, id int64, physical string, columns []models.ColumnMeta, at time.Time) error
}

// LimitChecker enforces the project owner's tier. Implemented by
// *tiers.Checker.
type LimitChecker interface {
	CheckProject(ctx context.Context, projectID int64, r tiers.Resource) error
}

// Config tunes query execution.
type Config struct {
	Schema           string
	StatementTimeout time.Duration
	// QueryRole, when set, is assumed with SET LOCAL ROLE while model SQL
	// runs. It needs SELECT and CREATE on Schema only, and must be granted
	// to the application user.
	QueryRole string
}

// Service manages data models.
type Service struct {
	cfg       Config
	store     Store
	pool      warehouse.Pool
	resolver  TableResolver
	limits    LimitChecker
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates a data model service.
func NewService(cfg Config, store Store, pool warehouse.Pool, resolver TableResolver, limits LimitChecker, publisher events.Publisher) *Service {
	if cfg.Schema == "" {
		cfg.Schema = "warehouse"
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 30 * time.Second
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		resolver:  resolver,
		limits:    limits,
		publisher: publisher,
		now:       time.Now,
	}
}

// Result is a query result.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// Compile resolves the model SQL for a project.
func (s *Service) Compile(ctx context.Context, projectID int64, sql string) (*Compiled, error) {
	return Compile(ctx, s.resolver, projectID, sql)
}

// Get returns a data model.
func (s *Service) Get(ctx context.Context, id int64) (*models.DataModel, error) {
	return s.store.GetDataModel(ctx, id)
}

// List returns a project's data models.
func (s *Service) List(ctx context.Context, projectID int64) ([]models.DataModel, error) {
	return s.store.ListDataModels(ctx, projectID)
}

// Create validates and stores a new model, materializing it when asked.
func (s *Service) Create(ctx context.Context, m *models.DataModel) error {
	if s.limits != nil {
		if err := s.limits.CheckProject(ctx, m.ProjectID, tiers.ResourceDataModels); err != nil {
			return err
		}
	}
	if err := s.prepare(ctx, m); err != nil {
		return err
	}
	if err := s.store.CreateDataModel(ctx, m); err != nil {
		return fmt.Errorf("create data model: %w", err)
	}
	if m.Materialized {
		return s.materializeAndPublish(ctx, m)
	}
	return nil
}

// Update saves changed SQL or settings. Turning materialization off drops
// the materialized table.
func (s *Service) Update(ctx context.Context, m *models.DataModel) error {
	if err := s.prepare(ctx, m); err != nil {
		return err
	}
	dropped := ""
	if !m.Materialized && m.PhysicalName != "" {
		dropped, m.PhysicalName = m.PhysicalName, ""
	}
	if err := s.store.UpdateDataModel(ctx, m); err != nil {
		return fmt.Errorf("update data model: %w", err)
	}
	if dropped != "" {
		s.dropTable(ctx, dropped)
	}
	if m.Materialized {
		return s.materializeAndPublish(ctx, m)
	}
	return nil
}

// Delete removes a model and its materialized table.
func (s *Service) Delete(ctx context.Context, m *models.DataModel) error {
	if err := s.store.DeleteDataModel(ctx, m.ID); err != nil {
		return err
	}
	if m.PhysicalName != "" {
		s.dropTable(ctx, m.PhysicalName)
	}
	return nil
}

// prepare compiles the SQL and records its dependencies and columns.
func (s *Service) prepare(ctx context.Context, m *models.DataModel) error {
	compiled, err := s.Compile(ctx, m.ProjectID, m.SQL)
	if err != nil {
		return err
	}
	cols, err := s.describe(ctx, compiled.SQL)
	if err != nil {
		return err
	}
	m.DependsOn = compiled.DependsOn
	m.Columns = cols
	return nil
}

func (s *Service) dropTable(ctx context.Context, physical string) {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+warehouse.Quote(s.cfg.Schema, physical)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("table", physical).Msg("Failed to drop materialized table")
	}
}

// readOnly runs fn in a read-only transaction bounded by the statement
// timeout. The transaction is always rolled back.
func (s *Service) readOnly(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
		return fmt.Errorf("set read only: %w", err)
	}
	if err := setStatementTimeout(ctx, tx, s.cfg.StatementTimeout); err != nil {
		return err
	}
	if err := s.restrict(ctx, tx); err != nil {
		return err
	}
	return fn(tx)
}

// restrict limits name lookup to the warehouse schema and assumes the
// query role for the rest of the transaction.
func (s *Service) restrict(ctx context.Context, tx pgx.Tx) error {
	for _, stmt := range s.restrictStatements() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("restrict model query: %w", err)
		}
	}
	return nil
}

func (s *Service) restrictStatements() []string {
	stmts := []string{"SET LOCAL search_path = " + pgx.Identifier{s.cfg.Schema}.Sanitize()}
	if s.cfg.QueryRole != "" {
		stmts = append(stmts, "SET LOCAL ROLE "+pgx.Identifier{s.cfg.QueryRole}.Sanitize())
	}
	return stmts
}

func setStatementTimeout(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", d.Milliseconds())); err != nil {
		return fmt.Errorf("set statement timeout: %w", err)
	}
	return nil
}

func wrapSelect(sql string, limit int) string {
	// Newlines keep a trailing line comment from swallowing the paren.
	return fmt.Sprintf("SELECT * FROM (\n%s\n) AS q LIMIT %d", sql, limit)
}

// describe returns the result columns of compiled SQL without reading rows.
func (s *Service) describe(ctx context.Context, compiled string) ([]models.ColumnMeta, error) {
	var cols []models.ColumnMeta
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, wrapSelect(compiled, 0))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSQL, err)
		}
		cols = columnsOf(rows.FieldDescriptions())
		rows.Close()
		return rows.Err()
	})
	return cols, err
}

var typeMap = pgtype.NewMap()

func columnsOf(fields []pgconn.FieldDescription) []models.ColumnMeta {
	out := make([]models.ColumnMeta, len(fields))
	for i, f := range fields {
		out[i] = models.ColumnMeta{Name: f.Name, LogicalName: f.Name, Type: string(columnType(f.DataTypeOID))}
	}
	return out
}

// columnType maps a Postgres type OID onto the warehouse column types.
func columnType(oid uint32) warehouse.ColumnType {
	t, ok := typeMap.TypeForOID(oid)
	if !ok {
		return warehouse.TypeText
	}
	switch t.Name {
	case "int2", "int4", "int8":
		return warehouse.TypeBigInt
	case "float4", "float8", "numeric":
		return warehouse.TypeDouble
	case "bool":
		return warehouse.TypeBoolean
	case "date":
		return warehouse.TypeDate
	case "timestamp", "timestamptz":
		return warehouse.TypeTimestamp
	case "json", "jsonb":
		return warehouse.TypeJSON
	}
	return warehouse.TypeText
}

// Execute runs a model and returns up to limit rows. Materialized models
// read their table; others run their compiled SQL.
func (s *Service) Execute(ctx context.Context, m *models.DataModel, limit int) (*Result, error) {
	if limit <= 0 {
		limit = defaultRowLimit
	}
	if limit > maxRowLimit {
		limit = maxRowLimit
	}

	var source string
	if m.Materialized && m.PhysicalName != "" {
		source = "SELECT * FROM " + warehouse.Quote(s.cfg.Schema, m.PhysicalName)
	} else {
		compiled, err := s.Compile(ctx, m.ProjectID, m.SQL)
		if err != nil {
			return nil, err
		}
		source = compiled.SQL
	}

	res := &Result{}
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, wrapSelect(source, limit+1))
		if err != nil {
			return fmt.Errorf("execute data model %d: %w", m.ID, err)
		}
		cols, values, err := warehouse.CollectRows(rows)
		if err != nil {
			return fmt.Errorf("read data model %d: %w", m.ID, err)
		}
		res.Columns = cols
		if len(values) > limit {
			values = values[:limit]
			res.Truncated = true
		}
		res.Rows = values
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	return res, nil
}

// Query runs SQL built on top of a model in a read-only transaction. build
// receives the relation to select from: the materialized table, or the
// compiled SQL as an aliased subquery.
func (s *Service) Query(ctx context.Context, m *models.DataModel, build func(source string) string, args ...any) ([]string, [][]any, error) {
	var source string
	if m.Materialized && m.PhysicalName != "" {
		source = warehouse.Quote(s.cfg.Schema, m.PhysicalName)
	} else {
		compiled, err := s.Compile(ctx, m.ProjectID, m.SQL)
		if err != nil {
			return nil, nil, err
		}
		source = "(\n" + compiled.SQL + "\n) AS src"
	}

	var (
		cols []string
		rows [][]any
	)
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		r, err := tx.Query(ctx, build(source), args...)
		if err != nil {
			return fmt.Errorf("query data model %d: %w", m.ID, err)
		}
		cols, rows, err = warehouse.CollectRows(r)
		return err
	})
	return cols, rows, err
}

// Materialize rebuilds the model's table and swaps it in.
func (s *Service) Materialize(ctx context.Context, m *models.DataModel) error {
	compiled, err := s.Compile(ctx, m.ProjectID, m.SQL)
	if err != nil {
		return err
	}
	physical := warehouse.DataModelTableName(m.ID, m.Name)
	staging := fmt.Sprintf("dm%d_staging", m.ID)
	target := warehouse.Quote(s.cfg.Schema, physical)

	var cols []models.ColumnMeta
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", m.ID); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		if err := setStatementTimeout(ctx, tx, s.cfg.StatementTimeout); err != nil {
			return err
		}
		stmts := []string{
			"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{s.cfg.Schema}.Sanitize(),
			"DROP TABLE IF EXISTS " + warehouse.Quote(s.cfg.Schema, staging),
		}
		stmts = append(stmts, s.restrictStatements()...)
		stmts = append(stmts, "CREATE TABLE "+warehouse.Quote(s.cfg.Schema, staging)+" AS\n"+compiled.SQL+"\n")
		if s.cfg.QueryRole != "" {
			stmts = append(stmts, "RESET ROLE")
		}
		stmts = append(stmts,
			"DROP TABLE IF EXISTS "+target,
			"ALTER TABLE "+warehouse.Quote(s.cfg.Schema, staging)+" RENAME TO "+pgx.Identifier{physical}.Sanitize(),
		)
		if m.PhysicalName != "" && m.PhysicalName != physical {
			stmts = append(stmts, "DROP TABLE IF EXISTS "+warehouse.Quote(s.cfg.Schema, m.PhysicalName))
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("materialize data model %d: %w", m.ID, err)
			}
		}

		rows, err := tx.Query(ctx, "SELECT * FROM "+target+" LIMIT 0")
		if err != nil {
			return err
		}
		cols = columnsOf(rows.FieldDescriptions())
		rows.Close()
		return rows.Err()
	})
	if err != nil {
		metrics.DataModelRefreshes.WithLabelValues("failed").Inc()
		return err
	}

	at := s.now().UTC()
	if err := s.store.MarkDataModelRefreshed(ctx, m.ID, physical, cols, at); err != nil {
		metrics.DataModelRefreshes.WithLabelValues("failed").Inc()
		return fmt.Errorf("record refresh: %w", err)
	}
	m.PhysicalName, m.Columns, m.LastRefreshedAt = physical, cols, &at
	metrics.DataModelRefreshes.WithLabelValues("success").Inc()
	logging.Ctx(ctx).Info().Int64("data_model_id", m.ID).Str("table", physical).Msg("Data model materialized")
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Refresh materializes a model on demand and publishes the outcome.
func (s *Service) Refresh(ctx context.Context, m *models.DataModel) error {
	if !m.Materialized {
		return fmt.Errorf("%w: data model %d is not materialized", ErrNotMaterialized, m.ID)
	}
	return s.materializeAndPublish(ctx, m)
}

// ErrNotMaterialized is returned when refreshing a view-only model.
var ErrNotMaterialized = errors.New("data model is not materialized")

func (s *Service) materializeAndPublish(ctx context.Context, m *models.DataModel) error {
	err := s.Materialize(ctx, m)
	ev := events.DataModelEvent{
		DataModelID:  m.ID,
		ProjectID:    m.ProjectID,
		PhysicalName: m.PhysicalName,
		Timestamp:    s.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	events.PublishAsync(ctx, s.publisher, events.TopicDataModelRefreshed, ev)
	return err
}

// RefreshDependents re-materializes every materialized model reading from
// the data source. Failures are collected and do not stop other models.
func (s *Service) RefreshDependents(ctx context.Context, dataSourceID int64) error {
	dependents, err := s.store.ListMaterializedDependents(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("list dependents of data source %d: %w", dataSourceID, err)
	}
	var errs []error
	for i := range dependents {
		if err := s.materializeAndPublish(ctx, &dependents[i]); err != nil {
			errs = append(errs, fmt.Errorf("data model %d: %w", dependents[i].ID, err))
		}
	}
	if len(dependents) > 0 {
		logging.Ctx(ctx).Debug().Int64("data_source_id", dataSourceID).Int("models", len(dependents)).
			Int("failed", len(errs)).Msg("Refreshed dependent data models")
	}
	return errors.Join(errs...)
}

// ColumnSet returns the model's column names for membership checks.
func ColumnSet(m *models.DataModel) map[string]bool {
	set := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		set[strings.TrimSpace(c.Name)] = true
	}
	return set
}
