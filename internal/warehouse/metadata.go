// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/marketscope/internal/cache"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
	"github.com/tomtom215/marketscope/internal/models"
)

var (
	// ErrTableNotFound is returned when no table matches a name.
	ErrTableNotFound = errors.New("table not found")

	// ErrAmbiguousTable is returned when a logical name matches tables from
	// more than one data source. Qualify it as "<source name>.<table>".
	ErrAmbiguousTable = errors.New("table name is ambiguous")
)

// MetadataStore persists table metadata. Implemented by database.DB.
type MetadataStore interface {
	UpsertTableMetadata(ctx context.Context, meta *models.TableMetadata) error
	GetTableMetadata(ctx context.Context, id int64) (*models.TableMetadata, error)
	GetTableMetadataByPhysical(ctx context.Context, schema, physical string) (*models.TableMetadata, error)
	FindTableMetadataByLogical(ctx context.Context, projectID int64, logical string) ([]models.TableMetadata, error)
	FindTableMetadataBySource(ctx context.Context, projectID int64, sourceName, logical string) ([]models.TableMetadata, error)
	ListTableMetadataByProject(ctx context.Context, projectID int64) ([]models.TableMetadata, error)
	ListTableMetadataByDataSource(ctx context.Context, dataSourceID int64) ([]models.TableMetadata, error)
	DeleteTableMetadataByDataSource(ctx context.Context, dataSourceID int64) error
}

// TableDropper removes physical tables. Implemented by *Writer.
type TableDropper interface {
	Drop(ctx context.Context, schema, table string) error
}

// MetadataService maps physical warehouse tables to logical names.
// Lookups are cached; every mutation invalidates affected entries.
type MetadataService struct {
	store    MetadataStore
	dropper  TableDropper
	schema   string
	physical *cache.LRU[string, models.TableMetadata]
	logical  *cache.LRU[string, models.TableMetadata]
}

// NewMetadataService creates the service for tables in schema.
func NewMetadataService(store MetadataStore, dropper TableDropper, schema string, ttl time.Duration) *MetadataService {
	return &MetadataService{
		store:    store,
		dropper:  dropper,
		schema:   schema,
		physical: cache.NewLRU[string, models.TableMetadata](5000, ttl),
		logical:  cache.NewLRU[string, models.TableMetadata](5000, ttl),
	}
}

// Schema returns the warehouse schema the service manages.
func (s *MetadataService) Schema() string {
	return s.schema
}

// Register records (or updates) the mapping for a synced table. The record
// is keyed by data source and logical name, so re-registering after every
// sync is idempotent.
func (s *MetadataService) Register(ctx context.Context, meta models.TableMetadata) (*models.TableMetadata, error) {
	if meta.PhysicalName == "" || meta.LogicalName == "" {
		return nil, fmt.Errorf("register table: physical and logical names are required")
	}
	if len(meta.PhysicalName) > MaxIdentifierLength {
		return nil, fmt.Errorf("register table: physical name %q exceeds %d bytes", meta.PhysicalName, MaxIdentifierLength)
	}
	if meta.Schema == "" {
		meta.Schema = s.schema
	}

	if err := s.store.UpsertTableMetadata(ctx, &meta); err != nil {
		return nil, fmt.Errorf("register table %s: %w", meta.LogicalName, err)
	}
	// A new table can make a previously unique logical name ambiguous.
	s.InvalidateProject(meta.ProjectID)
	return &meta, nil
}

// Get returns metadata by ID.
func (s *MetadataService) Get(ctx context.Context, id int64) (*models.TableMetadata, error) {
	return s.store.GetTableMetadata(ctx, id)
}

// ResolveLogical returns the metadata for a physical table name.
func (s *MetadataService) ResolveLogical(ctx context.Context, physical string) (*models.TableMetadata, error) {
	if meta, ok := s.physical.Get(physical); ok {
		metrics.MetadataCacheLookups.WithLabelValues("hit").Inc()
		return &meta, nil
	}
	metrics.MetadataCacheLookups.WithLabelValues("miss").Inc()

	meta, err := s.store.GetTableMetadataByPhysical(ctx, s.schema, physical)
	if err != nil {
		return nil, err
	}
	s.physical.Add(physical, *meta)
	return meta, nil
}

// ResolvePhysical finds the table a project refers to by logical name.
// The reference may be a bare logical name or "<source name>.<logical name>".
func (s *MetadataService) ResolvePhysical(ctx context.Context, projectID int64, ref string) (*models.TableMetadata, error) {
	ref = strings.TrimSpace(ref)
	key := logicalKey(projectID, ref)
	if meta, ok := s.logical.Get(key); ok {
		metrics.MetadataCacheLookups.WithLabelValues("hit").Inc()
		return &meta, nil
	}
	metrics.MetadataCacheLookups.WithLabelValues("miss").Inc()

	matches, err := s.store.FindTableMetadataByLogical(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if source, logical, ok := strings.Cut(ref, "."); ok {
			matches, err = s.store.FindTableMetadataBySource(ctx, projectID, strings.TrimSpace(source), strings.TrimSpace(logical))
			if err != nil {
				return nil, err
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, ref)
	case 1:
		s.logical.Add(key, matches[0])
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d tables", ErrAmbiguousTable, ref, len(matches))
	}
}

// ListByProject returns every table of a project.
func (s *MetadataService) ListByProject(ctx context.Context, projectID int64) ([]models.TableMetadata, error) {
	return s.store.ListTableMetadataByProject(ctx, projectID)
}

// ListByDataSource returns the tables written by one data source.
func (s *MetadataService) ListByDataSource(ctx context.Context, dataSourceID int64) ([]models.TableMetadata, error) {
	return s.store.ListTableMetadataByDataSource(ctx, dataSourceID)
}

// DeleteByDataSource drops every physical table of the data source and
// removes its metadata. Tables are dropped first so a failure leaves the
// metadata pointing at whatever still exists.
func (s *MetadataService) DeleteByDataSource(ctx context.Context, dataSourceID int64) error {
	tables, err := s.store.ListTableMetadataByDataSource(ctx, dataSourceID)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := s.dropper.Drop(ctx, t.Schema, t.PhysicalName); err != nil {
			return err
		}
	}
	if err := s.store.DeleteTableMetadataByDataSource(ctx, dataSourceID); err != nil {
		return fmt.Errorf("delete table metadata: %w", err)
	}
	s.InvalidateDataSource(dataSourceID)

	logging.Ctx(ctx).Info().
		Int64("data_source_id", dataSourceID).
		Int("tables", len(tables)).
		Msg("dropped data source tables")
	return nil
}

// InvalidateDataSource evicts cached entries for one data source.
func (s *MetadataService) InvalidateDataSource(dataSourceID int64) {
	match := func(_ string, m models.TableMetadata) bool { return m.DataSourceID == dataSourceID }
	s.physical.RemoveFunc(match)
	s.logical.RemoveFunc(match)
}

// InvalidateProject evicts every cached entry for a project.
func (s *MetadataService) InvalidateProject(projectID int64) {
	match := func(_ string, m models.TableMetadata) bool { return m.ProjectID == projectID }
	s.physical.RemoveFunc(match)
	s.logical.RemoveFunc(match)
}

func logicalKey(projectID int64, ref string) string {
	return strconv.FormatInt(projectID, 10) + "\x00" + ref
}
