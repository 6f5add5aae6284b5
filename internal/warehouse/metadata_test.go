// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package warehouse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/marketscope/internal/models"
)

var errMissing = errors.New("missing")

// memStore is an in-memory MetadataStore. sourceNames maps data source
// IDs to their display names for qualified lookups.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	tables      map[int64]models.TableMetadata
	sourceNames map[int64]string
	lookups     int
}

func newMemStore() *memStore {
	return &memStore{tables: map[int64]models.TableMetadata{}, sourceNames: map[int64]string{}}
}

func (m *memStore) UpsertTableMetadata(_ context.Context, meta *models.TableMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tables {
		if t.DataSourceID == meta.DataSourceID && t.LogicalName == meta.LogicalName {
			meta.ID = id
			m.tables[id] = *meta
			return nil
		}
	}
	m.nextID++
	meta.ID = m.nextID
	m.tables[meta.ID] = *meta
	return nil
}

func (m *memStore) GetTableMetadata(_ context.Context, id int64) (*models.TableMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, errMissing
	}
	return &t, nil
}

func (m *memStore) GetTableMetadataByPhysical(_ context.Context, schema, physical string) (*models.TableMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, t := range m.tables {
		if t.Schema == schema && t.PhysicalName == physical {
			return &t, nil
		}
	}
	return nil, errMissing
}

func (m *memStore) FindTableMetadataByLogical(_ context.Context, projectID int64, logical string) ([]models.TableMetadata, error) {
	return m.filter(func(t models.TableMetadata) bool {
		return t.ProjectID == projectID && t.LogicalName == logical
	}), nil
}

func (m *memStore) FindTableMetadataBySource(_ context.Context, projectID int64, sourceName, logical string) ([]models.TableMetadata, error) {
	return m.filter(func(t models.TableMetadata) bool {
		return t.ProjectID == projectID && t.LogicalName == logical && m.sourceNames[t.DataSourceID] == sourceName
	}), nil
}

func (m *memStore) ListTableMetadataByProject(_ context.Context, projectID int64) ([]models.TableMetadata, error) {
	return m.filter(func(t models.TableMetadata) bool { return t.ProjectID == projectID }), nil
}

func (m *memStore) ListTableMetadataByDataSource(_ context.Context, dataSourceID int64) ([]models.TableMetadata, error) {
	return m.filter(func(t models.TableMetadata) bool { return t.DataSourceID == dataSourceID }), nil
}

func (m *memStore) DeleteTableMetadataByDataSource(_ context.Context, dataSourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tables {
		if t.DataSourceID == dataSourceID {
			delete(m.tables, id)
		}
	}
	return nil
}

func (m *memStore) filter(keep func(models.TableMetadata) bool) []models.TableMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	var out []models.TableMetadata
	for _, t := range m.tables {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

type recordingDropper struct {
	dropped []string
	err     error
}

func (d *recordingDropper) Drop(_ context.Context, schema, table string) error {
	if d.err != nil {
		return d.err
	}
	d.dropped = append(d.dropped, schema+"."+table)
	return nil
}

func register(t *testing.T, svc *MetadataService, projectID, dsID int64, logical string) *models.TableMetadata {
	t.Helper()
	meta, err := svc.Register(context.Background(), models.TableMetadata{
		ProjectID:    projectID,
		DataSourceID: dsID,
		PhysicalName: PhysicalTableName(dsID, logical),
		LogicalName:  logical,
	})
	require.NoError(t, err)
	return meta
}

func TestMetadataRegister(t *testing.T) {
	svc := NewMetadataService(newMemStore(), &recordingDropper{}, "warehouse", time.Minute)

	first := register(t, svc, 1, 10, "contacts")
	assert.Equal(t, "warehouse", first.Schema)
	assert.NotZero(t, first.ID)

	again := register(t, svc, 1, 10, "contacts")
	assert.Equal(t, first.ID, again.ID, "re-registering must be idempotent")

	_, err := svc.Register(context.Background(), models.TableMetadata{ProjectID: 1, LogicalName: "x"})
	assert.Error(t, err)

	_, err = svc.Register(context.Background(), models.TableMetadata{
		ProjectID: 1, LogicalName: "x", PhysicalName: strings.Repeat("a", MaxIdentifierLength+1),
	})
	assert.Error(t, err)
}

func TestMetadataResolveLogicalCaches(t *testing.T) {
	store := newMemStore()
	svc := NewMetadataService(store, &recordingDropper{}, "warehouse", time.Minute)
	meta := register(t, svc, 1, 10, "Deals")

	got, err := svc.ResolveLogical(context.Background(), meta.PhysicalName)
	require.NoError(t, err)
	assert.Equal(t, "Deals", got.LogicalName)

	before := store.lookups
	_, err = svc.ResolveLogical(context.Background(), meta.PhysicalName)
	require.NoError(t, err)
	assert.Equal(t, before, store.lookups, "second lookup should be served from cache")

	_, err = svc.ResolveLogical(context.Background(), "ds99_nope")
	assert.ErrorIs(t, err, errMissing)
}

func TestMetadataResolvePhysical(t *testing.T) {
	store := newMemStore()
	store.sourceNames[10] = "HubSpot"
	store.sourceNames[11] = "Klaviyo"
	svc := NewMetadataService(store, &recordingDropper{}, "warehouse", time.Minute)
	ctx := context.Background()

	hub := register(t, svc, 1, 10, "contacts")

	got, err := svc.ResolvePhysical(ctx, 1, "contacts")
	require.NoError(t, err)
	assert.Equal(t, hub.PhysicalName, got.PhysicalName)

	_, err = svc.ResolvePhysical(ctx, 2, "contacts")
	assert.ErrorIs(t, err, ErrTableNotFound, "other projects must not see the table")

	// A second source with the same logical name makes the bare name
	// ambiguous, even though it was cached as unique.
	kla := register(t, svc, 1, 11, "contacts")
	_, err = svc.ResolvePhysical(ctx, 1, "contacts")
	assert.ErrorIs(t, err, ErrAmbiguousTable)

	got, err = svc.ResolvePhysical(ctx, 1, "Klaviyo.contacts")
	require.NoError(t, err)
	assert.Equal(t, kla.PhysicalName, got.PhysicalName)

	got, err = svc.ResolvePhysical(ctx, 1, " HubSpot . contacts ")
	require.NoError(t, err)
	assert.Equal(t, hub.PhysicalName, got.PhysicalName)

	_, err = svc.ResolvePhysical(ctx, 1, "Nope.contacts")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestMetadataResolvePhysicalPrefersExactDottedName(t *testing.T) {
	store := newMemStore()
	store.sourceNames[10] = "web"
	svc := NewMetadataService(store, &recordingDropper{}, "warehouse", time.Minute)

	dotted := register(t, svc, 1, 10, "web.events")
	register(t, svc, 1, 10, "events")

	got, err := svc.ResolvePhysical(context.Background(), 1, "web.events")
	require.NoError(t, err)
	assert.Equal(t, dotted.PhysicalName, got.PhysicalName)
}

func TestMetadataDeleteByDataSource(t *testing.T) {
	store := newMemStore()
	dropper := &recordingDropper{}
	svc := NewMetadataService(store, dropper, "warehouse", time.Minute)
	ctx := context.Background()

	a := register(t, svc, 1, 10, "a")
	b := register(t, svc, 1, 10, "b")
	keep := register(t, svc, 1, 11, "c")

	_, err := svc.ResolveLogical(ctx, a.PhysicalName)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteByDataSource(ctx, 10))
	assert.ElementsMatch(t, []string{"warehouse." + a.PhysicalName, "warehouse." + b.PhysicalName}, dropper.dropped)

	_, err = svc.ResolveLogical(ctx, a.PhysicalName)
	assert.Error(t, err, "cache must be invalidated after delete")

	remaining, err := svc.ListByProject(ctx, 1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.ID, remaining[0].ID)
}

func TestMetadataDeleteKeepsMetadataWhenDropFails(t *testing.T) {
	store := newMemStore()
	svc := NewMetadataService(store, &recordingDropper{err: errors.New("boom")}, "warehouse", time.Minute)
	register(t, svc, 1, 10, "a")

	require.Error(t, svc.DeleteByDataSource(context.Background(), 10))

	left, err := svc.ListByDataSource(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
