// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package tiers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/marketscope/internal/models"
)

type fakeStore struct {
	users    map[int64]*models.User
	projects map[int64]*models.Project
	usage    map[string]int
	since    time.Time
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeStore) GetProject(_ context.Context, id int64) (*models.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeStore) CountUsage(_ context.Context, _ int64, resource string, since time.Time) (int, error) {
	f.since = since
	return f.usage[resource], nil
}

func newFixture(tier models.Tier) (*Checker, *fakeStore) {
	store := &fakeStore{
		users:    map[int64]*models.User{1: {ID: 1, Tier: tier}},
		projects: map[int64]*models.Project{10: {ID: 10, OwnerID: 1}},
		usage:    map[string]int{},
	}
	return NewChecker(store), store
}

func TestLimitsTable(t *testing.T) {
	free := For(models.TierFree)
	assert.Equal(t, 1, free.MaxProjects)
	assert.Equal(t, 24*time.Hour, free.MinSyncInterval)
	assert.True(t, free.Allows(models.SourceGoogleAnalytics))
	assert.True(t, free.Allows(models.SourcePDF))
	assert.False(t, free.Allows(models.SourceHubSpot))

	pro := For(models.TierPro)
	assert.True(t, pro.Allows(models.SourceLinkedInAds))
	assert.False(t, pro.Allows(models.SourceGoogleAdManager))

	assert.True(t, For(models.TierBusiness).Allows(models.SourceGoogleAdManager))
	assert.Equal(t, 0, For(models.TierEnterprise).Max(ResourceDataSources))

	assert.Equal(t, free, For("platinum"), "unknown tiers fall back to free")
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	c, store := newFixture(models.TierFree)

	store.usage["data_sources"] = 1
	require.NoError(t, c.CheckProject(ctx, 10, ResourceDataSources))

	store.usage["data_sources"] = 2
	err := c.CheckProject(ctx, 10, ResourceDataSources)
	require.ErrorIs(t, err, ErrLimitReached)

	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, models.TierFree, le.Tier)
	assert.Equal(t, 2, le.Limit)
	assert.Equal(t, 2, le.Used)

	_, err = NewChecker(store).LimitsFor(ctx, 99)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrLimitReached))
}

func TestCheckUnlimited(t *testing.T) {
	c, store := newFixture(models.TierEnterprise)
	store.usage["dashboards"] = 10_000
	assert.NoError(t, c.Check(context.Background(), 1, ResourceDashboards))
}

func TestAIQuotaCountsCalendarMonth(t *testing.T) {
	c, store := newFixture(models.TierFree)
	c.now = func() time.Time { return time.Date(2026, 3, 17, 15, 4, 5, 0, time.UTC) }
	store.usage["ai_analyses"] = 5

	err := c.Check(context.Background(), 1, ResourceAIAnalyses)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), store.since)
}

func TestCheckSourceType(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixture(models.TierFree)

	assert.NoError(t, c.CheckSourceType(ctx, 10, models.SourceCSV))
	err := c.CheckSourceType(ctx, 10, models.SourceKlaviyo)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Contains(t, err.Error(), "klaviyo")
}

func TestClampSchedule(t *testing.T) {
	ctx := context.Background()
	c, store := newFixture(models.TierPro)

	ds := &models.DataSource{ID: 5, ProjectID: 10, Schedule: models.Schedule{Kind: models.ScheduleInterval, Every: 10 * time.Minute}}
	assert.Equal(t, time.Hour, c.ClampSchedule(ctx, ds).Every)

	ds.Schedule.Every = 3 * time.Hour
	assert.Equal(t, 3*time.Hour, c.ClampSchedule(ctx, ds).Every)

	daily := models.Schedule{Kind: models.ScheduleDaily, Hour: 6}
	ds.Schedule = daily
	assert.Equal(t, daily, c.ClampSchedule(ctx, ds))

	store.users[1].Tier = models.TierFree
	ds.Schedule = models.Schedule{Kind: models.ScheduleInterval, Every: time.Hour}
	assert.Equal(t, 24*time.Hour, c.ClampSchedule(ctx, ds).Every)

	ds.ProjectID = 404
	assert.Equal(t, time.Hour, c.ClampSchedule(ctx, ds).Every, "lookup failure keeps the schedule")
}
