// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package tiers enforces subscription limits: how many projects, data
// sources, data models and dashboards an account owns, how many AI
// analyses it runs per calendar month, which source types it may connect,
// and how often its sources may sync.
//
// Limits always apply to the project owner's tier, so collaborators work
// within the owner's plan. A zero limit means unlimited.
package tiers

import (
	"time"

	"github.com/tomtom215/marketscope/internal/models"
)

// Resource names a counted resource. Values match the usage counter keys.
type Resource string

const (
	ResourceProjects    Resource = "projects"
	ResourceDataSources Resource = "data_sources"
	ResourceDataModels  Resource = "data_models"
	ResourceDashboards  Resource = "dashboards"
	ResourceAIAnalyses  Resource = "ai_analyses"
	ResourceSourceType  Resource = "source_type"
)

// Limits is one tier's allowance.
type Limits struct {
	MaxProjects        int           `json:"max_projects"`
	MaxDataSources     int           `json:"max_data_sources"`
	MaxDataModels      int           `json:"max_data_models"`
	MaxDashboards      int           `json:"max_dashboards"`
	AIAnalysesPerMonth int           `json:"ai_analyses_per_month"`
	MinSyncInterval    time.Duration `json:"min_sync_interval"`
	// AllowedSources is nil when every source type is allowed.
	AllowedSources []models.SourceType `json:"allowed_sources,omitempty"`
}

var freeSources = []models.SourceType{
	models.SourceGoogleAnalytics,
	models.SourceMySQL, models.SourceMariaDB, models.SourcePostgres, models.SourceMongoDB,
	models.SourceExcel, models.SourceCSV, models.SourcePDF,
}

func allExcept(excluded ...models.SourceType) []models.SourceType {
	out := make([]models.SourceType, 0, len(models.AllSourceTypes))
outer:
	for _, t := range models.AllSourceTypes {
		for _, x := range excluded {
			if t == x {
				continue outer
			}
		}
		out = append(out, t)
	}
	return out
}

var table = map[models.Tier]Limits{
	models.TierFree: {
		MaxProjects: 1, MaxDataSources: 2, MaxDataModels: 5, MaxDashboards: 2,
		AIAnalysesPerMonth: 5, MinSyncInterval: 24 * time.Hour,
		AllowedSources: freeSources,
	},
	models.TierPro: {
		MaxProjects: 5, MaxDataSources: 10, MaxDataModels: 50, MaxDashboards: 20,
		AIAnalysesPerMonth: 100, MinSyncInterval: time.Hour,
		AllowedSources: allExcept(models.SourceGoogleAdManager),
	},
	models.TierBusiness: {
		MaxProjects: 25, MaxDataSources: 50, MaxDataModels: 250, MaxDashboards: 100,
		AIAnalysesPerMonth: 1000, MinSyncInterval: 15 * time.Minute,
	},
	models.TierEnterprise: {
		MinSyncInterval: 5 * time.Minute,
	},
}

// For returns the limits of tier. Unknown tiers get the free limits.
func For(tier models.Tier) Limits {
	if l, ok := table[tier]; ok {
		return l
	}
	return table[models.TierFree]
}

// Max returns the count limit for a resource, 0 meaning unlimited.
func (l Limits) Max(r Resource) int {
	switch r {
	case ResourceProjects:
		return l.MaxProjects
	case ResourceDataSources:
		return l.MaxDataSources
	case ResourceDataModels:
		return l.MaxDataModels
	case ResourceDashboards:
		return l.MaxDashboards
	case ResourceAIAnalyses:
		return l.AIAnalysesPerMonth
	}
	return 0
}

// Allows reports whether the source type may be connected.
func (l Limits) Allows(t models.SourceType) bool {
	if l.AllowedSources == nil {
		return true
	}
	for _, a := range l.AllowedSources {
		if a == t {
			return true
		}
	}
	return false
}

// ClampSchedule raises interval schedules to the tier's minimum interval.
// Daily and weekly schedules are never shorter than a day and pass through.
func (l Limits) ClampSchedule(s models.Schedule) models.Schedule {
	if s.Kind == models.ScheduleInterval && s.Every < l.MinSyncInterval {
		s.Every = l.MinSyncInterval
	}
	return s
}
