// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package models

import (
	"fmt"
	"time"
)

// SourceType identifies the system a data source pulls from.
type SourceType string

const (
	SourceGoogleAnalytics SourceType = "google_analytics"
	SourceGoogleAds       SourceType = "google_ads"
	SourceGoogleAdManager SourceType = "google_ad_manager"
	SourceLinkedInAds     SourceType = "linkedin_ads"
	SourceKlaviyo         SourceType = "klaviyo"
	SourceHubSpot         SourceType = "hubspot"
	SourceMySQL           SourceType = "mysql"
	SourceMariaDB         SourceType = "mariadb"
	SourcePostgres        SourceType = "postgres"
	SourceMongoDB         SourceType = "mongodb"
	SourceExcel           SourceType = "excel"
	SourceCSV             SourceType = "csv"
	SourcePDF             SourceType = "pdf"
)

// AllSourceTypes lists every supported source type.
var AllSourceTypes = []SourceType{
	SourceGoogleAnalytics, SourceGoogleAds, SourceGoogleAdManager, SourceLinkedInAds,
	SourceKlaviyo, SourceHubSpot, SourceMySQL, SourceMariaDB, SourcePostgres,
	SourceMongoDB, SourceExcel, SourceCSV, SourcePDF,
}

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	for _, known := range AllSourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Provider returns the OAuth provider or API family the source
// authenticates against. Rate limits and circuit breakers are keyed by it.
func (t SourceType) Provider() string {
	switch t {
	case SourceGoogleAnalytics, SourceGoogleAds, SourceGoogleAdManager:
		return "google"
	case SourceLinkedInAds:
		return "linkedin"
	case SourceHubSpot:
		return "hubspot"
	case SourceKlaviyo:
		return "klaviyo"
	case SourceMySQL, SourceMariaDB, SourcePostgres, SourceMongoDB:
		return "database"
	default:
		return "file"
	}
}

// IsOAuth reports whether connecting the source requires an OAuth grant.
func (t SourceType) IsOAuth() bool {
	switch t.Provider() {
	case "google", "linkedin", "hubspot":
		return true
	}
	return false
}

// IsFile reports whether the source is fed by uploads.
func (t SourceType) IsFile() bool {
	return t == SourceExcel || t == SourceCSV || t == SourcePDF
}

// IsDatabase reports whether the source is an external database.
func (t SourceType) IsDatabase() bool {
	return t.Provider() == "database"
}

// SourceStatus is the lifecycle state shown to users.
type SourceStatus string

const (
	StatusIdle     SourceStatus = "idle"
	StatusQueued   SourceStatus = "queued"
	StatusSyncing  SourceStatus = "syncing"
	StatusOK       SourceStatus = "ok"
	StatusFailed   SourceStatus = "failed"
	StatusDisabled SourceStatus = "disabled"
)

// ScheduleKind selects how the next sync time is computed.
type ScheduleKind string

const (
	ScheduleManual   ScheduleKind = "manual"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
)

// Schedule describes when a data source syncs. Times are UTC.
type Schedule struct {
	Kind    ScheduleKind  `json:"kind" validate:"required,schedule_kind"`
	Every   time.Duration `json:"every,omitempty" validate:"omitempty,min=0"`
	Hour    int           `json:"hour,omitempty" validate:"min=0,max=23"`
	Minute  int           `json:"minute,omitempty" validate:"min=0,max=59"`
	Weekday time.Weekday  `json:"weekday,omitempty" validate:"min=0,max=6"`
}

// Validate checks the fields relevant to the schedule kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleManual, ScheduleDaily, ScheduleWeekly:
		return nil
	case ScheduleInterval:
		if s.Every <= 0 {
			return fmt.Errorf("interval schedule requires a positive every")
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// DataSource is a user-configured connection to an external system.
type DataSource struct {
	ID                  int64             `json:"id"`
	ProjectID           int64             `json:"project_id"`
	Name                string            `json:"name"`
	Type                SourceType        `json:"type"`
	Config              map[string]any    `json:"config"`
	Credentials         []byte            `json:"-"`
	Connected           bool              `json:"connected"`
	Schedule            Schedule          `json:"schedule"`
	Status              SourceStatus      `json:"status"`
	LastSyncAt          *time.Time        `json:"last_sync_at,omitempty"`
	NextSyncAt          *time.Time        `json:"next_sync_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	SyncState           map[string]string `json:"-"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Schedulable reports whether the scheduler should track the source.
func (ds *DataSource) Schedulable() bool {
	return ds.Schedule.Kind != ScheduleManual && ds.Status != StatusDisabled
}

// SyncTrigger records why a run started.
type SyncTrigger string

const (
	TriggerSchedule SyncTrigger = "schedule"
	TriggerManual   SyncTrigger = "manual"
	TriggerUpload   SyncTrigger = "upload"
)

// RunStatus is the terminal state of a sync run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// SyncRun is one execution of a data source sync.
type SyncRun struct {
	ID           int64       `json:"id"`
	DataSourceID int64       `json:"data_source_id"`
	Trigger      SyncTrigger `json:"trigger"`
	Status       RunStatus   `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	Rows         int64       `json:"rows"`
	Tables       int         `json:"tables"`
	Error        string      `json:"error,omitempty"`
}

// Duration returns the elapsed run time, or zero while running.
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
