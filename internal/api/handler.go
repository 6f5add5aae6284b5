// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"context"
	"io"
	"time"

	"github.com/tomtom215/marketscope/internal/analysis"
	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/authz"
	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/dashboards"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/datamodels"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/websocket"
)

// Store is the repository surface the handlers use.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjectsForUser(ctx context.Context, userID int64) ([]models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id int64) error

	AddMember(ctx context.Context, m *models.ProjectMember) error
	RemoveMember(ctx context.Context, projectID, userID int64) error
	ListMembers(ctx context.Context, projectID int64) ([]models.ProjectMember, error)

	CreateDataSource(ctx context.Context, ds *models.DataSource) error
	GetDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	ListDataSources(ctx context.Context, f database.DataSourceFilter) ([]models.DataSource, error)
	UpdateDataSource(ctx context.Context, ds *models.DataSource) error
	UpdateCredentials(ctx context.Context, id int64, sealed []byte, connected bool) error
	DeleteDataSource(ctx context.Context, id int64) error
	ListSyncRuns(ctx context.Context, f database.SyncRunFilter) ([]models.SyncRun, error)
}

// SyncScheduler queues and reports syncs.
type SyncScheduler interface {
	TriggerSync(ctx context.Context, id int64, trigger models.SyncTrigger) error
	Reschedule(ctx context.Context, ds *models.DataSource)
	Unschedule(id int64)
	Hold(ctx context.Context, id int64) (release func(), err error)
	Status() scheduler.Status
}

// Tables lists and removes warehouse table metadata.
type Tables interface {
	Get(ctx context.Context, id int64) (*models.TableMetadata, error)
	ListByProject(ctx context.Context, projectID int64) ([]models.TableMetadata, error)
	DeleteByDataSource(ctx context.Context, dataSourceID int64) error
}

// TablePreviewer reads the first rows of a warehouse table.
type TablePreviewer interface {
	Preview(ctx context.Context, schema, table string, limit int) ([]string, [][]any, error)
}

// Limits enforces subscription tiers.
type Limits interface {
	Check(ctx context.Context, userID int64, r tiers.Resource) error
	CheckProject(ctx context.Context, projectID int64, r tiers.Resource) error
	CheckSourceType(ctx context.Context, projectID int64, t models.SourceType) error
	ClampSchedule(ctx context.Context, ds *models.DataSource) models.Schedule
	LimitsFor(ctx context.Context, userID int64) (models.Tier, tiers.Limits, error)
	Usage(ctx context.Context, userID int64) (map[tiers.Resource]int, error)
}

// ConfigValidator checks a data source's connector config.
type ConfigValidator interface {
	ValidateConfig(t models.SourceType, cfg map[string]any) error
}

// DataModels is the data model service.
type DataModels interface {
	Get(ctx context.Context, id int64) (*models.DataModel, error)
	List(ctx context.Context, projectID int64) ([]models.DataModel, error)
	Create(ctx context.Context, m *models.DataModel) error
	Update(ctx context.Context, m *models.DataModel) error
	Delete(ctx context.Context, m *models.DataModel) error
	Execute(ctx context.Context, m *models.DataModel, limit int) (*datamodels.Result, error)
	Refresh(ctx context.Context, m *models.DataModel) error
}

// Dashboards is the dashboard service.
type Dashboards interface {
	Get(ctx context.Context, id int64) (*models.Dashboard, error)
	List(ctx context.Context, projectID int64) ([]models.Dashboard, error)
	Create(ctx context.Context, d *models.Dashboard) error
	Update(ctx context.Context, d *models.Dashboard) error
	Delete(ctx context.Context, id int64) error
	WidgetData(ctx context.Context, d *models.Dashboard, widgetID string) (*dashboards.WidgetData, error)
}

// Analyses is the AI analysis service.
type Analyses interface {
	Enabled() bool
	List(ctx context.Context, projectID int64, limit int) ([]models.Analysis, error)
	Analyze(ctx context.Context, userID, projectID, dataModelID int64, question string) (*models.Analysis, error)
}

var _ Analyses = (*analysis.Service)(nil)

// Uploads stages files for file-based sources.
type Uploads interface {
	Put(ctx context.Context, dataSourceID int64, filename string, r io.Reader) (uploads.Upload, error)
	Delete(ctx context.Context, dataSourceID int64) error
	MaxBytes() int64
}

// Deps are the handler dependencies. Analyses, Uploads, OAuth and Hub may
// be nil; their endpoints then answer SERVICE_UNAVAILABLE.
type Deps struct {
	Config     *config.Config
	Store      Store
	JWT        *auth.JWTManager
	Lockout    *auth.LockoutManager
	Authz      *authz.Service
	Limits     Limits
	Scheduler  SyncScheduler
	Validator  ConfigValidator
	Tables     Tables
	Previewer  TablePreviewer
	DataModels DataModels
	Dashboards Dashboards
	Analyses   Analyses
	Uploads    Uploads
	OAuth      *oauth.Manager
	Sealer     *oauth.Sealer
	Hub        *websocket.Hub
	// Audit may be nil; the helpers on a nil logger discard events.
	Audit *audit.Logger
}

// Handler serves the REST and websocket API.
//
// Handler methods are split by resource:
//   - handlers_auth.go: register, login, me, subscription
//   - handlers_projects.go: projects and members
//   - handlers_datasources.go: data sources, syncs, runs, uploads
//   - handlers_oauth.go: provider authorize and callback
//   - handlers_tables.go: warehouse tables
//   - handlers_content.go: data models, dashboards, analyses
//   - handlers_status.go: health, sync status, websocket
type Handler struct {
	Deps
	startTime time.Time
}

// NewHandler creates a handler.
func NewHandler(deps Deps) *Handler {
	if deps.Lockout == nil {
		deps.Lockout = auth.NewLockoutManager(auth.LockoutConfig{})
	}
	return &Handler{Deps: deps, startTime: time.Now()}
}
