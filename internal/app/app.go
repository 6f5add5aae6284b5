// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package app wires Marketscope's components from configuration. The
// server and the admin CLI both build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/marketscope/internal/analysis"
	"github.com/tomtom215/marketscope/internal/api"
	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/authz"
	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/dashboards"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/datamodels"
	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/filesource"
	"github.com/tomtom215/marketscope/internal/drivers/google"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/drivers/hubspot"
	"github.com/tomtom215/marketscope/internal/drivers/klaviyo"
	"github.com/tomtom215/marketscope/internal/drivers/linkedin"
	"github.com/tomtom215/marketscope/internal/drivers/mongosource"
	"github.com/tomtom215/marketscope/internal/drivers/sqlsource"
	"github.com/tomtom215/marketscope/internal/events"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/ratelimit"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/syncer"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/warehouse"
	ws "github.com/tomtom215/marketscope/internal/websocket"
)

// App holds every long-lived component. Fields are populated in
// dependency order by Build.
type App struct {
	Config *config.Config

	DB      *database.DB
	Redis   *redis.Client
	Uploads *uploads.Store
	Bus     *events.Bus
	Kafka   *events.KafkaForwarder

	Metadata  *warehouse.MetadataService
	Syncer    *syncer.Syncer
	Scheduler *scheduler.Scheduler
	Authz     *authz.Service
	Hub       *ws.Hub
	Lockout   *auth.LockoutManager
	Audit     *audit.Logger
	Events    *events.Router
	Router    *api.Router
}

// Build opens connections and wires the services. On error, anything
// already opened is closed.
func Build(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err = a.DB.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	var shared *ratelimit.SharedLimiter
	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = scheduler.NewRedisLocker(a.Redis, cfg.Sync.LockTTL)
		if cfg.RateLimit.SharedWindow > 0 && cfg.RateLimit.SharedLimit > 0 {
			shared = ratelimit.NewSharedLimiter(a.Redis, cfg.RateLimit.SharedWindow, cfg.RateLimit.SharedLimit)
		}
		logging.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected; sync locks are shared")
	}

	a.Uploads, err = uploads.Open(cfg.Uploads)
	if err != nil {
		return nil, fmt.Errorf("open upload staging: %w", err)
	}

	a.Bus, err = events.NewBus(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	oauthMgr, err := oauth.NewManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("create oauth manager: %w", err)
	}
	sealer, err := oauth.NewSealer(cfg.Security.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("create credential sealer: %w", err)
	}
	jwtMgr, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("create jwt manager: %w", err)
	}

	deps := httpapi.Deps{
		Limiter:  ratelimit.NewRegistry(cfg.RateLimit, shared),
		Breakers: ratelimit.NewBreakers(),
		Policy: ratelimit.Policy{
			Attempts:  cfg.Sync.RetryAttempts,
			BaseDelay: cfg.Sync.RetryDelay,
			MaxDelay:  cfg.Sync.RetryMaxDelay,
		},
	}
	registry := drivers.NewRegistry(
		google.NewAnalytics(deps),
		google.NewAdManager(deps),
		google.NewAds(deps, cfg.OAuth.GoogleAdsDevToken, cfg.OAuth.GoogleAdsLoginCustomer),
		linkedin.New(deps),
		hubspot.New(deps),
		klaviyo.New(deps),
		sqlsource.New(models.SourceMySQL),
		sqlsource.New(models.SourceMariaDB),
		sqlsource.New(models.SourcePostgres),
		mongosource.New(),
		filesource.New(models.SourceExcel, a.Uploads),
		filesource.New(models.SourceCSV, a.Uploads),
		filesource.New(models.SourcePDF, a.Uploads),
	)

	schema := cfg.Database.WarehouseSchema
	writer := warehouse.NewWriter(a.DB.Pool())
	a.Metadata = warehouse.NewMetadataService(a.DB, writer, schema, 10*time.Minute)
	checker := tiers.NewChecker(a.DB)

	a.Syncer = syncer.New(syncer.Deps{
		Config:    cfg.Sync,
		Schema:    schema,
		Store:     a.DB,
		Drivers:   registry,
		Writer:    writer,
		Metadata:  a.Metadata,
		Sealer:    sealer,
		OAuth:     oauthMgr,
		Publisher: a.Bus,
	})
	a.Scheduler = scheduler.New(cfg.Sync, a.DB, a.Syncer, locker, checker.ClampSchedule)

	modelSvc := datamodels.NewService(datamodels.Config{
		Schema:           schema,
		StatementTimeout: cfg.Database.StatementTimeout,
		QueryRole:        cfg.Database.ModelQueryRole,
	}, a.DB, a.DB.Pool(), a.Metadata, checker, a.Bus)
	dashSvc := dashboards.NewService(a.DB, modelSvc, checker)

	var gen analysis.Generator
	if cfg.AI.Enabled {
		g, genErr := analysis.NewGeminiGenerator(ctx, cfg.AI.APIKey, cfg.AI.Model, "")
		if genErr != nil {
			return nil, fmt.Errorf("create ai generator: %w", genErr)
		}
		gen = g
		logging.Info().Str("model", g.Model()).Msg("AI analyses enabled")
	}
	analysisSvc := analysis.NewService(gen, a.DB, modelSvc, checker, cfg.AI.SampleRows, cfg.AI.Timeout)

	enforcer, err := authz.NewEnforcer(authz.DefaultEnforcerConfig())
	if err != nil {
		return nil, fmt.Errorf("create authz enforcer: %w", err)
	}
	a.Authz = authz.NewService(enforcer, a.DB, time.Minute)
	if err = a.Authz.LoadMemberships(ctx); err != nil {
		return nil, err
	}

	a.Hub = ws.NewHub()
	a.Lockout = auth.NewLockoutManager(auth.DefaultLockoutConfig())
	a.Audit = audit.NewLogger(audit.NewPostgresStore(a.DB.Pool()), audit.Config{
		Enabled:         cfg.Audit.Enabled,
		MinSeverity:     audit.Severity(cfg.Audit.MinSeverity),
		Retention:       cfg.Audit.Retention,
		CleanupInterval: cfg.Audit.CleanupInterval,
		BufferSize:      cfg.Audit.BufferSize,
	})

	a.Events = events.NewRouter(events.DefaultRouterConfig(), a.Bus)
	a.Events.Handle("websocket", events.BroadcastHandler(a.Hub), events.AllTopics...)
	a.Events.Handle("metadata", events.InvalidateHandler(a.Metadata), events.TopicSyncCompleted)
	a.Events.Handle("dependents", events.RefreshHandler(modelSvc), events.TopicSyncCompleted)
	if len(cfg.Events.KafkaBrokers) > 0 {
		a.Kafka, err = events.NewKafkaForwarder(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, err
		}
		a.Events.Handle("kafka", a.Kafka.Handler(), events.AllTopics...)
	}

	handler := api.NewHandler(api.Deps{
		Config:     cfg,
		Store:      a.DB,
		JWT:        jwtMgr,
		Lockout:    a.Lockout,
		Authz:      a.Authz,
		Limits:     checker,
		Scheduler:  a.Scheduler,
		Validator:  registry,
		Tables:     a.Metadata,
		Previewer:  writer,
		DataModels: modelSvc,
		Dashboards: dashSvc,
		Analyses:   analysisSvc,
		Uploads:    a.Uploads,
		OAuth:      oauthMgr,
		Sealer:     sealer,
		Hub:        a.Hub,
		Audit:      a.Audit,
	})
	a.Router = api.NewRouter(handler, api.NewChiMiddleware(api.ChiMiddlewareConfigFrom(cfg.Security)), auth.NewMiddleware(jwtMgr))
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	if a.Kafka != nil {
		if err := a.Kafka.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing Kafka writer")
		}
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}
	if a.Uploads != nil {
		if err := a.Uploads.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing upload staging")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing Redis client")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
