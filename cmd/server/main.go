// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/marketscope/internal/app"
	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/supervisor"
	"github.com/tomtom215/marketscope/internal/supervisor/services"
	"github.com/tomtom215/marketscope/internal/uploads"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		File: logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.FileMaxSizeMB,
			MaxBackups: cfg.Logging.FileMaxBackups,
			MaxAgeDays: cfg.Logging.FileMaxAgeDays,
		},
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("events_backend", cfg.Events.Backend).
		Bool("sync_enabled", cfg.Sync.Enabled).
		Bool("redis_enabled", cfg.Redis.Enabled).
		Bool("ai_enabled", cfg.AI.Enabled).
		Msg("Starting Marketscope with supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer a.Close()
	logging.Info().Msg("Components initialized")

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout + 5*time.Second,
	})
	if err != nil {
		a.Close()
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	// Data layer
	tree.AddDataService(uploads.NewGCService(a.Uploads, cfg.Uploads.GCInterval))
	tree.AddDataService(a.Authz)
	tree.AddDataService(a.Audit)
	tree.AddDataService(services.NewPeriodicService("lockout-pruner", 10*time.Minute, func(context.Context) error {
		if n := a.Lockout.Prune(); n > 0 {
			logging.Debug().Int("pruned", n).Msg("Pruned expired login lockouts")
		}
		return nil
	}))

	// Messaging layer
	tree.AddMessagingService(a.Events)
	tree.AddMessagingService(a.Hub)
	tree.AddMessagingService(a.Scheduler)
	if !cfg.Sync.Enabled {
		logging.Warn().Msg("Timed syncs disabled; only manual triggers run")
	}

	// API layer
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
