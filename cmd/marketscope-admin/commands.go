// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/marketscope/internal/app"
	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage application schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *database.DB) error {
				if err := db.Migrate(ctx); err != nil {
					return err
				}
				return printVersion(ctx, cmd, db)
			})
		},
	}

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *database.DB) error {
				if err := db.MigrateDown(ctx, target); err != nil {
					return err
				}
				return printVersion(ctx, cmd, db)
			})
		},
	}
	down.Flags().Int64Var(&target, "to", 0, "target version (default: previous)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *database.DB) error {
				return db.MigrationStatus(ctx)
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func newTableNameCmd() *cobra.Command {
	var schema string
	cmd := &cobra.Command{
		Use:   "table-name <data-source-id> <logical-name>",
		Short: "Print the warehouse table a logical table is stored in",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			name := warehouse.PhysicalTableName(id, args[1])
			if schema != "" {
				name = schema + "." + name
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "prefix the name with a schema")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <data-source-id>",
		Short: "Run one sync in this process",
		Long: `Run one sync of a data source in this process and record the outcome.

The sync lock still applies: with Redis enabled, a run in progress on a
server instance makes this command fail. File sources read the upload
staging directory, which BadgerDB locks, so stop the server or point
UPLOADS_DIR at a copy before syncing them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Scheduler.RunNow(ctx, id, models.TriggerManual)
			if err != nil {
				return fmt.Errorf("sync data source %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %d: %s, %d tables, %d rows in %s\n",
				run.ID, run.Status, run.Tables, run.Rows, run.Duration())
			return nil
		},
	}
}

func withDB(ctx context.Context, fn func(context.Context, *database.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db)
}

func printVersion(ctx context.Context, cmd *cobra.Command, db *database.DB) error {
	v, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid data source id %q", s)
	}
	return id, nil
}
