// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package main is marketscope-admin, the operator CLI. It reads the same
// configuration as the server.
//
//	marketscope-admin migrate up
//	marketscope-admin migrate down --to 3
//	marketscope-admin table-name 42 "Campaign Stats"
//	marketscope-admin sync 42
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomtom215/marketscope/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "marketscope-admin",
		Short:         "Marketscope operator commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.Init(logging.Config{Level: logLevel, Format: "console", Timestamp: true})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newMigrateCmd(), newTableNameCmd(), newSyncCmd())
	return root
}
