// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package audit records security-relevant actions: logins, lockouts,
// membership changes, credential storage and destructive deletes.
//
// # Overview
//
// Handlers call the typed helpers on *Logger (LogLogin, LogMemberChange,
// LogCredentials, ...). Each helper builds an Event, attaches the client
// address and request ID from the request, and enqueues it. Enqueueing never
// blocks; when the buffer is full the event is dropped and counted in
// marketscope_audit_events_total{status="dropped"}.
//
// The Logger is also a suture service. Serve writes buffered events to the
// Store, runs retention every CleanupInterval, and drains the buffer on
// shutdown.
//
// # Stores
//
//   - PostgresStore: the audit_events table in the application database
//   - MemoryStore: bounded in-memory store for tests
//
// # Querying
//
// Project owners read their project's trail through
// GET /api/v1/projects/{projectID}/audit. Results are newest first and
// paginated with limit and offset.
//
// # Example
//
//	logger := audit.NewLogger(audit.NewPostgresStore(pool), audit.DefaultConfig())
//	tree.AddDataService(logger)
//
//	logger.LogMemberChange(r, actor, projectID, userID, "editor")
package audit
