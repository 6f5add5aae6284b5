// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

/*
Package main is the entry point for the Marketscope server.

Marketscope pulls marketing and business data from ad platforms, CRMs,
email tools, databases and uploaded files into a Postgres warehouse on a
schedule. Users model that data with SQL, chart it on dashboards and ask
an AI model questions about it.

# Application Architecture

	RootSupervisor ("marketscope")
	├── DataSupervisor ("data-layer")
	│   ├── upload-gc (expired staged uploads)
	│   ├── authz-reloader (project memberships into casbin)
	│   ├── audit-writer (buffered security events into Postgres)
	│   └── lockout-pruner (expired login lockouts)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── event-router (sync events to websocket, cache, models, Kafka)
	│   ├── websocket-hub
	│   └── sync-scheduler
	└── APISupervisor ("api-layer")
	    └── http-server (chi router)

Component initialization order:

 1. Configuration: Koanf v2 with environment variables and config files
 2. Logging: zerolog with JSON/console output and optional file rotation
 3. Database: pgx pool, goose migrations when DATABASE_AUTO_MIGRATE is set
 4. Redis (optional): shared sync locks and provider rate limits
 5. Upload staging: BadgerDB
 6. Event bus: watermill over gochannel or NATS, optional Kafka forwarding
 7. Drivers, warehouse writer and metadata registry
 8. Syncer and scheduler
 9. Data models, dashboards and AI analyses
 10. Authorization, websocket hub and HTTP router
 11. Supervisor tree

# Configuration

Precedence (highest wins): environment variables, config file, defaults.

	DATABASE_URL=postgres://...   # app and warehouse schemas
	JWT_SECRET=<32+ chars>        # session tokens
	ENCRYPTION_SECRET=<32+ chars> # sealed data source credentials
	PUBLIC_URL=https://...        # OAuth redirect base
	EVENTS_BACKEND=gochannel      # gochannel or nats
	REDIS_ENABLED=true            # multi-instance deployments
	GOOGLE_CLIENT_ID=...          # plus LINKEDIN_* and HUBSPOT_*

# Signal Handling

SIGINT and SIGTERM cancel the root context. The HTTP server drains for
SHUTDOWN_TIMEOUT, running syncs see their contexts canceled, and services
that fail to stop in time are logged by name.
*/
package main
