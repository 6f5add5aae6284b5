// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

/*
Package supervisor provides process supervision for Marketscope using suture v4.

The tree organizes long-running services into three layers:

	RootSupervisor ("marketscope")
	├── DataSupervisor ("data-layer")
	│   ├── upload-gc
	│   ├── authz-reloader
	│   ├── audit-writer
	│   └── lockout-pruner
	├── MessagingSupervisor ("messaging-layer")
	│   ├── event-router
	│   ├── sync-scheduler
	│   └── websocket-hub
	└── APISupervisor ("api-layer")
	    └── http-server

Crashed services restart with suture's backoff. Each layer counts failures
independently, so a flapping event router does not take the HTTP server
down with it.

Supervisor events are logged through sutureslog using the zerolog-backed
slog handler from the logging package:

	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())

Shutdown:

Cancel the context passed to Serve or ServeBackground. Each service gets
TreeConfig.ShutdownTimeout to return; UnstoppedServiceReport names the
ones that did not.

Wrappers for components that do not implement suture.Service themselves
live in the services subpackage.
*/
package supervisor
