// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

/*
Package services adapts components that do not implement suture.Service
to the supervisor tree.

HTTPServerService wraps *http.Server: ListenAndServe runs in a goroutine
and context cancellation triggers Shutdown with a drain timeout.

PeriodicService runs a function on a ticker, for housekeeping that has no
loop of its own, such as pruning expired login lockouts.

Components with their own Serve loop (the sync scheduler, the event
router, the websocket hub, the upload GC and the authz reloader) are added
to the tree directly.
*/
package services
