// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

/*
Package websocket pushes sync and data model notifications to browser
clients.

Each connection belongs to an authenticated user. A client only receives
messages for projects it subscribed to, and a subscription is accepted only
when the user may view the project:

	-> {"type":"subscribe","data":{"project_id":7}}
	<- {"type":"subscribed","data":{"project_id":7}}
	<- {"type":"sync_completed","data":{"data_source_id":3,"project_id":7,...}}

The Hub runs as a supervised service. Broadcasts are queued on a buffered
channel and dropped with a warning when the queue is full; a client whose
send buffer is full is disconnected.
*/
package websocket
