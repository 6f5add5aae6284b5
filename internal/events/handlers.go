// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package events

import (
	"context"
	"strings"

	"github.com/tomtom215/marketscope/internal/logging"
)

// Broadcaster pushes messages to websocket clients of a project.
type Broadcaster interface {
	BroadcastToProject(projectID int64, msgType string, data any)
}

// MetadataInvalidator drops cached table lookups for a data source.
type MetadataInvalidator interface {
	InvalidateDataSource(dataSourceID int64)
}

// DependentRefresher re-materializes data models built on a data source.
type DependentRefresher interface {
	RefreshDependents(ctx context.Context, dataSourceID int64) error
}

// MessageType returns the websocket message type for a topic, for example
// "sync_completed" for "sync.completed".
func MessageType(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

// BroadcastHandler forwards every event to the websocket clients
// subscribed to its project.
func BroadcastHandler(b Broadcaster) HandlerFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		ev, err := DecodeTopic(topic, payload)
		if err != nil {
			// Malformed payloads are dropped; retrying cannot fix them.
			logging.Ctx(ctx).Warn().Err(err).Str("topic", topic).Msg("Dropping undecodable event")
			return nil
		}
		b.BroadcastToProject(ev.Project(), MessageType(topic), ev)
		return nil
	}
}

// InvalidateHandler evicts cached metadata after a completed sync.
func InvalidateHandler(inv MetadataInvalidator) HandlerFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		var ev SyncEvent
		if err := Decode(payload, &ev); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Dropping undecodable sync event")
			return nil
		}
		inv.InvalidateDataSource(ev.DataSourceID)
		return nil
	}
}

// RefreshHandler refreshes materialized data models that read from the
// synced source.
func RefreshHandler(r DependentRefresher) HandlerFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		var ev SyncEvent
		if err := Decode(payload, &ev); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Dropping undecodable sync event")
			return nil
		}
		return r.RefreshDependents(ctx, ev.DataSourceID)
	}
}
