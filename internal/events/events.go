// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package events carries sync and data model notifications between the
// scheduler, the websocket hub, the metadata cache and external consumers.
//
// Messages travel over a watermill publisher/subscriber pair. The default
// gochannel backend keeps everything in-process; the NATS backend lets
// several API instances share one stream of events.
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Topics.
const (
	TopicSyncStarted        = "sync.started"
	TopicSyncCompleted      = "sync.completed"
	TopicSyncFailed         = "sync.failed"
	TopicDataModelRefreshed = "datamodel.refreshed"
)

// SyncTopics lists the topics describing sync runs.
var SyncTopics = []string{TopicSyncStarted, TopicSyncCompleted, TopicSyncFailed}

// AllTopics lists every topic the service publishes.
var AllTopics = append(append([]string{}, SyncTopics...), TopicDataModelRefreshed)

// SyncEvent describes a sync run transition.
type SyncEvent struct {
	RunID        int64     `json:"run_id"`
	DataSourceID int64     `json:"data_source_id"`
	ProjectID    int64     `json:"project_id"`
	SourceType   string    `json:"source_type"`
	Trigger      string    `json:"trigger"`
	Rows         int64     `json:"rows,omitempty"`
	Tables       []string  `json:"tables,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DataModelEvent is published after a materialized data model refresh.
type DataModelEvent struct {
	DataModelID  int64     `json:"data_model_id"`
	ProjectID    int64     `json:"project_id"`
	PhysicalName string    `json:"physical_name"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProjectScoped is implemented by payloads tied to one project.
type ProjectScoped interface {
	Project() int64
}

func (e SyncEvent) Project() int64      { return e.ProjectID }
func (e DataModelEvent) Project() int64 { return e.ProjectID }

// Decode unmarshals a message payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// DecodeTopic decodes a payload into the event type published on topic.
func DecodeTopic(topic string, payload []byte) (ProjectScoped, error) {
	switch topic {
	case TopicSyncStarted, TopicSyncCompleted, TopicSyncFailed:
		var e SyncEvent
		if err := Decode(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TopicDataModelRefreshed:
		var e DataModelEvent
		if err := Decode(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
}
