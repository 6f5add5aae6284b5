// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// EventType categorizes audit events.
type EventType string

const (
	// Authentication events
	EventTypeAuthSuccess EventType = "auth.success"
	EventTypeAuthFailure EventType = "auth.failure"
	EventTypeAuthLockout EventType = "auth.lockout"
	EventTypeUserCreated EventType = "user.created"

	// Project and membership events
	EventTypeProjectDeleted EventType = "project.deleted"
	EventTypeMemberAdded    EventType = "member.added"
	EventTypeMemberRemoved  EventType = "member.removed"

	// Data source events
	EventTypeCredentialsConnected EventType = "datasource.connected"
	EventTypeCredentialsChanged   EventType = "datasource.credentials_changed"
	EventTypeDataSourceDeleted    EventType = "datasource.deleted"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Outcome indicates whether an action succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one security-relevant action.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Outcome   Outcome   `json:"outcome"`

	// Actor performed the action. UserID is zero for failed logins of
	// unknown accounts.
	Actor Actor `json:"actor"`

	// ProjectID scopes the event; zero for account-level events.
	ProjectID int64 `json:"project_id,omitempty"`

	Target *Target `json:"target,omitempty"`
	Source Source  `json:"source"`

	Action      string          `json:"action"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
}

// Actor represents who performed an action.
type Actor struct {
	UserID int64  `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Target represents the object of an action.
type Target struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Source represents where a request originated.
type Source struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Store persists audit events.
type Store interface {
	Save(ctx context.Context, event *Event) error
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)
	// Delete removes events older than the retention cutoff.
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueryFilter selects events. Results are newest first.
type QueryFilter struct {
	ProjectID int64
	ActorID   int64
	Types     []EventType
	Since     *time.Time
	Limit     int
	Offset    int
}

// DefaultQueryFilter returns the first page for a project.
func DefaultQueryFilter(projectID int64) QueryFilter {
	return QueryFilter{ProjectID: projectID, Limit: 100}
}
