// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tomtom215/marketscope/internal/database/query"
)

// Querier is the part of a pgx pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists events in the audit_events table created by the
// application migrations.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts an event.
func (s *PostgresStore) Save(ctx context.Context, e *Event) error {
	var target []byte
	if e.Target != nil {
		var err error
		if target, err = json.Marshal(e.Target); err != nil {
			return fmt.Errorf("marshal audit target: %w", err)
		}
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_events (
			id, occurred_at, type, severity, outcome, actor_id, actor_email,
			project_id, target, ip_address, user_agent, action, description,
			metadata, request_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.Timestamp, string(e.Type), string(e.Severity), string(e.Outcome),
		e.Actor.UserID, e.Actor.Email, e.ProjectID, target,
		e.Source.IPAddress, e.Source.UserAgent, e.Action, e.Description,
		metadata, e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	wb := query.NewWhereBuilder()
	if filter.ProjectID != 0 {
		wb.Equal("project_id", filter.ProjectID)
	}
	if filter.ActorID != 0 {
		wb.Equal("actor_id", filter.ActorID)
	}
	types := make([]string, len(filter.Types))
	for i, t := range filter.Types {
		types[i] = string(t)
	}
	query.In(wb, "type", types)
	wb.Since("occurred_at", filter.Since)

	where, args := wb.BuildWithPrefix()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(`
		SELECT id, occurred_at, type, severity, outcome, actor_id, actor_email,
		       project_id, target, ip_address, user_agent, action, description,
		       metadata, request_id
		FROM audit_events %s
		ORDER BY occurred_at DESC
		LIMIT %d OFFSET %d`, where, limit, max(filter.Offset, 0))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                      Event
			typ, severity, outcome string
			target, metadata       []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &severity, &outcome,
			&e.Actor.UserID, &e.Actor.Email, &e.ProjectID, &target,
			&e.Source.IPAddress, &e.Source.UserAgent, &e.Action, &e.Description,
			&metadata, &e.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type, e.Severity, e.Outcome = EventType(typ), Severity(severity), Outcome(outcome)
		if len(target) > 0 {
			e.Target = &Target{}
			if err := json.Unmarshal(target, e.Target); err != nil {
				return nil, fmt.Errorf("decode audit target: %w", err)
			}
		}
		if len(metadata) > 0 {
			e.Metadata = metadata
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Delete removes events older than the cutoff.
func (s *PostgresStore) Delete(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
