// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package audit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether events are recorded at all.
	Enabled bool

	// MinSeverity drops events below this level.
	MinSeverity Severity

	// Retention is how long events are kept. Zero keeps them forever.
	Retention time.Duration

	// CleanupInterval is how often retention runs.
	CleanupInterval time.Duration

	// BufferSize is the size of the async write buffer. Events arriving
	// while it is full are dropped and counted.
	BufferSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MinSeverity:     SeverityInfo,
		Retention:       90 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		BufferSize:      1000,
	}
}

// Logger records audit events asynchronously. Log never blocks a request;
// Serve writes the buffer to the store. A nil *Logger discards events.
type Logger struct {
	cfg    Config
	store  Store
	events chan *Event
	now    func() time.Time
}

// NewLogger creates a logger. Zero config fields take defaults.
func NewLogger(store Store, cfg Config) *Logger {
	def := DefaultConfig()
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = def.MinSeverity
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Logger{
		cfg:    cfg,
		store:  store,
		events: make(chan *Event, cfg.BufferSize),
		now:    time.Now,
	}
}

// Log enqueues an event, filling in its ID and timestamp.
func (l *Logger) Log(event *Event) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if severityOrder[event.Severity] < severityOrder[l.cfg.MinSeverity] {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	select {
	case l.events <- event:
	default:
		metrics.AuditEvents.WithLabelValues(string(event.Type), "dropped").Inc()
		logging.Warn().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Audit event buffer full, dropping event")
	}
}

// Serve writes buffered events until ctx ends, then drains what is left.
// It also applies retention every CleanupInterval.
func (l *Logger) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		case event := <-l.events:
			l.write(ctx, event)
		case <-ticker.C:
			l.cleanup(ctx)
		}
	}
}

func (l *Logger) String() string { return "audit-writer" }

func (l *Logger) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-l.events:
			l.write(ctx, event)
		default:
			return
		}
	}
}

func (l *Logger) write(ctx context.Context, event *Event) {
	if err := l.store.Save(ctx, event); err != nil {
		metrics.AuditEvents.WithLabelValues(string(event.Type), "error").Inc()
		logging.Error().Err(err).Str("event_id", event.ID).Msg("Failed to save audit event")
		return
	}
	metrics.AuditEvents.WithLabelValues(string(event.Type), "stored").Inc()
}

func (l *Logger) cleanup(ctx context.Context) {
	if l.cfg.Retention <= 0 {
		return
	}
	count, err := l.store.Delete(ctx, l.now().Add(-l.cfg.Retention))
	if err != nil {
		logging.Error().Err(err).Msg("Audit cleanup error")
	} else if count > 0 {
		logging.Info().Int64("count", count).Msg("Cleaned up old audit events")
	}
}

// Query returns stored events matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// LogLogin records a login attempt. actor.UserID is zero when the email
// matched no account.
func (l *Logger) LogLogin(r *http.Request, actor Actor, ok bool, reason string) {
	e := &Event{
		Type:        EventTypeAuthSuccess,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		Action:      "login",
		Description: "User logged in",
	}
	if !ok {
		e.Type = EventTypeAuthFailure
		e.Severity = SeverityWarning
		e.Outcome = OutcomeFailure
		e.Description = "Login failed: " + reason
		e.Metadata = mustJSON(map[string]string{"reason": reason})
	}
	l.record(r, e)
}

// LogLockout records an account lockout.
func (l *Logger) LogLockout(r *http.Request, email string, duration time.Duration) {
	l.record(r, &Event{
		Type:        EventTypeAuthLockout,
		Severity:    SeverityCritical,
		Outcome:     OutcomeFailure,
		Actor:       Actor{Email: email},
		Action:      "lockout",
		Description: "Account locked after repeated failed logins",
		Metadata:    mustJSON(map[string]float64{"duration_seconds": duration.Seconds()}),
	})
}

// LogUserCreated records a registration.
func (l *Logger) LogUserCreated(r *http.Request, actor Actor) {
	l.record(r, &Event{
		Type:        EventTypeUserCreated,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		Action:      "register",
		Description: "Account created",
	})
}

// LogProjectDeleted records a project deletion.
func (l *Logger) LogProjectDeleted(r *http.Request, actor Actor, projectID int64, name string) {
	l.record(r, &Event{
		Type:        EventTypeProjectDeleted,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		ProjectID:   projectID,
		Target:      &Target{ID: strconv.FormatInt(projectID, 10), Type: "project", Name: name},
		Action:      "delete",
		Description: "Project deleted",
	})
}

// LogMemberChange records a membership grant (role non-empty) or removal.
func (l *Logger) LogMemberChange(r *http.Request, actor Actor, projectID, userID int64, role string) {
	e := &Event{
		Type:        EventTypeMemberAdded,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		ProjectID:   projectID,
		Target:      &Target{ID: strconv.FormatInt(userID, 10), Type: "user"},
		Action:      "grant",
		Description: "Member added as " + role,
		Metadata:    mustJSON(map[string]string{"role": role}),
	}
	if role == "" {
		e.Type = EventTypeMemberRemoved
		e.Action = "revoke"
		e.Description = "Member removed"
		e.Metadata = nil
	}
	l.record(r, e)
}

// LogCredentials records credentials being stored for a data source,
// either through OAuth consent or direct entry.
func (l *Logger) LogCredentials(r *http.Request, actor Actor, projectID, dataSourceID int64, name, via string) {
	typ := EventTypeCredentialsChanged
	if via == "oauth" {
		typ = EventTypeCredentialsConnected
	}
	l.record(r, &Event{
		Type:        typ,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		ProjectID:   projectID,
		Target:      &Target{ID: strconv.FormatInt(dataSourceID, 10), Type: "data_source", Name: name},
		Action:      "store_credentials",
		Description: "Data source credentials stored via " + via,
		Metadata:    mustJSON(map[string]string{"via": via}),
	})
}

// LogDataSourceDeleted records a data source deletion.
func (l *Logger) LogDataSourceDeleted(r *http.Request, actor Actor, projectID, dataSourceID int64, name string) {
	l.record(r, &Event{
		Type:        EventTypeDataSourceDeleted,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		ProjectID:   projectID,
		Target:      &Target{ID: strconv.FormatInt(dataSourceID, 10), Type: "data_source", Name: name},
		Action:      "delete",
		Description: "Data source and its warehouse tables deleted",
	})
}

func (l *Logger) record(r *http.Request, e *Event) {
	if l == nil {
		return
	}
	if r != nil {
		e.Source = SourceFromRequest(r)
		e.RequestID = logging.RequestIDFromContext(r.Context())
	}
	l.Log(e)
}

// mustJSON converts a value to JSON, returning an empty object on error.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// SourceFromRequest describes the client of a request. RemoteAddr is
// already the real client address once the RealIP middleware ran.
func SourceFromRequest(r *http.Request) Source {
	return Source{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}
