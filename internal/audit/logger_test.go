// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/goleak"

	"github.com/tomtom215/marketscope/internal/logging"
)

// serve runs the logger until the returned stop function is called.
func serve(t *testing.T, l *Logger) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	return func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	}
}

func waitForEvents(t *testing.T, store *MemoryStore, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for store.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("store has %d events, want %d", store.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogger_Log(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := NewMemoryStore(100)
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 10})
	stop := serve(t, logger)
	defer stop()

	logger.Log(&Event{
		Type:     EventTypeAuthSuccess,
		Severity: SeverityInfo,
		Outcome:  OutcomeSuccess,
		Actor:    Actor{UserID: 7, Email: "ana@example.com"},
		Action:   "login",
	})
	waitForEvents(t, store, 1)

	events, err := logger.Query(context.Background(), QueryFilter{ActorID: 7})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Errorf("ID and timestamp not filled in: %+v", events[0])
	}
}

func TestLogger_DisabledAndSeverityFilter(t *testing.T) {
	store := NewMemoryStore(100)

	disabled := NewLogger(store, Config{Enabled: false})
	disabled.Log(&Event{Type: EventTypeAuthSuccess, Severity: SeverityCritical})
	if len(disabled.events) != 0 {
		t.Error("disabled logger buffered an event")
	}

	filtered := NewLogger(store, Config{Enabled: true, MinSeverity: SeverityWarning})
	filtered.Log(&Event{Type: EventTypeAuthSuccess, Severity: SeverityInfo})
	filtered.Log(&Event{Type: EventTypeAuthLockout, Severity: SeverityCritical})
	if len(filtered.events) != 1 {
		t.Errorf("buffered %d events, want only the critical one", len(filtered.events))
	}

	var nilLogger *Logger
	nilLogger.Log(&Event{Type: EventTypeAuthSuccess})
	nilLogger.LogLockout(nil, "x@example.com", time.Minute)
}

func TestLogger_DropsWhenBufferFull(t *testing.T) {
	logger := NewLogger(NewMemoryStore(10), Config{Enabled: true, BufferSize: 1})
	logger.Log(&Event{Type: EventTypeAuthFailure, Severity: SeverityWarning})
	logger.Log(&Event{Type: EventTypeAuthFailure, Severity: SeverityWarning})
	if len(logger.events) != 1 {
		t.Errorf("buffer holds %d events, want 1", len(logger.events))
	}
}

func TestLogger_DrainsOnShutdown(t *testing.T) {
	store := NewMemoryStore(100)
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 10})
	for i := 0; i < 5; i++ {
		logger.Log(&Event{Type: EventTypeAuthFailure, Severity: SeverityWarning})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = logger.Serve(ctx)

	if store.Len() != 5 {
		t.Errorf("store has %d events after drain, want 5", store.Len())
	}
}

func TestLogger_Retention(t *testing.T) {
	store := NewMemoryStore(100)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = store.Save(context.Background(), &Event{ID: "old", Timestamp: now.Add(-100 * 24 * time.Hour)})
	_ = store.Save(context.Background(), &Event{ID: "new", Timestamp: now.Add(-time.Hour)})

	logger := NewLogger(store, Config{Enabled: true, Retention: 90 * 24 * time.Hour})
	logger.now = func() time.Time { return now }
	logger.cleanup(context.Background())

	events, _ := store.Query(context.Background(), QueryFilter{})
	if len(events) != 1 || events[0].ID != "new" {
		t.Errorf("events after cleanup = %+v, want only the recent one", events)
	}
}

func TestLogger_Helpers(t *testing.T) {
	store := NewMemoryStore(100)
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 20})
	stop := serve(t, logger)
	defer stop()

	r := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
	r.RemoteAddr = "203.0.113.9"
	r.Header.Set("User-Agent", "curl/8")
	r = r.WithContext(logging.ContextWithRequestID(r.Context(), "req-1"))
	actor := Actor{UserID: 3, Email: "bo@example.com"}

	logger.LogLogin(r, Actor{Email: "who@example.com"}, false, "invalid credentials")
	logger.LogMemberChange(r, actor, 5, 9, "editor")
	logger.LogMemberChange(r, actor, 5, 9, "")
	logger.LogCredentials(r, actor, 5, 11, "GA", "oauth")
	logger.LogDataSourceDeleted(r, actor, 5, 11, "GA")
	waitForEvents(t, store, 5)

	failed, _ := store.Query(context.Background(), QueryFilter{Types: []EventType{EventTypeAuthFailure}})
	if len(failed) != 1 {
		t.Fatalf("got %d auth failures, want 1", len(failed))
	}
	if failed[0].Source.IPAddress != "203.0.113.9" || failed[0].RequestID != "req-1" {
		t.Errorf("source = %+v, request_id = %q", failed[0].Source, failed[0].RequestID)
	}
	var meta map[string]string
	if err := json.Unmarshal(failed[0].Metadata, &meta); err != nil || meta["reason"] != "invalid credentials" {
		t.Errorf("metadata = %s", failed[0].Metadata)
	}

	project, _ := store.Query(context.Background(), DefaultQueryFilter(5))
	if len(project) != 4 {
		t.Fatalf("got %d project events, want 4", len(project))
	}
	wantTypes := []EventType{EventTypeDataSourceDeleted, EventTypeCredentialsConnected, EventTypeMemberRemoved, EventTypeMemberAdded}
	for i, want := range wantTypes {
		if project[i].Type != want {
			t.Errorf("event %d type = %s, want %s", i, project[i].Type, want)
		}
	}
}

func TestMemoryStore_EvictsAndPaginates(t *testing.T) {
	store := NewMemoryStore(10)
	for i := 0; i < 12; i++ {
		_ = store.Save(context.Background(), &Event{ID: string(rune('a' + i)), ProjectID: 1})
	}
	if store.Len() != 10 {
		t.Errorf("Len() = %d, want 10 after evicting the oldest", store.Len())
	}

	page, _ := store.Query(context.Background(), QueryFilter{ProjectID: 1, Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "k" || page[1].ID != "j" {
		t.Errorf("page = %+v", page)
	}
}
