// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/models"
)

type fakeMembers struct {
	members []models.ProjectMember
	err     error
}

func (f *fakeMembers) ListAllMembers(context.Context) ([]models.ProjectMember, error) {
	return f.members, f.err
}

// setupService creates a service with project 1 memberships for users
// 1 (owner), 2 (admin), 3 (editor) and 4 (viewer).
func setupService(t *testing.T, cfg *EnforcerConfig) (*Service, *fakeMembers) {
	t.Helper()
	enforcer, err := NewEnforcer(cfg)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(enforcer.Close)

	store := &fakeMembers{members: []models.ProjectMember{
		{ProjectID: 1, UserID: 1, Role: models.RoleOwner},
		{ProjectID: 1, UserID: 2, Role: models.RoleAdmin},
		{ProjectID: 1, UserID: 3, Role: models.RoleEditor},
		{ProjectID: 1, UserID: 4, Role: models.RoleViewer},
		{ProjectID: 1, UserID: 5, Role: "superuser"},
	}}
	svc := NewService(enforcer, store, 0)
	if err := svc.LoadMemberships(context.Background()); err != nil {
		t.Fatalf("LoadMemberships() error = %v", err)
	}
	return svc, store
}

func TestRolePermissions(t *testing.T) {
	svc, _ := setupService(t, &EnforcerConfig{})

	tests := []struct {
		user     int64
		resource string
		action   string
		want     bool
	}{
		{1, ResourceProject, ActionDelete, true},
		{1, ResourceMembers, ActionWrite, true},
		{2, ResourceProject, ActionDelete, false},
		{2, ResourceProject, ActionWrite, true},
		{2, ResourceMembers, ActionDelete, true},
		{2, ResourceDataSources, ActionDelete, true},
		{3, ResourceDataSources, ActionWrite, true},
		{3, ResourceDataSources, ActionDelete, false},
		{3, ResourceSyncs, ActionWrite, true},
		{3, ResourceDashboards, ActionWrite, true},
		{3, ResourceAnalyses, ActionWrite, true},
		{3, ResourceMembers, ActionWrite, false},
		{3, ResourceProject, ActionWrite, false},
		{4, ResourceDashboards, ActionRead, true},
		{4, ResourceTables, ActionRead, true},
		{4, ResourceDashboards, ActionWrite, false},
		{4, ResourceSyncs, ActionWrite, false},
		{5, ResourceProject, ActionRead, false},
		{9, ResourceProject, ActionRead, false},
	}
	for _, tt := range tests {
		got, err := svc.Can(tt.user, 1, tt.resource, tt.action)
		if err != nil {
			t.Fatalf("Can() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("Can(user %d, %s, %s) = %v, want %v", tt.user, tt.resource, tt.action, got, tt.want)
		}
	}
}

func TestRolesAreScopedToProject(t *testing.T) {
	svc, _ := setupService(t, nil)

	if ok, _ := svc.Can(1, 2, ResourceProject, ActionRead); ok {
		t.Error("owner of project 1 must not read project 2")
	}
	if ok, _ := svc.CanViewProject(context.Background(), 4, 1); !ok {
		t.Error("viewer should view project 1")
	}
	if ok, _ := svc.Can(0, 1, ResourceProject, ActionRead); ok {
		t.Error("anonymous user allowed")
	}
}

func TestAddAndRemoveMember(t *testing.T) {
	svc, _ := setupService(t, nil)

	// Warm the cache so the update has something to invalidate.
	if ok, _ := svc.Can(4, 1, ResourceDashboards, ActionWrite); ok {
		t.Fatal("viewer can write")
	}
	if err := svc.AddMember(1, 4, models.RoleEditor); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if ok, _ := svc.Can(4, 1, ResourceDashboards, ActionWrite); !ok {
		t.Error("promoted editor cannot write")
	}
	if role := svc.Role(4, 1); role != models.RoleEditor {
		t.Errorf("Role() = %q, want only editor", role)
	}

	if err := svc.AddMember(1, 4, "root"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("AddMember(root) error = %v", err)
	}

	if err := svc.RemoveMember(1, 4); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.Can(4, 1, ResourceProject, ActionRead); ok {
		t.Error("removed member can still read")
	}

	if err := svc.RemoveProject(1); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.Can(1, 1, ResourceProject, ActionRead); ok {
		t.Error("owner of deleted project can still read")
	}
}

func TestLoadMembershipsReplaces(t *testing.T) {
	svc, store := setupService(t, nil)
	store.members = []models.ProjectMember{{ProjectID: 7, UserID: 3, Role: models.RoleViewer}}
	if err := svc.LoadMemberships(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.Can(1, 1, ResourceProject, ActionRead); ok {
		t.Error("stale membership survived reload")
	}
	if ok, _ := svc.Can(3, 7, ResourceTables, ActionRead); !ok {
		t.Error("new membership not loaded")
	}

	store.err = errors.New("db down")
	if err := svc.LoadMemberships(context.Background()); err == nil {
		t.Error("expected store error")
	}
}

func TestEnforcementCache(t *testing.T) {
	c := newEnforcementCache(0)
	defer c.stop()

	c.set("user:1", "project:1", "tables", "read", true)
	c.set("user:2", "project:1", "tables", "read", false)
	if allowed, ok := c.get("user:1", "project:1", "tables", "read"); !ok || !allowed {
		t.Fatalf("get() = %v, %v", allowed, ok)
	}
	c.invalidateUser("user:1")
	if _, ok := c.get("user:1", "project:1", "tables", "read"); ok {
		t.Error("invalidated entry still cached")
	}
	if c.len() != 1 {
		t.Errorf("len() = %d, want 1", c.len())
	}
	c.stop()
}

func TestRequireProjectPermission(t *testing.T) {
	svc, _ := setupService(t, nil)

	r := chi.NewRouter()
	r.With(svc.RequireProjectPermission(ResourceDataSources, ActionWrite)).
		Post("/projects/{projectID}/data-sources", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})

	tests := []struct {
		name   string
		user   int64
		path   string
		status int
	}{
		{"editor", 3, "/projects/1/data-sources", http.StatusCreated},
		{"viewer", 4, "/projects/1/data-sources", http.StatusForbidden},
		{"non member", 1, "/projects/2/data-sources", http.StatusForbidden},
		{"anonymous", 0, "/projects/1/data-sources", http.StatusUnauthorized},
		{"bad project id", 3, "/projects/abc/data-sources", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.user > 0 {
				req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{UserID: tt.user}))
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestMethodAction(t *testing.T) {
	for method, want := range map[string]string{
		http.MethodGet:    ActionRead,
		http.MethodPost:   ActionWrite,
		http.MethodPatch:  ActionWrite,
		http.MethodDelete: ActionDelete,
	} {
		if got := MethodAction(method); got != want {
			t.Errorf("MethodAction(%s) = %s, want %s", method, got, want)
		}
	}
}
