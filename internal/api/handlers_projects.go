// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/validation"
)

// ListProjects returns the projects the user belongs to.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjectsForUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, projects)
}

// CreateProject creates a project owned by the user.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	uid := userID(r)
	if err := h.Limits.Check(r.Context(), uid, tiers.ResourceProjects); err != nil {
		writeError(w, r, err)
		return
	}

	p := &models.Project{OwnerID: uid, Name: req.Name, Description: req.Description}
	if err := h.Store.CreateProject(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Authz.AddMember(p.ID, uid, models.RoleOwner); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("project_id", p.ID).Msg("Failed to grant owner role")
	}
	NewResponseWriter(w, r).Created(p)
}

// GetProject returns one project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, p)
}

// UpdateProject renames a project or changes its description.
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	var req ProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p.Name, p.Description = req.Name, req.Description
	if err := h.Store.UpdateProject(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, p)
}

// DeleteProject removes a project with its data models, warehouse tables
// and data sources.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	sources, err := h.Store.ListDataSources(ctx, database.DataSourceFilter{ProjectID: p.ID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	release, err := h.holdSources(ctx, sources...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer release()

	dms, err := h.DataModels.List(ctx, p.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for i := range dms {
		if err := h.DataModels.Delete(ctx, &dms[i]); err != nil {
			writeError(w, r, err)
			return
		}
	}

	for i := range sources {
		if err := h.removeDataSource(r, &sources[i]); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := h.Store.DeleteProject(ctx, p.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Authz.RemoveProject(p.ID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("project_id", p.ID).Msg("Failed to drop project roles")
	}
	logging.Ctx(ctx).Info().Int64("project_id", p.ID).Int("data_sources", len(sources)).Msg("Project deleted")
	h.Audit.LogProjectDeleted(r, actor(r), p.ID, p.Name)
	NewResponseWriter(w, r).NoContent()
}

// project loads the {projectID} project or writes the error.
func (h *Handler) project(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	id, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	p, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return p, true
}

// ListMembers returns the project's members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	members, err := h.Store.ListMembers(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, members)
}

// AddMember adds a registered user to the project, or changes their role.
// Only an owner may grant the owner role.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	var req MemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Role == models.RoleOwner && h.Authz.Role(userID(r), p.ID) != models.RoleOwner {
		NewResponseWriter(w, r).Forbidden("Only an owner can grant the owner role")
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), normalizeEmail(req.Email))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, r, validation.NewError("email", "no account exists for this email"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if user.ID == p.OwnerID {
		writeError(w, r, validation.NewError("email", "the project owner's role cannot be changed"))
		return
	}

	m := &models.ProjectMember{ProjectID: p.ID, UserID: user.ID, Email: user.Email, Role: req.Role}
	if err := h.Store.AddMember(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Authz.AddMember(p.ID, user.ID, req.Role); err != nil {
		writeError(w, r, err)
		return
	}
	h.Audit.LogMemberChange(r, actor(r), p.ID, user.ID, string(req.Role))
	NewResponseWriter(w, r).Created(m)
}

// RemoveMember removes a member. The owner cannot be removed.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	memberID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if memberID == p.OwnerID {
		writeError(w, r, validation.NewError("userID", "the project owner cannot be removed"))
		return
	}
	if err := h.Store.RemoveMember(r.Context(), p.ID, memberID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Authz.RemoveMember(p.ID, memberID); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("Failed to drop member role")
	}
	h.Audit.LogMemberChange(r, actor(r), p.ID, memberID, "")
	NewResponseWriter(w, r).NoContent()
}

// ListAuditEvents returns the project's audit trail, newest first.
// Supports limit, offset, repeated type and an RFC 3339 since.
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Audit == nil {
		WriteSuccess(w, r, []audit.Event{})
		return
	}

	q := r.URL.Query()
	filter := audit.DefaultQueryFilter(id)
	filter.Limit = intQuery(r, "limit", filter.Limit, 500)
	filter.Offset = intQuery(r, "offset", 0, 1<<20)
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, validation.NewError("since", "since must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = &since
	}

	events, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	WriteSuccess(w, r, events)
}
