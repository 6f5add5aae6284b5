// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
)

// ErrInvalidRole is returned when a membership names an unknown role.
var ErrInvalidRole = errors.New("invalid role")

// MembershipStore lists every project membership.
type MembershipStore interface {
	ListAllMembers(ctx context.Context) ([]models.ProjectMember, error)
}

// Service answers permission questions for the API and the websocket hub.
type Service struct {
	enforcer *Enforcer
	store    MembershipStore
	interval time.Duration
}

// NewService creates a service. A positive reload interval makes Serve
// periodically resync memberships from the store, which keeps several
// API instances consistent.
func NewService(enforcer *Enforcer, store MembershipStore, reload time.Duration) *Service {
	return &Service{enforcer: enforcer, store: store, interval: reload}
}

// LoadMemberships replaces the enforcer's memberships with the store's.
func (s *Service) LoadMemberships(ctx context.Context) error {
	members, err := s.store.ListAllMembers(ctx)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	rules := make([][]string, 0, len(members))
	for _, m := range members {
		if !m.Role.Valid() {
			logging.Warn().Int64("project_id", m.ProjectID).Int64("user_id", m.UserID).
				Str("role", string(m.Role)).Msg("Skipping membership with unknown role")
			continue
		}
		rules = append(rules, []string{userSubject(m.UserID), string(m.Role), projectDomain(m.ProjectID)})
	}
	if err := s.enforcer.ReplaceGroupings(rules); err != nil {
		return err
	}
	logging.Debug().Int("memberships", len(rules)).Msg("Loaded project memberships")
	return nil
}

// AddMember grants role in the project, replacing any previous role.
func (s *Service) AddMember(projectID, userID int64, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.enforcer.SetRole(userID, projectID, string(role))
}

// RemoveMember revokes the user's access to the project.
func (s *Service) RemoveMember(projectID, userID int64) error {
	return s.enforcer.RemoveRoles(userID, projectID)
}

// RemoveProject forgets every membership of a deleted project.
func (s *Service) RemoveProject(projectID int64) error {
	return s.enforcer.RemoveProject(projectID)
}

// Can reports whether the user may perform action on resource in the project.
func (s *Service) Can(userID, projectID int64, resource, action string) (bool, error) {
	if userID <= 0 || projectID <= 0 {
		return false, nil
	}
	allowed, err := s.enforcer.Enforce(userID, projectID, resource, action)
	if err != nil {
		return false, err
	}
	recordDecision(resource, action, allowed)
	return allowed, nil
}

// CanViewProject gates websocket subscriptions.
func (s *Service) CanViewProject(_ context.Context, userID, projectID int64) (bool, error) {
	return s.Can(userID, projectID, ResourceProject, ActionRead)
}

// Role returns the user's role in the project, or "" for non-members.
func (s *Service) Role(userID, projectID int64) models.Role {
	roles := s.enforcer.RolesFor(userID, projectID)
	if len(roles) == 0 {
		return ""
	}
	return models.Role(roles[0])
}

// Serve reloads memberships on an interval until ctx is canceled.
func (s *Service) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.LoadMemberships(ctx); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("Membership reload failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture.
func (s *Service) String() string { return "authz-reloader" }
