// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package tiers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
)

// ErrLimitReached is wrapped by every *LimitError.
var ErrLimitReached = errors.New("tier limit reached")

// LimitError describes which limit blocked an operation.
type LimitError struct {
	Tier     models.Tier `json:"tier"`
	Resource Resource    `json:"resource"`
	Limit    int         `json:"limit,omitempty"`
	Used     int         `json:"used,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

func (e *LimitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s tier: %s", e.Tier, e.Detail)
	}
	return fmt.Sprintf("%s tier allows %d %s (using %d)", e.Tier, e.Limit, e.Resource, e.Used)
}

func (e *LimitError) Unwrap() error { return ErrLimitReached }

// Store resolves owners and counts what they own.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	CountUsage(ctx context.Context, ownerID int64, resource string, since time.Time) (int, error)
}

// Checker enforces tier limits.
type Checker struct {
	store Store
	now   func() time.Time
}

// NewChecker creates a checker.
func NewChecker(store Store) *Checker {
	return &Checker{store: store, now: time.Now}
}

// LimitsFor returns the user's tier and its limits.
func (c *Checker) LimitsFor(ctx context.Context, userID int64) (models.Tier, Limits, error) {
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return "", Limits{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	return u.Tier, For(u.Tier), nil
}

// Usage counts every counted resource the user owns.
func (c *Checker) Usage(ctx context.Context, userID int64) (map[Resource]int, error) {
	out := make(map[Resource]int, 5)
	for _, r := range []Resource{ResourceProjects, ResourceDataSources, ResourceDataModels, ResourceDashboards, ResourceAIAnalyses} {
		n, err := c.store.CountUsage(ctx, userID, string(r), c.monthStart())
		if err != nil {
			return nil, err
		}
		out[r] = n
	}
	return out, nil
}

// Check returns a *LimitError when the user may not create another r.
func (c *Checker) Check(ctx context.Context, userID int64, r Resource) error {
	tier, limits, err := c.LimitsFor(ctx, userID)
	if err != nil {
		return err
	}
	limit := limits.Max(r)
	if limit <= 0 {
		return nil
	}
	used, err := c.store.CountUsage(ctx, userID, string(r), c.monthStart())
	if err != nil {
		return fmt.Errorf("count usage: %w", err)
	}
	if used >= limit {
		logging.Ctx(ctx).Info().Int64("user_id", userID).Str("tier", string(tier)).
			Str("resource", string(r)).Int("limit", limit).Msg("Tier limit reached")
		return &LimitError{Tier: tier, Resource: r, Limit: limit, Used: used}
	}
	return nil
}

// CheckProject runs Check against the project owner's tier.
func (c *Checker) CheckProject(ctx context.Context, projectID int64, r Resource) error {
	owner, err := c.owner(ctx, projectID)
	if err != nil {
		return err
	}
	return c.Check(ctx, owner, r)
}

// CheckSourceType rejects source types outside the project owner's tier.
func (c *Checker) CheckSourceType(ctx context.Context, projectID int64, t models.SourceType) error {
	owner, err := c.owner(ctx, projectID)
	if err != nil {
		return err
	}
	tier, limits, err := c.LimitsFor(ctx, owner)
	if err != nil {
		return err
	}
	if !limits.Allows(t) {
		return &LimitError{Tier: tier, Resource: ResourceSourceType, Detail: fmt.Sprintf("source type %s is not included", t)}
	}
	return nil
}

// ClampSchedule applies the project owner's minimum sync interval. Lookup
// failures leave the schedule unchanged.
func (c *Checker) ClampSchedule(ctx context.Context, ds *models.DataSource) models.Schedule {
	owner, err := c.owner(ctx, ds.ProjectID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("data_source_id", ds.ID).Msg("Could not resolve tier for schedule")
		return ds.Schedule
	}
	_, limits, err := c.LimitsFor(ctx, owner)
	if err != nil {
		return ds.Schedule
	}
	return limits.ClampSchedule(ds.Schedule)
}

func (c *Checker) owner(ctx context.Context, projectID int64) (int64, error) {
	p, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load project %d: %w", projectID, err)
	}
	return p.OwnerID, nil
}

func (c *Checker) monthStart() time.Time {
	now := c.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
