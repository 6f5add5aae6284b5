// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package authz

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Resources checked by the API.
const (
	ResourceProject     = "project"
	ResourceMembers     = "members"
	ResourceDataSources = "data_sources"
	ResourceSyncs       = "syncs"
	ResourceTables      = "tables"
	ResourceDataModels  = "data_models"
	ResourceDashboards  = "dashboards"
	ResourceAnalyses    = "analyses"
)

// Actions.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// EnforcerConfig holds configuration for the Casbin enforcer.
type EnforcerConfig struct {
	// CacheEnabled enables enforcement decision caching.
	CacheEnabled bool

	// CacheTTL is how long to cache decisions.
	CacheTTL time.Duration
}

// DefaultEnforcerConfig returns default configuration.
func DefaultEnforcerConfig() *EnforcerConfig {
	return &EnforcerConfig{
		CacheEnabled: true,
		CacheTTL:     time.Minute,
	}
}

// Enforcer wraps the Casbin enforcer with a decision cache.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
	cache    *enforcementCache
}

// NewEnforcer creates an enforcer from the embedded model and role policy.
func NewEnforcer(cfg *EnforcerConfig) (*Enforcer, error) {
	if cfg == nil {
		cfg = DefaultEnforcerConfig()
	}
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}
	if err := loadEmbeddedPolicy(enforcer, embeddedPolicy); err != nil {
		return nil, err
	}
	e := &Enforcer{enforcer: enforcer}
	if cfg.CacheEnabled {
		e.cache = newEnforcementCache(cfg.CacheTTL)
	}
	return e, nil
}

// loadEmbeddedPolicy parses and loads the embedded policy CSV.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] != "p" || len(parts) != 4 {
			return fmt.Errorf("malformed policy line %q", line)
		}
		if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
			return fmt.Errorf("failed to add policy %v: %w", parts[1:], err)
		}
	}
	return nil
}

func userSubject(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

func projectDomain(projectID int64) string { return "project:" + strconv.FormatInt(projectID, 10) }

// Enforce reports whether the user may perform action on resource inside
// the project.
func (e *Enforcer) Enforce(userID, projectID int64, resource, action string) (bool, error) {
	sub, dom := userSubject(userID), projectDomain(projectID)
	if e.cache != nil {
		if allowed, ok := e.cache.get(sub, dom, resource, action); ok {
			recordCacheHit(true)
			return allowed, nil
		}
		recordCacheHit(false)
	}

	allowed, err := e.enforcer.Enforce(sub, dom, resource, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	if e.cache != nil {
		e.cache.set(sub, dom, resource, action, allowed)
	}
	return allowed, nil
}

// SetRole replaces the user's role in the project.
func (e *Enforcer) SetRole(userID, projectID int64, role string) error {
	sub, dom := userSubject(userID), projectDomain(projectID)
	if _, err := e.enforcer.RemoveFilteredGroupingPolicy(0, sub, "", dom); err != nil {
		return fmt.Errorf("failed to clear role: %w", err)
	}
	if _, err := e.enforcer.AddGroupingPolicy(sub, role, dom); err != nil {
		return fmt.Errorf("failed to add role: %w", err)
	}
	e.invalidate(sub)
	return nil
}

// RemoveRoles drops every role the user holds in the project.
func (e *Enforcer) RemoveRoles(userID, projectID int64) error {
	sub := userSubject(userID)
	if _, err := e.enforcer.RemoveFilteredGroupingPolicy(0, sub, "", projectDomain(projectID)); err != nil {
		return fmt.Errorf("failed to remove roles: %w", err)
	}
	e.invalidate(sub)
	return nil
}

// RemoveProject drops every membership of a deleted project.
func (e *Enforcer) RemoveProject(projectID int64) error {
	if _, err := e.enforcer.RemoveFilteredGroupingPolicy(2, projectDomain(projectID)); err != nil {
		return fmt.Errorf("failed to remove project roles: %w", err)
	}
	if e.cache != nil {
		e.cache.clear()
	}
	return nil
}

// ReplaceGroupings swaps the whole membership set in one step.
func (e *Enforcer) ReplaceGroupings(rules [][]string) error {
	current, err := e.enforcer.GetGroupingPolicy()
	if err != nil {
		return fmt.Errorf("failed to read grouping policy: %w", err)
	}
	if len(current) > 0 {
		if _, err := e.enforcer.RemoveGroupingPolicies(current); err != nil {
			return fmt.Errorf("failed to clear grouping policy: %w", err)
		}
	}
	if len(rules) > 0 {
		if _, err := e.enforcer.AddGroupingPolicies(rules); err != nil {
			return fmt.Errorf("failed to load grouping policy: %w", err)
		}
	}
	if e.cache != nil {
		e.cache.clear()
	}
	groupingRules.Set(float64(len(rules)))
	return nil
}

// RolesFor returns the user's roles in the project.
func (e *Enforcer) RolesFor(userID, projectID int64) []string {
	return e.enforcer.GetRolesForUserInDomain(userSubject(userID), projectDomain(projectID))
}

func (e *Enforcer) invalidate(sub string) {
	if e.cache != nil {
		e.cache.invalidateUser(sub)
	}
}

// Close stops the enforcer and cleans up resources.
func (e *Enforcer) Close() {
	if e.cache != nil {
		e.cache.stop()
	}
}
