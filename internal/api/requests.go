// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"github.com/tomtom215/marketscope/internal/models"
)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse is returned by register and login.
type TokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      *models.User `json:"user"`
}

// ProjectRequest creates or updates a project.
type ProjectRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// MemberRequest adds a member by email.
type MemberRequest struct {
	Email string      `json:"email" validate:"required,email"`
	Role  models.Role `json:"role" validate:"required,project_role"`
}

// CredentialsRequest carries secrets for non-OAuth sources. They are
// sealed before storage and never returned.
type CredentialsRequest struct {
	APIKey  string            `json:"api_key,omitempty" validate:"max=4096"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// DataSourceRequest creates a data source.
type DataSourceRequest struct {
	Name        string              `json:"name" validate:"required,min=1,max=200"`
	Type        models.SourceType   `json:"type" validate:"required,source_type"`
	Config      map[string]any      `json:"config"`
	Schedule    models.Schedule     `json:"schedule"`
	Credentials *CredentialsRequest `json:"credentials,omitempty"`
}

// DataSourcePatch updates a data source. Absent fields are unchanged.
type DataSourcePatch struct {
	Name        *string             `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Config      map[string]any      `json:"config,omitempty"`
	Schedule    *models.Schedule    `json:"schedule,omitempty"`
	Credentials *CredentialsRequest `json:"credentials,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
}

// DataModelRequest creates a data model.
type DataModelRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=200"`
	SQL          string `json:"sql" validate:"required,max=100000"`
	Materialized bool   `json:"materialized"`
}

// DataModelPatch updates a data model.
type DataModelPatch struct {
	Name         *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	SQL          *string `json:"sql,omitempty" validate:"omitempty,max=100000"`
	Materialized *bool   `json:"materialized,omitempty"`
}

// ExecuteRequest runs a data model.
type ExecuteRequest struct {
	Limit int `json:"limit" validate:"min=0,max=10000"`
}

// DashboardRequest creates or replaces a dashboard.
type DashboardRequest struct {
	Name    string          `json:"name" validate:"required,min=1,max=200"`
	Widgets []models.Widget `json:"widgets" validate:"max=50,dive"`
}

// DashboardPatch updates a dashboard.
type DashboardPatch struct {
	Name    *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Widgets *[]models.Widget `json:"widgets,omitempty" validate:"omitempty,max=50,dive"`
}

// AnalysisRequest asks a question about a data model.
type AnalysisRequest struct {
	DataModelID int64  `json:"data_model_id" validate:"required,gt=0"`
	Question    string `json:"question" validate:"required,min=3,max=2000"`
}
