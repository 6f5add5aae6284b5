// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package validation

import (
	"strings"
	"testing"
)

type sourceRequest struct {
	Name     string   `json:"name" validate:"required,max=100"`
	Type     string   `json:"type" validate:"required,source_type"`
	Schedule string   `json:"schedule_kind" validate:"omitempty,schedule_kind"`
	Tags     []string `json:"tags" validate:"max=2"`
}

type memberRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,project_role"`
}

type widgetRequest struct {
	Column string `json:"column" validate:"required,identifier"`
}

type dashboardRequest struct {
	Widgets []widgetRequest `json:"widgets" validate:"dive"`
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() returned different instances")
	}
}

func TestCustomTags(t *testing.T) {
	tests := []struct {
		name    string
		req     any
		wantErr string
	}{
		{"valid source", &sourceRequest{Name: "Ads", Type: "google_ads", Schedule: "daily"}, ""},
		{"unknown source", &sourceRequest{Name: "Ads", Type: "myspace"}, "type must be a supported data source type"},
		{"bad schedule", &sourceRequest{Name: "Ads", Type: "csv", Schedule: "hourly"}, "schedule_kind must be one of"},
		{"too many tags", &sourceRequest{Name: "Ads", Type: "csv", Tags: []string{"a", "b", "c"}}, "tags must be at most 2 items"},
		{"long name", &sourceRequest{Name: strings.Repeat("x", 101), Type: "csv"}, "name must be at most 100 characters"},
		{"valid member", &memberRequest{Email: "a@example.com", Role: "editor"}, ""},
		{"bad role", &memberRequest{Email: "a@example.com", Role: "root"}, "role must be one of: owner admin editor viewer"},
		{"bad email", &memberRequest{Email: "nope", Role: "viewer"}, "email must be a valid email address"},
		{"identifier", &widgetRequest{Column: "clicks_7d"}, ""},
		{"identifier injection", &widgetRequest{Column: `x"; drop`}, "column must contain only letters"},
		{"identifier digit", &widgetRequest{Column: "7d"}, "column must contain only letters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateStruct() = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNestedFieldPath(t *testing.T) {
	err := ValidateStruct(&dashboardRequest{Widgets: []widgetRequest{{Column: "ok"}, {Column: ""}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Errors()[0].Field(); got != "widgets[1].column" {
		t.Errorf("Field() = %q, want widgets[1].column", got)
	}
}

func TestToAPIError(t *testing.T) {
	single := ValidateStruct(&memberRequest{Email: "a@example.com"}).ToAPIError()
	if single.Code != "VALIDATION_ERROR" || single.Details["field"] != "role" {
		t.Errorf("single = %+v", single)
	}

	multi := ValidateStruct(&memberRequest{}).ToAPIError()
	fields, ok := multi.Details["fields"].([]map[string]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("multi details = %+v", multi.Details)
	}
	if !strings.Contains(multi.Message, "email is required") || !strings.Contains(multi.Message, "role is required") {
		t.Errorf("multi message = %q", multi.Message)
	}

	custom := NewError("sql", "sql must be a SELECT").ToAPIError()
	if custom.Message != "sql must be a SELECT" || custom.Details["field"] != "sql" {
		t.Errorf("custom = %+v", custom)
	}
}
