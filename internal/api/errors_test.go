// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tomtom215/marketscope/internal/analysis"
	"github.com/tomtom215/marketscope/internal/dashboards"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/datamodels"
	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/ratelimit"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/validation"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", validation.NewError("name", "name is required"), http.StatusBadRequest, ErrCodeValidation},
		{"limit", &tiers.LimitError{Tier: "free", Resource: tiers.ResourceProjects, Limit: 1, Used: 1}, http.StatusForbidden, ErrCodeLimitReached},
		{"sync in progress", fmt.Errorf("trigger: %w", scheduler.ErrSyncInProgress), http.StatusConflict, ErrCodeSyncInProgress},
		{"not found", fmt.Errorf("get: %w", database.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"table not found", warehouse.ErrTableNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"widget not found", dashboards.ErrWidgetNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"conflict", database.ErrConflict, http.StatusConflict, ErrCodeConflict},
		{"not materialized", datamodels.ErrNotMaterialized, http.StatusConflict, ErrCodeConflict},
		{"invalid sql", fmt.Errorf("%w: semicolon", datamodels.ErrInvalidSQL), http.StatusBadRequest, ErrCodeValidation},
		{"ambiguous table", warehouse.ErrAmbiguousTable, http.StatusBadRequest, ErrCodeValidation},
		{"driver config", drivers.ErrInvalidConfig, http.StatusBadRequest, ErrCodeValidation},
		{"not connected", drivers.ErrNotConnected, http.StatusBadRequest, ErrCodeValidation},
		{"file type", uploads.ErrFileType, http.StatusBadRequest, ErrCodeValidation},
		{"too large", uploads.ErrTooLarge, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge},
		{"oauth state", oauth.ErrInvalidState, http.StatusBadRequest, ErrCodeInvalidOAuthState},
		{"provider not configured", oauth.ErrProviderNotConfigured, http.StatusServiceUnavailable, ErrCodeServiceDisabled},
		{"ai disabled", analysis.ErrDisabled, http.StatusServiceUnavailable, ErrCodeServiceDisabled},
		{"circuit open", fmt.Errorf("%w: google: boom", ratelimit.ErrCircuitOpen), http.StatusBadGateway, ErrCodeExternalService},
		{"ai generation", fmt.Errorf("%w: quota", analysis.ErrGeneration), http.StatusBadGateway, ErrCodeExternalService},
		{"retryable", &ratelimit.RetryableError{StatusCode: 503, Err: errors.New("unavailable")}, http.StatusBadGateway, ErrCodeExternalService},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, http.StatusGatewayTimeout, ErrCodeDatabase},
		{"read only", &pgconn.PgError{Code: "25006"}, http.StatusBadRequest, ErrCodeValidation},
		{"undefined column", &pgconn.PgError{Code: "42703", Message: `column "x" does not exist`}, http.StatusBadRequest, ErrCodeValidation},
		{"division by zero", &pgconn.PgError{Code: "22012"}, http.StatusBadRequest, ErrCodeValidation},
		{"server pg error", &pgconn.PgError{Code: "53300"}, http.StatusInternalServerError, ErrCodeDatabase},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeInternal},
		{"unknown", errors.New("secret internals"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if got.status != tt.status || got.code != tt.code {
				t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, got.status, got.code, tt.status, tt.code)
			}
		})
	}
}

func TestClassify_HidesInternalMessages(t *testing.T) {
	t.Parallel()

	got := classify(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	if got.message != "Internal server error" {
		t.Errorf("message = %q, want generic", got.message)
	}
}

func TestClassify_LimitDetails(t *testing.T) {
	t.Parallel()

	got := classify(&tiers.LimitError{Tier: "free", Resource: tiers.ResourceDataSources, Limit: 3, Used: 3})
	details, ok := got.details.(map[string]any)
	if !ok {
		t.Fatalf("details = %T, want map", got.details)
	}
	if details["limit"] != 3 || details["used"] != 3 || details["resource"] != tiers.ResourceDataSources {
		t.Errorf("details = %v", details)
	}
}
