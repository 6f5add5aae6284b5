// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/oauth2"

	"github.com/tomtom215/marketscope/internal/analysis"
	"github.com/tomtom215/marketscope/internal/authz"
	"github.com/tomtom215/marketscope/internal/dashboards"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/datamodels"
	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/ratelimit"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/validation"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

// apiFailure is a resolved error: status, code, client message, details.
type apiFailure struct {
	status  int
	code    string
	message string
	details any
}

// classify maps a service error onto the envelope. Unknown errors become
// INTERNAL_ERROR with a generic message so internals do not leak.
func classify(err error) apiFailure {
	var (
		verr  *validation.RequestValidationError
		lerr  *tiers.LimitError
		pgErr *pgconn.PgError
		rerr  *ratelimit.RetryableError
		oerr  *oauth2.RetrieveError
	)

	switch {
	case errors.As(err, &verr):
		apiErr := verr.ToAPIError()
		return apiFailure{http.StatusBadRequest, ErrCodeValidation, apiErr.Message, apiErr.Details}

	case errors.As(err, &lerr):
		return apiFailure{http.StatusForbidden, ErrCodeLimitReached, lerr.Error(), map[string]any{
			"tier":     lerr.Tier,
			"resource": lerr.Resource,
			"limit":    lerr.Limit,
			"used":     lerr.Used,
		}}

	case errors.Is(err, scheduler.ErrSyncInProgress):
		return apiFailure{http.StatusConflict, ErrCodeSyncInProgress, "A sync is already running or queued for this data source", nil}

	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, warehouse.ErrTableNotFound),
		errors.Is(err, dashboards.ErrWidgetNotFound),
		errors.Is(err, uploads.ErrNotFound),
		errors.Is(err, oauth.ErrUnknownProvider):
		return apiFailure{http.StatusNotFound, ErrCodeNotFound, err.Error(), nil}

	case errors.Is(err, database.ErrConflict):
		return apiFailure{http.StatusConflict, ErrCodeConflict, "Resource already exists", nil}

	case errors.Is(err, datamodels.ErrNotMaterialized):
		return apiFailure{http.StatusConflict, ErrCodeConflict, err.Error(), nil}

	case errors.Is(err, datamodels.ErrInvalidSQL),
		errors.Is(err, warehouse.ErrAmbiguousTable),
		errors.Is(err, dashboards.ErrInvalidWidget),
		errors.Is(err, drivers.ErrInvalidConfig),
		errors.Is(err, drivers.ErrUnsupportedSource),
		errors.Is(err, drivers.ErrNotConnected),
		errors.Is(err, uploads.ErrFileType),
		errors.Is(err, authz.ErrInvalidRole):
		return apiFailure{http.StatusBadRequest, ErrCodeValidation, err.Error(), nil}

	case errors.Is(err, uploads.ErrTooLarge):
		return apiFailure{http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, err.Error(), nil}

	case errors.Is(err, oauth.ErrInvalidState):
		return apiFailure{http.StatusBadRequest, ErrCodeInvalidOAuthState, "OAuth state is invalid or expired", nil}

	case errors.Is(err, oauth.ErrProviderNotConfigured), errors.Is(err, oauth.ErrEncryptionKeyMissing),
		errors.Is(err, analysis.ErrDisabled):
		return apiFailure{http.StatusServiceUnavailable, ErrCodeServiceDisabled, err.Error(), nil}

	case errors.Is(err, ratelimit.ErrCircuitOpen), errors.Is(err, analysis.ErrGeneration),
		errors.As(err, &rerr), errors.As(err, &oerr):
		return apiFailure{http.StatusBadGateway, ErrCodeExternalService, "External service unavailable", nil}

	case errors.As(err, &pgErr):
		return classifyPg(pgErr)

	case errors.Is(err, context.DeadlineExceeded):
		return apiFailure{http.StatusGatewayTimeout, ErrCodeInternal, "Request timed out", nil}
	}
	return apiFailure{http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil}
}

// classifyPg separates errors in user-written SQL (syntax, undefined
// objects, bad casts) from server-side database failures.
func classifyPg(e *pgconn.PgError) apiFailure {
	switch {
	case e.Code == "57014":
		return apiFailure{http.StatusGatewayTimeout, ErrCodeDatabase, "Query exceeded the statement timeout", nil}
	case e.Code == "25006":
		return apiFailure{http.StatusBadRequest, ErrCodeValidation, "Query attempted to write in a read-only transaction", nil}
	case strings.HasPrefix(e.Code, "42"), strings.HasPrefix(e.Code, "22"):
		return apiFailure{http.StatusBadRequest, ErrCodeValidation, e.Message, map[string]any{"sqlstate": e.Code}}
	}
	return apiFailure{http.StatusInternalServerError, ErrCodeDatabase, "A database error occurred", nil}
}

// writeError logs server-side failures and writes the envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	f := classify(err)
	if f.status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("code", f.code).Msg("Request failed")
	} else {
		logging.Ctx(r.Context()).Debug().Err(err).Str("code", f.code).Msg("Request rejected")
	}
	NewResponseWriter(w, r).ErrorWithDetails(f.status, f.code, f.message, f.details)
}
