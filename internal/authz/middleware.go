// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package authz

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/logging"
)

// ProjectIDParam is the chi URL parameter holding the project ID.
const ProjectIDParam = "projectID"

// RequireProjectPermission rejects requests whose user lacks action on
// resource in the project named by the {projectID} route parameter.
func (s *Service) RequireProjectPermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == 0 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}
			projectID, err := strconv.ParseInt(chi.URLParam(r, ProjectIDParam), 10, 64)
			if err != nil || projectID <= 0 {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid project id")
				return
			}

			allowed, err := s.Can(userID, projectID, resource, action)
			if err != nil {
				logging.Ctx(r.Context()).Error().Err(err).Msg("Authorization error")
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "authorization failed")
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions for "+resource)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MethodAction maps HTTP methods to actions.
func MethodAction(method string) string {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return ActionWrite
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionRead
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": msg},
	})
}
