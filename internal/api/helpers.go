// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/validation"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into v and validates it. Unknown fields
// are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return validation.NewError("body", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return validation.NewError("body", fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		}
		return validation.NewError("body", "invalid JSON: "+err.Error())
	}
	if verr := validation.ValidateStruct(v); verr != nil {
		return verr
	}
	return nil
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, validation.NewError(name, fmt.Sprintf("%s must be a positive integer", name))
	}
	return id, nil
}

// intQuery returns a bounded integer query parameter.
func intQuery(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// userID is the authenticated user. RequireAuth guarantees it is set.
func userID(r *http.Request) int64 {
	return auth.UserID(r.Context())
}

// actor identifies the authenticated user in audit events.
func actor(r *http.Request) audit.Actor {
	a := audit.Actor{UserID: userID(r)}
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		a.Email = claims.Email
	}
	return a
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
