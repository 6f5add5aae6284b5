// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
)

// Register creates an account on the configured default tier and signs
// the user in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tier := models.TierFree
	if h.Config != nil && h.Config.Tiers.Default != "" {
		tier = models.Tier(h.Config.Tiers.Default)
	}
	user := &models.User{
		Email:        normalizeEmail(req.Email),
		Name:         req.Name,
		PasswordHash: hash,
		Tier:         tier,
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Int64("user_id", user.ID).Str("email", logging.RedactEmail(user.Email)).Msg("User registered")
	h.Audit.LogUserCreated(r, audit.Actor{UserID: user.ID, Email: user.Email})

	h.issueToken(w, r, user, http.StatusCreated)
}

// Login exchanges email and password for a session token. Repeated
// failures lock the email out.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	email := normalizeEmail(req.Email)

	if locked, remaining := h.Lockout.Locked(email); locked {
		writeLocked(w, r, remaining)
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), email)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	if user == nil || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
		failed := audit.Actor{Email: email}
		reason := "unknown account"
		if user != nil {
			failed.UserID = user.ID
			reason = "invalid password"
		}
		h.Audit.LogLogin(r, failed, false, reason)
		if locked, d := h.Lockout.RecordFailure(email); locked {
			h.Audit.LogLockout(r, email, d)
			writeLocked(w, r, d)
			return
		}
		NewResponseWriter(w, r).Unauthorized("Invalid email or password")
		return
	}
	h.Lockout.RecordSuccess(email)
	h.Audit.LogLogin(r, audit.Actor{UserID: user.ID, Email: user.Email}, true, "")

	h.issueToken(w, r, user, http.StatusOK)
}

func writeLocked(w http.ResponseWriter, r *http.Request, remaining time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
	WriteError(w, r, http.StatusTooManyRequests, ErrCodeAccountLocked, "Too many failed login attempts")
}

// issueToken signs a session token, sets the session cookie and writes
// the token response.
func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request, user *models.User, status int) {
	token, expires, err := h.JWT.GenerateToken(user.ID, user.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	resp := TokenResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339), User: user}
	rw := NewResponseWriter(w, r)
	if status == http.StatusCreated {
		rw.Created(resp)
		return
	}
	rw.Success(resp)
}

// Me returns the authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, user)
}

// SubscriptionResponse describes the user's tier, limits and usage.
type SubscriptionResponse struct {
	Tier   models.Tier    `json:"tier"`
	Limits any            `json:"limits"`
	Usage  map[string]int `json:"usage"`
}

// Subscription returns the user's tier limits and current usage.
func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	tier, limits, err := h.Limits.LimitsFor(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	usage, err := h.Limits.Usage(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := SubscriptionResponse{Tier: tier, Limits: limits, Usage: make(map[string]int, len(usage))}
	for k, v := range usage {
		out.Usage[string(k)] = v
	}
	WriteSuccess(w, r, out)
}
