// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/authz"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/validation"
)

// AuthorizeResponse carries the provider consent URL.
type AuthorizeResponse struct {
	URL string `json:"url"`
}

// OAuthAuthorize returns the consent URL for connecting a data source.
// With ?redirect=true the client is redirected there instead.
func (h *Handler) OAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil {
		writeError(w, r, oauth.ErrProviderNotConfigured)
		return
	}
	provider := chi.URLParam(r, "provider")
	dsID, err := strconv.ParseInt(r.URL.Query().Get("data_source_id"), 10, 64)
	if err != nil || dsID <= 0 {
		writeError(w, r, validation.NewError("data_source_id", "data_source_id must be a positive integer"))
		return
	}

	ds, err := h.Store.GetDataSource(r.Context(), dsID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	uid := userID(r)
	allowed, err := h.Authz.Can(uid, ds.ProjectID, authz.ResourceDataSources, authz.ActionWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !allowed {
		NewResponseWriter(w, r).Forbidden("You cannot connect data sources in this project")
		return
	}
	if ds.Type.Provider() != provider {
		writeError(w, r, validation.NewError("provider", fmt.Sprintf("%s sources do not connect through %s", ds.Type, provider)))
		return
	}

	authURL, err := h.OAuth.AuthURL(provider, oauth.State{DataSourceID: ds.ID, ProjectID: ds.ProjectID, UserID: uid})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	WriteSuccess(w, r, AuthorizeResponse{URL: authURL})
}

// OAuthCallback completes a provider round trip. It is unauthenticated;
// the signed state identifies the data source and the user who started
// the flow.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.Sealer == nil {
		writeError(w, r, oauth.ErrProviderNotConfigured)
		return
	}
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	state, err := h.OAuth.VerifyState(q.Get("state"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if state.Provider != provider {
		writeError(w, r, fmt.Errorf("%w: provider mismatch", oauth.ErrInvalidState))
		return
	}
	if denied := q.Get("error"); denied != "" {
		h.finishOAuth(w, r, state, errors.New(denied))
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, r, validation.NewError("code", "authorization code is missing"))
		return
	}

	ctx := r.Context()
	ds, err := h.Store.GetDataSource(ctx, state.DataSourceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Membership may have changed while the user was at the provider.
	allowed, err := h.Authz.Can(state.UserID, ds.ProjectID, authz.ResourceDataSources, authz.ActionWrite)
	if err != nil || !allowed {
		NewResponseWriter(w, r).Forbidden("You cannot connect data sources in this project")
		return
	}

	tok, err := h.OAuth.Exchange(ctx, provider, code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := h.Sealer.OpenCredentials(ds.Credentials)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("data_source_id", ds.ID).Msg("Replacing unreadable credentials")
		creds = oauth.StoredCredentials{}
	}
	// Providers omit the refresh token on re-consent; keep the old one.
	if tok.RefreshToken == "" && creds.Token != nil {
		tok.RefreshToken = creds.Token.RefreshToken
	}
	creds.Token = tok
	sealed, err := h.Sealer.SealCredentials(creds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Store.UpdateCredentials(ctx, ds.ID, sealed, true); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Ctx(ctx).Info().Int64("data_source_id", ds.ID).Str("provider", provider).Msg("Data source connected")
	h.Audit.LogCredentials(r, audit.Actor{UserID: state.UserID}, ds.ProjectID, ds.ID, ds.Name, "oauth")

	if ds.Status != models.StatusDisabled {
		if err := h.Scheduler.TriggerSync(ctx, ds.ID, models.TriggerManual); err != nil && !errors.Is(err, scheduler.ErrSyncInProgress) {
			logging.Ctx(ctx).Warn().Err(err).Int64("data_source_id", ds.ID).Msg("Failed to queue first sync")
		}
	}
	h.finishOAuth(w, r, state, nil)
}

// finishOAuth sends the browser back to the app when a public URL is
// configured, and answers with JSON otherwise.
func (h *Handler) finishOAuth(w http.ResponseWriter, r *http.Request, state *oauth.State, providerErr error) {
	base := ""
	if h.Config != nil {
		base = strings.TrimRight(h.Config.Server.PublicURL, "/")
	}
	if base == "" {
		if providerErr != nil {
			writeError(w, r, validation.NewError("error", "authorization was denied: "+providerErr.Error()))
			return
		}
		WriteSuccess(w, r, map[string]any{"data_source_id": state.DataSourceID, "connected": true})
		return
	}

	v := url.Values{}
	if providerErr != nil {
		v.Set("oauth_error", providerErr.Error())
	} else {
		v.Set("connected", "1")
	}
	target := fmt.Sprintf("%s/projects/%d/data-sources/%d?%s", base, state.ProjectID, state.DataSourceID, v.Encode())
	http.Redirect(w, r, target, http.StatusFound)
}
