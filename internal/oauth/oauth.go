// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package oauth connects data sources to Google, LinkedIn and HubSpot
// through the authorization code flow, and seals the resulting
// credentials for storage.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/linkedin"

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/logging"
)

// Provider names.
const (
	ProviderGoogle   = "google"
	ProviderLinkedIn = "linkedin"
	ProviderHubSpot  = "hubspot"
)

const (
	defaultStateTTL = 10 * time.Minute
	stateAudience   = "marketscope-oauth-state"
)

var (
	// ErrUnknownProvider is returned for provider names not listed above.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrProviderNotConfigured is returned when a provider has no client.
	ErrProviderNotConfigured = errors.New("oauth provider not configured")
	// ErrInvalidState is returned when a callback state fails verification.
	ErrInvalidState = errors.New("invalid oauth state")
)

var hubspotEndpoint = oauth2.Endpoint{
	AuthURL:  "https://app.hubspot.com/oauth/authorize",
	TokenURL: "https://api.hubapi.com/oauth/v1/token",
}

var providerScopes = map[string][]string{
	ProviderGoogle: {
		"https://www.googleapis.com/auth/analytics.readonly",
		"https://www.googleapis.com/auth/adwords",
		"https://www.googleapis.com/auth/admanager",
	},
	ProviderLinkedIn: {"r_ads", "r_ads_reporting"},
	ProviderHubSpot: {
		"oauth",
		"crm.objects.contacts.read",
		"crm.objects.companies.read",
		"crm.objects.deals.read",
	},
}

// State is carried through the provider round trip as a signed JWT.
type State struct {
	DataSourceID int64  `json:"ds"`
	ProjectID    int64  `json:"project"`
	UserID       int64  `json:"user"`
	Provider     string `json:"provider"`
}

type stateClaims struct {
	State
	jwt.RegisteredClaims
}

// Manager builds authorization URLs, verifies callbacks and exchanges
// codes for tokens.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]*oauth2.Config
	secret   []byte
	stateTTL time.Duration
	now      func() time.Time
}

// NewManager registers every provider that has a client ID. The state is
// signed with the session JWT secret under a separate audience.
func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg.Security.JWTSecret == "" {
		return nil, fmt.Errorf("oauth state signing requires a JWT secret")
	}
	m := &Manager{
		configs:  make(map[string]*oauth2.Config),
		secret:   []byte(cfg.Security.JWTSecret),
		stateTTL: cfg.OAuth.StateTTL,
		now:      time.Now,
	}
	if m.stateTTL <= 0 {
		m.stateTTL = defaultStateTTL
	}

	clients := map[string]struct {
		client   config.OAuthClient
		endpoint oauth2.Endpoint
	}{
		ProviderGoogle:   {cfg.OAuth.Google, google.Endpoint},
		ProviderLinkedIn: {cfg.OAuth.LinkedIn, linkedin.Endpoint},
		ProviderHubSpot:  {cfg.OAuth.HubSpot, hubspotEndpoint},
	}
	for name, c := range clients {
		if c.client.ClientID == "" {
			continue
		}
		m.configs[name] = &oauth2.Config{
			ClientID:     c.client.ClientID,
			ClientSecret: c.client.ClientSecret,
			Endpoint:     c.endpoint,
			RedirectURL:  cfg.OAuthRedirectURL(name),
			Scopes:       providerScopes[name],
		}
		logging.Info().Str("provider", name).Msg("OAuth provider configured")
	}
	return m, nil
}

// SetEndpoint overrides a provider's endpoint.
func (m *Manager) SetEndpoint(provider string, endpoint oauth2.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[provider]; ok {
		c.Endpoint = endpoint
	}
}

// Configured reports whether the provider can be used.
func (m *Manager) Configured(provider string) bool {
	_, err := m.config(provider)
	return err == nil
}

func (m *Manager) config(provider string) (*oauth2.Config, error) {
	if _, ok := providerScopes[provider]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	return c, nil
}

// AuthURL returns the consent URL for state. Google is asked for offline
// access with a forced consent prompt so a refresh token is issued.
func (m *Manager) AuthURL(provider string, state State) (string, error) {
	c, err := m.config(provider)
	if err != nil {
		return "", err
	}
	state.Provider = provider
	now := m.now()
	claims := stateClaims{
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	var opts []oauth2.AuthCodeOption
	if provider == ProviderGoogle {
		opts = append(opts, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return c.AuthCodeURL(signed, opts...), nil
}

// VerifyState checks a callback state's signature, audience and expiry.
func (m *Manager) VerifyState(token string) (*State, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if claims.DataSourceID <= 0 || claims.Provider == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidState)
	}
	return &claims.State, nil
}

// Exchange trades an authorization code for a token.
func (m *Manager) Exchange(ctx context.Context, provider, code string) (*oauth2.Token, error) {
	c, err := m.config(provider)
	if err != nil {
		return nil, err
	}
	tok, err := c.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s code exchange failed: %w", provider, err)
	}
	return tok, nil
}

// TokenSource returns a reusing token source for tok. onRefresh, when set,
// receives every newly minted token so it can be persisted.
func (m *Manager) TokenSource(ctx context.Context, provider string, tok *oauth2.Token, onRefresh func(*oauth2.Token)) (oauth2.TokenSource, error) {
	c, err := m.config(provider)
	if err != nil {
		return nil, err
	}
	base := c.TokenSource(ctx, tok)
	if onRefresh == nil {
		return base, nil
	}
	return oauth2.ReuseTokenSource(tok, &notifyingSource{base: base, last: tok.AccessToken, onRefresh: onRefresh}), nil
}

// notifyingSource reports tokens whose access token changed.
type notifyingSource struct {
	mu        sync.Mutex
	base      oauth2.TokenSource
	last      string
	onRefresh func(*oauth2.Token)
}

func (n *notifyingSource) Token() (*oauth2.Token, error) {
	tok, err := n.base.Token()
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	changed := tok.AccessToken != n.last
	n.last = tok.AccessToken
	n.mu.Unlock()
	if changed {
		n.onRefresh(tok)
	}
	return tok, nil
}
