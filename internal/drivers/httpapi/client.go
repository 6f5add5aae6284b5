// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package httpapi is the REST plumbing shared by the API-backed drivers:
// request building, rate limiting, circuit breaking, retries and error
// mapping.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
	"github.com/tomtom215/marketscope/internal/ratelimit"
)

// maxErrorBodySize caps how much of an error response is kept.
const maxErrorBodySize = 64 * 1024

const defaultTimeout = 60 * time.Second

// APIError is a non-retryable HTTP failure.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Deps are the shared limiter, breakers and retry policy handed to every
// driver. Nil members are skipped.
type Deps struct {
	Limiter  *ratelimit.Registry
	Breakers *ratelimit.Breakers
	Policy   ratelimit.Policy
}

// Client talks to one REST API on behalf of one data source.
type Client struct {
	// BaseURL is joined with relative request paths.
	BaseURL string
	// Provider keys the rate limiter and circuit breaker.
	Provider string
	// Key scopes the rate limiter bucket, usually the data source ID.
	Key     string
	HTTP    *http.Client
	Headers http.Header
	deps    Deps
	now     func() time.Time
}

// NewClient creates a client. A nil hc uses a plain client with a timeout.
func NewClient(deps Deps, provider, baseURL, key string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Provider: provider,
		Key:      key,
		HTTP:     hc,
		Headers:  make(http.Header),
		deps:     deps,
		now:      time.Now,
	}
}

// Request describes one API call. Path may be absolute, as JSON:API next
// links are.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// RawQuery is appended verbatim after Query. Rest.li parameters need it.
	RawQuery string
	Body     any
	Header   http.Header
}

// Get performs a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post performs a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Do sends req with rate limiting, circuit breaking and retries. A nil
// out discards the response body.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	target, err := c.resolve(req)
	if err != nil {
		return err
	}
	var payload []byte
	if req.Body != nil {
		if payload, err = json.Marshal(req.Body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	policy := c.deps.Policy
	policy.Provider = c.Provider
	return ratelimit.Retry(ctx, policy, func(ctx context.Context) error {
		if c.deps.Limiter != nil {
			if err := c.deps.Limiter.Wait(ctx, c.Provider, c.Key); err != nil {
				return err
			}
		}
		call := func() error { return c.send(ctx, req, target, payload, out) }
		if c.deps.Breakers == nil {
			return call()
		}
		return c.deps.Breakers.Do(c.Provider, call)
	})
}

func (c *Client) resolve(req Request) (string, error) {
	raw := req.Path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = c.BaseURL + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", raw, err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	if req.RawQuery != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&"
		}
		u.RawQuery += req.RawQuery
	}
	return u.String(), nil
}

func (c *Client) send(ctx context.Context, req Request, target string, payload []byte, out any) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.Headers {
		httpReq.Header[k] = vs
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		metrics.RecordExternalRequest(c.Provider, 0)
		return fmt.Errorf("%s request failed: %w", c.Provider, err)
	}
	defer resp.Body.Close()
	metrics.RecordExternalRequest(c.Provider, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		errBody := readBodyForError(resp.Body)
		retryAfter := ratelimit.RetryAfterFromHeaders(resp.Header, c.now())
		logging.Debug().
			Str("provider", c.Provider).
			Int("status", resp.StatusCode).
			Dur("retry_after", retryAfter).
			Msg("Retryable API response")
		return &ratelimit.RetryableError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("%s: %s", c.Provider, errBody),
		}
	case resp.StatusCode >= 400:
		return &APIError{
			Provider:   c.Provider,
			StatusCode: resp.StatusCode,
			Body:       string(readBodyForError(resp.Body)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.Provider, err)
	}
	return nil
}

// readBodyForError reads at most maxErrorBodySize bytes of an error body.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize+1))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) > maxErrorBodySize {
		return append(body[:maxErrorBodySize], []byte("\n... (truncated)")...)
	}
	return body
}
