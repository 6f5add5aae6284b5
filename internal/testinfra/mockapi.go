// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package testinfra provides test servers and containers shared by
// package tests. Container helpers require the integration build tag.
package testinfra

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

// Capture is one request received by a MockAPI.
type Capture struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
	Body    []byte
}

// MockAPI is an httptest server that records every request and answers
// with a per-test handler. It stands in for marketing platform APIs.
type MockAPI struct {
	Server *httptest.Server

	mu       sync.Mutex
	captures []Capture
	handler  http.HandlerFunc
}

// NewMockAPI starts a server closed automatically at test end.
func NewMockAPI(t *testing.T, handler http.HandlerFunc) *MockAPI {
	t.Helper()

	m := &MockAPI{handler: handler}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body.Close()
		}

		m.mu.Lock()
		m.captures = append(m.captures, Capture{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		h := m.handler
		m.mu.Unlock()

		if h == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.Server.Close)
	return m
}

// URL returns the server base URL.
func (m *MockAPI) URL() string {
	return m.Server.URL
}

// SetHandler swaps the response handler.
func (m *MockAPI) SetHandler(h http.HandlerFunc) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Captures returns a copy of the recorded requests.
func (m *MockAPI) Captures() []Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Capture, len(m.captures))
	copy(out, m.captures)
	return out
}

// Count returns the number of requests received.
func (m *MockAPI) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captures)
}

// Last returns the most recent request. It fails the test when there is none.
func (m *MockAPI) Last(t *testing.T) Capture {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		t.Fatal("mock API received no requests")
	}
	return m.captures[len(m.captures)-1]
}

// WriteJSON writes v as a JSON response. Request bodies are consumed by
// the recorder, so handlers inspect them through Captures.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
