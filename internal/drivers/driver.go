// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package drivers defines how data is pulled from each kind of data
// source. Every driver turns one source into a set of tabular datasets;
// writing them to the warehouse is the syncer's job.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/ratelimit"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

var (
	// ErrUnsupportedSource is returned for source types without a driver.
	ErrUnsupportedSource = errors.New("unsupported source type")

	// ErrInvalidConfig wraps data source configuration problems.
	ErrInvalidConfig = errors.New("invalid data source config")

	// ErrNotConnected is returned when a source needs credentials it lacks.
	ErrNotConnected = errors.New("data source is not connected")
)

// Credentials are the decrypted secrets of a data source.
type Credentials struct {
	// TokenSource is set for OAuth sources.
	TokenSource oauth2.TokenSource
	// APIKey is set for key-authenticated APIs such as Klaviyo.
	APIKey string
	// Secrets holds database passwords and connection strings.
	Secrets map[string]string
}

// FetchRequest is the input to Driver.Fetch.
type FetchRequest struct {
	DataSource  *models.DataSource
	Credentials Credentials
	// Since is the start of the incremental window.
	Since     time.Time
	SyncState map[string]string
	// HTTPClient authenticates with Credentials when the source uses OAuth.
	HTTPClient *http.Client
}

// Dataset is one table's worth of rows. Columns and Keys use source names;
// the syncer maps them to physical column names.
type Dataset struct {
	LogicalName string
	Columns     []string
	Rows        [][]any
	Mode        warehouse.WriteMode
	Keys        []string
}

// FetchResult is what a driver returns from one sync.
type FetchResult struct {
	Datasets []Dataset
	// NextState replaces the stored sync state when non-nil.
	NextState map[string]string
}

// Client returns the HTTP client for an OAuth source. It prefers the
// prepared HTTPClient and falls back to one built from the token source.
func (r FetchRequest) Client(ctx context.Context) (*http.Client, error) {
	if r.HTTPClient != nil {
		return r.HTTPClient, nil
	}
	if r.Credentials.TokenSource == nil {
		return nil, ErrNotConnected
	}
	return oauth2.NewClient(ctx, r.Credentials.TokenSource), nil
}

// Key returns the rate limiter key for the request's data source.
func (r FetchRequest) Key() string {
	if r.DataSource == nil {
		return ""
	}
	return strconv.FormatInt(r.DataSource.ID, 10)
}

// Window returns the [since, until] dates for report APIs. A zero Since
// falls back to lookback before now.
func (r FetchRequest) Window(now time.Time, lookback time.Duration) (time.Time, time.Time) {
	until := now.UTC()
	since := r.Since.UTC()
	if r.Since.IsZero() {
		since = until.Add(-lookback)
	}
	if since.After(until) {
		since = until
	}
	return since, until
}

// Rows returns the total row count across datasets.
func (r *FetchResult) Rows() int64 {
	var n int64
	for _, d := range r.Datasets {
		n += int64(len(d.Rows))
	}
	return n
}

// Driver pulls data from one kind of source.
type Driver interface {
	Type() models.SourceType
	ValidateConfig(cfg map[string]any) error
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// Registry maps source types to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[models.SourceType]Driver
}

// NewRegistry creates a registry holding ds.
func NewRegistry(ds ...Driver) *Registry {
	r := &Registry{drivers: make(map[models.SourceType]Driver, len(ds))}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the driver for d.Type().
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Type()] = d
}

// Get returns the driver for t.
func (r *Registry) Get(t models.SourceType) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, t)
	}
	return d, nil
}

// Types lists the registered source types.
func (r *Registry) Types() []models.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SourceType, 0, len(r.drivers))
	for t := range r.drivers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateConfig checks cfg with the driver for t.
func (r *Registry) ValidateConfig(t models.SourceType, cfg map[string]any) error {
	d, err := r.Get(t)
	if err != nil {
		return err
	}
	return d.ValidateConfig(cfg)
}

// LimiterProvider returns the rate limiter provider name for t. Database
// sources share one budget; API sources are limited per source type.
func LimiterProvider(t models.SourceType) string {
	if t.IsDatabase() {
		return ratelimit.DatabaseProvider
	}
	return string(t)
}
