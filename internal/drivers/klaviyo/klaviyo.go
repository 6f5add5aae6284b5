// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package klaviyo implements the Klaviyo driver on its JSON:API endpoints.
package klaviyo

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	baseURL         = "https://a.klaviyo.com/api"
	defaultRevision = "2024-10-15"
	profilesCursor  = "profiles_updated_after"
	profilesPage    = "100"
)

type resource struct {
	name  string
	path  string
	query url.Values
}

var resources = []resource{
	{name: "campaigns", path: "campaigns", query: url.Values{"filter": {"equals(messages.channel,'email')"}}},
	{name: "metrics", path: "metrics"},
	{name: "lists", path: "lists"},
	{name: "profiles", path: "profiles", query: url.Values{"page[size]": {profilesPage}}},
}

// Driver reads campaigns, metrics, lists and profiles of one account.
type Driver struct {
	BaseURL  string
	Revision string
	deps     httpapi.Deps
	now      func() time.Time
}

// New creates the klaviyo driver.
func New(deps httpapi.Deps) *Driver {
	return &Driver{BaseURL: baseURL, Revision: defaultRevision, deps: deps, now: time.Now}
}

func (d *Driver) Type() models.SourceType { return models.SourceKlaviyo }

// ValidateConfig accepts an optional subset of resources.
func (d *Driver) ValidateConfig(cfg map[string]any) error {
	for _, name := range drivers.Config(cfg).Strings("resources") {
		if !slices.ContainsFunc(resources, func(r resource) bool { return r.name == name }) {
			return drivers.Invalid("unknown klaviyo resource %q", name)
		}
	}
	return nil
}

type page struct {
	Data []struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// Fetch reads every selected resource. Profiles are incremental on their
// updated timestamp and upserted by id; the rest are replaced.
func (d *Driver) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	if req.Credentials.APIKey == "" {
		return nil, drivers.ErrNotConnected
	}
	client := httpapi.NewClient(d.deps, string(d.Type()), d.BaseURL, req.Key(), req.HTTPClient)
	client.Headers.Set("Authorization", "Klaviyo-API-Key "+req.Credentials.APIKey)
	client.Headers.Set("revision", d.Revision)
	client.Headers.Set("Accept", "application/vnd.api+json")

	selected := drivers.Config(req.DataSource.Config).Strings("resources")
	result := &drivers.FetchResult{NextState: copyState(req.SyncState)}
	for _, r := range resources {
		if len(selected) > 0 && !slices.Contains(selected, r.name) {
			continue
		}
		query := cloneValues(r.query)
		mode := warehouse.ModeReplace
		var keys []string
		cursor := ""
		if r.name == "profiles" {
			mode, keys = warehouse.ModeUpsert, []string{"id"}
			if cursor = req.SyncState[profilesCursor]; cursor != "" {
				query.Set("filter", fmt.Sprintf("greater-than(updated,%s)", cursor))
			}
		}

		rs, latest, err := d.readAll(ctx, client, r.path, query)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.name, err)
		}
		if r.name == "profiles" && latest > cursor {
			result.NextState[profilesCursor] = latest
		}
		result.Datasets = append(result.Datasets, rs.Dataset(r.name, mode, keys...))
	}
	return result, nil
}

// readAll follows links.next and returns the newest "updated" value seen.
func (d *Driver) readAll(ctx context.Context, client *httpapi.Client, path string, query url.Values) (*drivers.RecordSet, string, error) {
	rs := drivers.NewRecordSet("id", "type")
	latest := ""
	req := httpapi.Request{Path: path, Query: query}
	for {
		var p page
		if err := client.Do(ctx, req, &p); err != nil {
			return nil, "", err
		}
		for _, item := range p.Data {
			rec := drivers.Flatten(item.Attributes, 1)
			rec["id"] = item.ID
			rec["type"] = item.Type
			if u, ok := item.Attributes["updated"].(string); ok && u > latest {
				latest = u
			}
			rs.Add(rec)
		}
		if p.Links.Next == "" {
			return rs, latest, nil
		}
		req = httpapi.Request{Path: p.Links.Next}
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func copyState(s map[string]string) map[string]string {
	out := make(map[string]string, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}
