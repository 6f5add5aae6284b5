// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package hubspot implements the HubSpot CRM driver.
package hubspot

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	baseURL  = "https://api.hubapi.com"
	pageSize = 100
)

type object struct {
	name       string
	properties []string
	// modified is the property filtered on for incremental search.
	modified string
}

var objects = []object{
	{
		name:       "contacts",
		properties: []string{"email", "firstname", "lastname", "lifecyclestage", "hs_lead_status", "createdate", "lastmodifieddate"},
		modified:   "lastmodifieddate",
	},
	{
		name:       "companies",
		properties: []string{"name", "domain", "industry", "numberofemployees", "annualrevenue", "createdate", "hs_lastmodifieddate"},
		modified:   "hs_lastmodifieddate",
	},
	{
		name:       "deals",
		properties: []string{"dealname", "amount", "dealstage", "pipeline", "closedate", "createdate", "hs_lastmodifieddate"},
		modified:   "hs_lastmodifieddate",
	},
}

func cursorKey(obj string) string { return obj + "_modified_after" }

// Driver reads CRM objects and upserts them by id.
type Driver struct {
	BaseURL string
	deps    httpapi.Deps
}

// New creates the hubspot driver.
func New(deps httpapi.Deps) *Driver {
	return &Driver{BaseURL: baseURL, deps: deps}
}

func (d *Driver) Type() models.SourceType { return models.SourceHubSpot }

// ValidateConfig accepts an optional subset of objects and extra
// properties per object ("properties": {"contacts": ["jobtitle"]}).
func (d *Driver) ValidateConfig(cfg map[string]any) error {
	for _, name := range drivers.Config(cfg).Strings("objects") {
		if !slices.ContainsFunc(objects, func(o object) bool { return o.name == name }) {
			return drivers.Invalid("unknown hubspot object %q", name)
		}
	}
	return nil
}

type crmRecord struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  string         `json:"createdAt"`
	UpdatedAt  string         `json:"updatedAt"`
	Archived   bool           `json:"archived"`
}

type crmPage struct {
	Results []crmRecord `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (p crmPage) after() string {
	if p.Paging == nil || p.Paging.Next == nil {
		return ""
	}
	return p.Paging.Next.After
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchRequest struct {
	FilterGroups []struct {
		Filters []searchFilter `json:"filters"`
	} `json:"filterGroups"`
	Sorts      []map[string]string `json:"sorts"`
	Properties []string            `json:"properties"`
	Limit      int                 `json:"limit"`
	After      string              `json:"after,omitempty"`
}

// Fetch lists each object type. With a stored cursor it switches to the
// search endpoint filtered on the last-modified property.
func (d *Driver) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	hc, err := req.Client(ctx)
	if err != nil {
		return nil, err
	}
	client := httpapi.NewClient(d.deps, string(d.Type()), d.BaseURL, req.Key(), hc)
	cfg := drivers.Config(req.DataSource.Config)
	selected := cfg.Strings("objects")
	extra, _ := cfg["properties"].(map[string]any)

	result := &drivers.FetchResult{NextState: make(map[string]string, len(objects))}
	for k, v := range req.SyncState {
		result.NextState[k] = v
	}
	for _, obj := range objects {
		if len(selected) > 0 && !slices.Contains(selected, obj.name) {
			continue
		}
		props := append([]string(nil), obj.properties...)
		props = append(props, drivers.Config(extra).Strings(obj.name)...)

		cursor := req.SyncState[cursorKey(obj.name)]
		var records []crmRecord
		if cursor != "" {
			records, err = d.search(ctx, client, obj, props, cursor)
		} else {
			records, err = d.list(ctx, client, obj, props)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", obj.name, err)
		}

		rs := drivers.NewRecordSet(append([]string{"id", "created_at", "updated_at", "archived"}, props...)...)
		latest := cursor
		for _, r := range records {
			rec := make(map[string]any, len(r.Properties)+4)
			for k, v := range r.Properties {
				rec[k] = v
			}
			rec["id"] = r.ID
			rec["created_at"] = r.CreatedAt
			rec["updated_at"] = r.UpdatedAt
			rec["archived"] = r.Archived
			rs.Add(rec)
			if r.UpdatedAt > latest {
				latest = r.UpdatedAt
			}
		}
		if latest != "" {
			result.NextState[cursorKey(obj.name)] = latest
		}
		result.Datasets = append(result.Datasets, rs.Dataset(obj.name, warehouse.ModeUpsert, "id"))
	}
	return result, nil
}

func (d *Driver) list(ctx context.Context, client *httpapi.Client, obj object, props []string) ([]crmRecord, error) {
	var out []crmRecord
	query := url.Values{
		"limit":      {strconv.Itoa(pageSize)},
		"properties": {strings.Join(props, ",")},
		"archived":   {"false"},
	}
	for {
		var p crmPage
		if err := client.Get(ctx, "crm/v3/objects/"+obj.name, query, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		after := p.after()
		if after == "" {
			return out, nil
		}
		query.Set("after", after)
	}
}

func (d *Driver) search(ctx context.Context, client *httpapi.Client, obj object, props []string, cursor string) ([]crmRecord, error) {
	since, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid stored cursor %q: %w", cursor, err)
	}
	body := searchRequest{
		Sorts:      []map[string]string{{"propertyName": obj.modified, "direction": "ASCENDING"}},
		Properties: props,
		Limit:      pageSize,
	}
	body.FilterGroups = make([]struct {
		Filters []searchFilter `json:"filters"`
	}, 1)
	body.FilterGroups[0].Filters = []searchFilter{{
		PropertyName: obj.modified,
		Operator:     "GTE",
		Value:        strconv.FormatInt(since.UnixMilli(), 10),
	}}

	var out []crmRecord
	for {
		var p crmPage
		if err := client.Post(ctx, "crm/v3/objects/"+obj.name+"/search", body, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		if body.After = p.after(); body.After == "" {
			return out, nil
		}
	}
}
