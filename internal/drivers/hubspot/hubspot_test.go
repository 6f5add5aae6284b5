// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package hubspot

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/testinfra"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

func record(id, updated string, props map[string]any) map[string]any {
	return map[string]any{"id": id, "properties": props, "createdAt": "2026-01-01T00:00:00Z", "updatedAt": updated, "archived": false}
}

func TestFetchListsWithPaging(t *testing.T) {
	api := testinfra.NewMockAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			testinfra.WriteJSON(w, http.StatusOK, map[string]any{
				"results": []any{record("1", "2026-03-01T00:00:00Z", map[string]any{"email": "a@x.io", "jobtitle": "CMO"})},
				"paging":  map[string]any{"next": map[string]any{"after": "1"}},
			})
			return
		}
		testinfra.WriteJSON(w, http.StatusOK, map[string]any{
			"results": []any{record("2", "2026-03-05T00:00:00Z", map[string]any{"email": "b@x.io"})},
		})
	})

	d := New(httpapi.Deps{})
	d.BaseURL = api.URL()
	cfg := map[string]any{
		"objects":    []any{"contacts"},
		"properties": map[string]any{"contacts": []any{"jobtitle"}},
	}
	require.NoError(t, d.ValidateConfig(cfg))

	res, err := d.Fetch(context.Background(), drivers.FetchRequest{
		DataSource: &models.DataSource{ID: 8, Config: cfg},
		HTTPClient: http.DefaultClient,
	})
	require.NoError(t, err)

	require.Len(t, res.Datasets, 1)
	ds := res.Datasets[0]
	assert.Equal(t, "contacts", ds.LogicalName)
	assert.Equal(t, warehouse.ModeUpsert, ds.Mode)
	assert.Equal(t, []string{"id"}, ds.Keys)
	assert.Equal(t, "id", ds.Columns[0])
	assert.Contains(t, ds.Columns, "jobtitle")
	require.Len(t, ds.Rows, 2)
	assert.Equal(t, "2", ds.Rows[1][0])
	assert.Equal(t, "2026-03-05T00:00:00Z", res.NextState["contacts_modified_after"])

	caps := api.Captures()
	require.Len(t, caps, 2)
	assert.Equal(t, "/crm/v3/objects/contacts", caps[0].Path)
	q, _ := url.ParseQuery(caps[0].Query)
	assert.True(t, strings.HasSuffix(q.Get("properties"), ",jobtitle"))
	q2, _ := url.ParseQuery(caps[1].Query)
	assert.Equal(t, "1", q2.Get("after"))
}

func TestFetchSearchesIncrementally(t *testing.T) {
	api := testinfra.NewMockAPI(t, func(w http.ResponseWriter, r *http.Request) {
		testinfra.WriteJSON(w, http.StatusOK, map[string]any{
			"results": []any{record("9", "2026-03-09T00:00:00Z", map[string]any{"dealname": "Big", "amount": "1000"})},
		})
	})
	d := New(httpapi.Deps{})
	d.BaseURL = api.URL()

	res, err := d.Fetch(context.Background(), drivers.FetchRequest{
		DataSource: &models.DataSource{ID: 8, Config: map[string]any{"objects": "deals"}},
		HTTPClient: http.DefaultClient,
		SyncState:  map[string]string{"deals_modified_after": "2026-03-01T00:00:00Z", "other": "kept"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09T00:00:00Z", res.NextState["deals_modified_after"])
	assert.Equal(t, "kept", res.NextState["other"])

	last := api.Last(t)
	assert.Equal(t, http.MethodPost, last.Method)
	assert.Equal(t, "/crm/v3/objects/deals/search", last.Path)
	var body searchRequest
	require.NoError(t, json.Unmarshal(last.Body, &body))
	require.Len(t, body.FilterGroups, 1)
	f := body.FilterGroups[0].Filters[0]
	assert.Equal(t, "hs_lastmodifieddate", f.PropertyName)
	assert.Equal(t, "GTE", f.Operator)
	assert.Equal(t, "1772323200000", f.Value)
}

func TestValidateConfig(t *testing.T) {
	d := New(httpapi.Deps{})
	assert.NoError(t, d.ValidateConfig(map[string]any{}))
	assert.ErrorIs(t, d.ValidateConfig(map[string]any{"objects": []any{"tickets"}}), drivers.ErrInvalidConfig)
}
