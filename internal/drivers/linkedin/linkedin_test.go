// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package linkedin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/testinfra"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

func TestAnalyticsQuery(t *testing.T) {
	since := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	q := analyticsQuery("507", since, until)

	assert.Contains(t, q, "dateRange=(start:(year:2026,month:2,day:27),end:(year:2026,month:3,day:5))")
	assert.Contains(t, q, "accounts=List(urn%3Ali%3AsponsoredAccount%3A507)")
	assert.True(t, strings.HasPrefix(q, "q=analytics&pivot=CAMPAIGN&timeGranularity=DAILY"))
}

func TestFetch(t *testing.T) {
	campaigns := func(start int) []any {
		n := pageSize
		if start > 0 {
			n = 3
		}
		out := make([]any, n)
		for i := range out {
			out[i] = map[string]any{"id": float64(start + i), "name": fmt.Sprintf("c%d", start+i), "status": "ACTIVE"}
		}
		return out
	}
	api := testinfra.NewMockAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/adAnalytics":
			testinfra.WriteJSON(w, http.StatusOK, map[string]any{"elements": []any{
				map[string]any{
					"dateRange":           map[string]any{"start": map[string]any{"year": 2026, "month": 3, "day": 1}},
					"pivotValues":         []any{"urn:li:sponsoredCampaign:9001"},
					"impressions":         1200,
					"clicks":              31,
					"costInLocalCurrency": "45.10",
				},
			}})
		case "/rest/adAccounts/507/adCampaigns":
			start := 0
			_, _ = fmt.Sscan(r.URL.Query().Get("start"), &start)
			testinfra.WriteJSON(w, http.StatusOK, map[string]any{"elements": campaigns(start)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	d := New(httpapi.Deps{})
	d.BaseURL = api.URL()
	d.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }

	cfg := map[string]any{"account_id": "507"}
	require.NoError(t, d.ValidateConfig(cfg))
	res, err := d.Fetch(context.Background(), drivers.FetchRequest{
		DataSource: &models.DataSource{ID: 3, Config: cfg},
		HTTPClient: http.DefaultClient,
	})
	require.NoError(t, err)
	require.Len(t, res.Datasets, 2)

	analytics := res.Datasets[0]
	assert.Equal(t, "campaign_analytics", analytics.LogicalName)
	assert.Equal(t, warehouse.ModeUpsert, analytics.Mode)
	assert.Equal(t, []string{"date", "campaign_id"}, analytics.Keys)
	require.Len(t, analytics.Rows, 1)
	assert.Equal(t, []any{"2026-03-01", "9001", "urn:li:sponsoredCampaign:9001"}, analytics.Rows[0][:3])

	campaignSet := res.Datasets[1]
	assert.Equal(t, warehouse.ModeReplace, campaignSet.Mode)
	assert.Len(t, campaignSet.Rows, pageSize+3)

	caps := api.Captures()
	require.Len(t, caps, 3)
	assert.Equal(t, defaultVersion, caps[0].Headers.Get("LinkedIn-Version"))
	assert.Equal(t, "2.0.0", caps[0].Headers.Get("X-Restli-Protocol-Version"))
	assert.Contains(t, caps[2].Query, "start=100")
}

func TestValidateConfig(t *testing.T) {
	d := New(httpapi.Deps{})
	assert.ErrorIs(t, d.ValidateConfig(map[string]any{}), drivers.ErrInvalidConfig)
	assert.ErrorIs(t, d.ValidateConfig(map[string]any{"account_id": "urn:li:x"}), drivers.ErrInvalidConfig)
}

func TestURNID(t *testing.T) {
	assert.Equal(t, "9001", urnID("urn:li:sponsoredCampaign:9001"))
	assert.Equal(t, "plain", urnID("plain"))
}
