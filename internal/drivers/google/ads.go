// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package google

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const adsBaseURL = "https://googleads.googleapis.com/v18"

// GAQL placeholders replaced with the sync window.
const (
	sincePlaceholder = "{{since}}"
	untilPlaceholder = "{{until}}"
)

type adsReport struct {
	Name  string
	Query string
	Keys  []string
}

var defaultAdsReports = []adsReport{
	{
		Name: "campaign_performance",
		Query: `SELECT segments.date, campaign.id, campaign.name, campaign.status,
  campaign.advertising_channel_type, metrics.impressions, metrics.clicks,
  metrics.cost_micros, metrics.conversions, metrics.conversions_value
FROM campaign
WHERE segments.date BETWEEN '{{since}}' AND '{{until}}'`,
		Keys: []string{"segments.date", "campaign.id"},
	},
	{
		Name: "ad_group_performance",
		Query: `SELECT segments.date, campaign.id, ad_group.id, ad_group.name, ad_group.status,
  metrics.impressions, metrics.clicks, metrics.cost_micros, metrics.conversions
FROM ad_group
WHERE segments.date BETWEEN '{{since}}' AND '{{until}}'`,
		Keys: []string{"segments.date", "adGroup.id"},
	},
}

// Ads runs GAQL reports against the Google Ads search endpoint.
type Ads struct {
	BaseURL        string
	DeveloperToken string
	// LoginCustomerID is the manager account used when a source sets none.
	LoginCustomerID string
	deps            httpapi.Deps
	now             func() time.Time
}

// NewAds creates the google_ads driver.
func NewAds(deps httpapi.Deps, developerToken, loginCustomerID string) *Ads {
	return &Ads{
		BaseURL:         adsBaseURL,
		DeveloperToken:  developerToken,
		LoginCustomerID: loginCustomerID,
		deps:            deps,
		now:             time.Now,
	}
}

func (a *Ads) Type() models.SourceType { return models.SourceGoogleAds }

// ValidateConfig requires a customer_id. Dashes are allowed.
func (a *Ads) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if err := c.Require("customer_id"); err != nil {
		return err
	}
	if !numericID.MatchString(customerID(c.String("customer_id"))) {
		return drivers.Invalid("customer_id must look like 123-456-7890")
	}
	if login := c.String("login_customer_id"); login != "" && !numericID.MatchString(customerID(login)) {
		return drivers.Invalid("login_customer_id must look like 123-456-7890")
	}
	for i, r := range c.Maps("reports") {
		if r.String("name") == "" || r.String("query") == "" {
			return drivers.Invalid("report %d needs a name and a query", i+1)
		}
		if len(r.Strings("keys")) == 0 {
			return drivers.Invalid("report %q needs upsert keys", r.String("name"))
		}
	}
	return nil
}

func customerID(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-", "")
}

func adsReports(c drivers.Config) []adsReport {
	configured := c.Maps("reports")
	if len(configured) == 0 {
		return defaultAdsReports
	}
	out := make([]adsReport, 0, len(configured))
	for _, r := range configured {
		out = append(out, adsReport{Name: r.String("name"), Query: r.String("query"), Keys: r.Strings("keys")})
	}
	return out
}

type searchRequest struct {
	Query     string `json:"query"`
	PageToken string `json:"pageToken,omitempty"`
}

type searchResponse struct {
	Results       []map[string]any `json:"results"`
	NextPageToken string           `json:"nextPageToken"`
}

// Fetch pages each GAQL report by nextPageToken and upserts on (date, id).
func (a *Ads) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	if a.DeveloperToken == "" {
		return nil, fmt.Errorf("%w: google ads developer token is not configured", drivers.ErrNotConnected)
	}
	hc, err := req.Client(ctx)
	if err != nil {
		return nil, err
	}
	c := drivers.Config(req.DataSource.Config)
	client := httpapi.NewClient(a.deps, string(a.Type()), a.BaseURL, req.Key(), hc)
	client.Headers.Set("developer-token", a.DeveloperToken)
	if login := customerID(c.StringDefault("login_customer_id", a.LoginCustomerID)); login != "" {
		client.Headers.Set("login-customer-id", login)
	}

	since, until := req.Window(a.now(), defaultLookback)
	path := fmt.Sprintf("customers/%s/googleAds:search", customerID(c.String("customer_id")))

	result := &drivers.FetchResult{}
	for _, report := range adsReports(c) {
		query := strings.NewReplacer(
			sincePlaceholder, since.Format(dateLayout),
			untilPlaceholder, until.Format(dateLayout),
		).Replace(report.Query)

		rs := drivers.NewRecordSet(report.Keys...)
		body := searchRequest{Query: query}
		for {
			var resp searchResponse
			err := client.Do(ctx, httpapi.Request{Method: http.MethodPost, Path: path, Body: body}, &resp)
			if err != nil {
				return nil, fmt.Errorf("report %s: %w", report.Name, err)
			}
			for _, row := range resp.Results {
				rs.Add(drivers.Flatten(row, 2))
			}
			if resp.NextPageToken == "" {
				break
			}
			body.PageToken = resp.NextPageToken
		}
		result.Datasets = append(result.Datasets, rs.Dataset(report.Name, warehouse.ModeUpsert, report.Keys...))
	}
	return result, nil
}
