// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package linkedin implements the LinkedIn Marketing API driver.
package linkedin

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	baseURL         = "https://api.linkedin.com"
	defaultVersion  = "202501"
	restliProtocol  = "2.0.0"
	pageSize        = 100
	defaultLookback = 30 * 24 * time.Hour
)

// analyticsFields are requested from adAnalytics in addition to the
// date range and pivot.
var analyticsFields = []string{
	"impressions", "clicks", "costInLocalCurrency", "landingPageClicks",
	"externalWebsiteConversions", "likes", "shares", "comments", "videoViews",
}

var accountID = regexp.MustCompile(`^[0-9]+$`)

// Driver reads campaign analytics and campaigns of one ad account.
type Driver struct {
	BaseURL string
	// Version is sent as the LinkedIn-Version header (YYYYMM).
	Version string
	deps    httpapi.Deps
	now     func() time.Time
}

// New creates the linkedin_ads driver.
func New(deps httpapi.Deps) *Driver {
	return &Driver{BaseURL: baseURL, Version: defaultVersion, deps: deps, now: time.Now}
}

func (d *Driver) Type() models.SourceType { return models.SourceLinkedInAds }

func (d *Driver) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if err := c.Require("account_id"); err != nil {
		return err
	}
	if !accountID.MatchString(c.String("account_id")) {
		return drivers.Invalid("account_id must be numeric")
	}
	return nil
}

type linkedinDate struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

type analyticsResponse struct {
	Elements []map[string]any `json:"elements"`
}

type campaignsResponse struct {
	Elements []map[string]any `json:"elements"`
	Paging   struct {
		Start int `json:"start"`
		Count int `json:"count"`
		Total int `json:"total"`
	} `json:"paging"`
}

func (d *Driver) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	hc, err := req.Client(ctx)
	if err != nil {
		return nil, err
	}
	account := drivers.Config(req.DataSource.Config).String("account_id")
	client := httpapi.NewClient(d.deps, string(d.Type()), d.BaseURL, req.Key(), hc)
	client.Headers.Set("LinkedIn-Version", d.Version)
	client.Headers.Set("X-Restli-Protocol-Version", restliProtocol)

	since, until := req.Window(d.now(), defaultLookback)
	analytics, err := d.fetchAnalytics(ctx, client, account, since, until)
	if err != nil {
		return nil, fmt.Errorf("ad analytics: %w", err)
	}
	campaigns, err := d.fetchCampaigns(ctx, client, account)
	if err != nil {
		return nil, fmt.Errorf("campaigns: %w", err)
	}
	return &drivers.FetchResult{Datasets: []drivers.Dataset{analytics, campaigns}}, nil
}

// analyticsQuery builds the Rest.li query string. Rest.li structures use
// literal parentheses, so it cannot go through url.Values.
func analyticsQuery(account string, since, until time.Time) string {
	urn := url.QueryEscape("urn:li:sponsoredAccount:" + account)
	return strings.Join([]string{
		"q=analytics",
		"pivot=CAMPAIGN",
		"timeGranularity=DAILY",
		fmt.Sprintf("dateRange=(start:(year:%d,month:%d,day:%d),end:(year:%d,month:%d,day:%d))",
			since.Year(), int(since.Month()), since.Day(), until.Year(), int(until.Month()), until.Day()),
		"accounts=List(" + urn + ")",
		"fields=dateRange,pivotValues," + strings.Join(analyticsFields, ","),
	}, "&")
}

func (d *Driver) fetchAnalytics(ctx context.Context, client *httpapi.Client, account string, since, until time.Time) (drivers.Dataset, error) {
	var resp analyticsResponse
	err := client.Do(ctx, httpapi.Request{Path: "rest/adAnalytics", RawQuery: analyticsQuery(account, since, until)}, &resp)
	if err != nil {
		return drivers.Dataset{}, err
	}

	rs := drivers.NewRecordSet("date", "campaign_id", "campaign_urn")
	for _, el := range resp.Elements {
		rec := make(map[string]any, len(analyticsFields)+3)
		rec["date"] = elementDate(el)
		if pivots, ok := el["pivotValues"].([]any); ok && len(pivots) > 0 {
			if urn, ok := pivots[0].(string); ok {
				rec["campaign_urn"] = urn
				rec["campaign_id"] = urnID(urn)
			}
		}
		for _, f := range analyticsFields {
			if v, ok := el[f]; ok {
				rec[f] = v
			}
		}
		rs.Add(rec)
	}
	return rs.Dataset("campaign_analytics", warehouse.ModeUpsert, "date", "campaign_id"), nil
}

func (d *Driver) fetchCampaigns(ctx context.Context, client *httpapi.Client, account string) (drivers.Dataset, error) {
	rs := drivers.NewRecordSet("id", "name", "status")
	path := fmt.Sprintf("rest/adAccounts/%s/adCampaigns", account)
	for start := 0; ; start += pageSize {
		query := url.Values{
			"q":     {"search"},
			"start": {strconv.Itoa(start)},
			"count": {strconv.Itoa(pageSize)},
		}
		var resp campaignsResponse
		if err := client.Get(ctx, path, query, &resp); err != nil {
			return drivers.Dataset{}, err
		}
		for _, el := range resp.Elements {
			rs.Add(drivers.Flatten(el, 1))
		}
		if len(resp.Elements) < pageSize || (resp.Paging.Total > 0 && start+pageSize >= resp.Paging.Total) {
			break
		}
	}
	return rs.Dataset("campaigns", warehouse.ModeReplace), nil
}

// elementDate reads dateRange.start as an ISO date.
func elementDate(el map[string]any) any {
	dr, _ := el["dateRange"].(map[string]any)
	start, _ := dr["start"].(map[string]any)
	if start == nil {
		return nil
	}
	num := func(k string) int {
		f, _ := start[k].(float64)
		return int(f)
	}
	return time.Date(num("year"), time.Month(num("month")), num("day"), 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

// urnID returns the trailing numeric ID of a LinkedIn URN.
func urnID(urn string) string {
	if i := strings.LastIndexByte(urn, ':'); i >= 0 {
		return urn[i+1:]
	}
	return urn
}
