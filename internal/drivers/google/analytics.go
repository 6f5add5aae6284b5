// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package google holds the drivers for Google Analytics 4, Google Ads and
// Google Ad Manager. All three authenticate with a Google OAuth token.
package google

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	analyticsBaseURL  = "https://analyticsdata.googleapis.com/v1beta"
	analyticsPageSize = 10000
	defaultLookback   = 30 * 24 * time.Hour
	dateLayout        = "2006-01-02"
)

var numericID = regexp.MustCompile(`^[0-9]+$`)

// defaultAnalyticsReport is used when a source configures no reports.
var defaultAnalyticsReport = analyticsReport{
	Name:       "traffic",
	Dimensions: []string{"date", "sessionDefaultChannelGroup", "deviceCategory"},
	Metrics:    []string{"sessions", "totalUsers", "newUsers", "screenPageViews", "conversions"},
}

type analyticsReport struct {
	Name       string
	Dimensions []string
	Metrics    []string
}

// Analytics pulls GA4 Data API reports.
type Analytics struct {
	BaseURL  string
	PageSize int
	deps     httpapi.Deps
	now      func() time.Time
}

// NewAnalytics creates the google_analytics driver.
func NewAnalytics(deps httpapi.Deps) *Analytics {
	return &Analytics{BaseURL: analyticsBaseURL, PageSize: analyticsPageSize, deps: deps, now: time.Now}
}

func (a *Analytics) Type() models.SourceType { return models.SourceGoogleAnalytics }

// ValidateConfig requires a numeric property_id. Custom reports need a
// name and at least one metric.
func (a *Analytics) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if err := c.Require("property_id"); err != nil {
		return err
	}
	if !numericID.MatchString(c.String("property_id")) {
		return drivers.Invalid("property_id must be numeric")
	}
	for i, r := range c.Maps("reports") {
		if r.String("name") == "" {
			return drivers.Invalid("report %d has no name", i+1)
		}
		if len(r.Strings("metrics")) == 0 {
			return drivers.Invalid("report %q has no metrics", r.String("name"))
		}
	}
	return nil
}

func analyticsReports(c drivers.Config) []analyticsReport {
	configured := c.Maps("reports")
	if len(configured) == 0 {
		return []analyticsReport{defaultAnalyticsReport}
	}
	out := make([]analyticsReport, 0, len(configured))
	for _, r := range configured {
		out = append(out, analyticsReport{
			Name:       r.String("name"),
			Dimensions: r.Strings("dimensions"),
			Metrics:    r.Strings("metrics"),
		})
	}
	return out
}

type gaName struct {
	Name string `json:"name"`
}

type gaDateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type runReportRequest struct {
	DateRanges []gaDateRange `json:"dateRanges"`
	Dimensions []gaName      `json:"dimensions,omitempty"`
	Metrics    []gaName      `json:"metrics"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}

type gaValue struct {
	Value string `json:"value"`
}

type runReportResponse struct {
	DimensionHeaders []gaName `json:"dimensionHeaders"`
	MetricHeaders    []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"metricHeaders"`
	Rows []struct {
		DimensionValues []gaValue `json:"dimensionValues"`
		MetricValues    []gaValue `json:"metricValues"`
	} `json:"rows"`
	RowCount int `json:"rowCount"`
}

// Fetch runs each report over [Since, today] and pages by offset until
// rowCount rows are read.
func (a *Analytics) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	hc, err := req.Client(ctx)
	if err != nil {
		return nil, err
	}
	c := drivers.Config(req.DataSource.Config)
	client := httpapi.NewClient(a.deps, string(a.Type()), a.BaseURL, req.Key(), hc)
	since, until := req.Window(a.now(), defaultLookback)
	path := fmt.Sprintf("properties/%s:runReport", c.String("property_id"))

	result := &drivers.FetchResult{}
	for _, report := range analyticsReports(c) {
		ds, err := a.runReport(ctx, client, path, report, since, until)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", report.Name, err)
		}
		result.Datasets = append(result.Datasets, ds)
	}
	return result, nil
}

func (a *Analytics) runReport(ctx context.Context, client *httpapi.Client, path string, report analyticsReport, since, until time.Time) (drivers.Dataset, error) {
	body := runReportRequest{
		DateRanges: []gaDateRange{{StartDate: since.Format(dateLayout), EndDate: until.Format(dateLayout)}},
		Limit:      a.PageSize,
	}
	for _, d := range report.Dimensions {
		body.Dimensions = append(body.Dimensions, gaName{Name: d})
	}
	for _, m := range report.Metrics {
		body.Metrics = append(body.Metrics, gaName{Name: m})
	}

	ds := drivers.Dataset{LogicalName: report.Name, Mode: warehouse.ModeReplace}
	ds.Columns = append(append(ds.Columns, report.Dimensions...), report.Metrics...)
	for {
		var resp runReportResponse
		if err := client.Post(ctx, path, body, &resp); err != nil {
			return ds, err
		}
		for _, row := range resp.Rows {
			values := make([]any, 0, len(ds.Columns))
			for i, v := range row.DimensionValues {
				values = append(values, dimensionValue(resp.DimensionHeaders[i].Name, v.Value))
			}
			for i, v := range row.MetricValues {
				values = append(values, metricValue(resp.MetricHeaders[i].Type, v.Value))
			}
			ds.Rows = append(ds.Rows, values)
		}
		body.Offset += len(resp.Rows)
		if len(resp.Rows) == 0 || body.Offset >= resp.RowCount {
			return ds, nil
		}
	}
}

// dimensionValue turns GA's compact dates (20260131) into ISO dates.
func dimensionValue(name, v string) any {
	if name == "date" && len(v) == 8 {
		if t, err := time.Parse("20060102", v); err == nil {
			return t.Format(dateLayout)
		}
	}
	return v
}

func metricValue(typ, v string) any {
	switch typ {
	case "TYPE_INTEGER":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "TYPE_FLOAT", "TYPE_SECONDS", "TYPE_MILLISECONDS", "TYPE_CURRENCY",
		"TYPE_STANDARD", "TYPE_MINUTES", "TYPE_HOURS", "TYPE_FEET", "TYPE_MILES",
		"TYPE_METERS", "TYPE_KILOMETERS":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
