// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package google

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/drivers/httpapi"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	adManagerBaseURL  = "https://admanager.googleapis.com/v1"
	adManagerPageSize = 1000
)

// ErrReportFailed is returned when an Ad Manager report run ends in error.
var ErrReportFailed = errors.New("ad manager report failed")

// AdManager runs a saved Ad Manager report and reads its rows.
type AdManager struct {
	BaseURL         string
	PageSize        int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	deps            httpapi.Deps
}

// NewAdManager creates the google_ad_manager driver.
func NewAdManager(deps httpapi.Deps) *AdManager {
	return &AdManager{
		BaseURL:         adManagerBaseURL,
		PageSize:        adManagerPageSize,
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		deps:            deps,
	}
}

func (a *AdManager) Type() models.SourceType { return models.SourceGoogleAdManager }

// ValidateConfig requires network_code and report_id.
func (a *AdManager) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if err := c.Require("network_code", "report_id"); err != nil {
		return err
	}
	if !numericID.MatchString(c.String("network_code")) || !numericID.MatchString(c.String("report_id")) {
		return drivers.Invalid("network_code and report_id must be numeric")
	}
	return nil
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response struct {
		ReportResult string `json:"reportResult"`
	} `json:"response"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type dfpValue struct {
	IntValue    *string  `json:"intValue"`
	DoubleValue *float64 `json:"doubleValue"`
	StringValue *string  `json:"stringValue"`
	BoolValue   *bool    `json:"boolValue"`
}

func (v dfpValue) value() any {
	switch {
	case v.IntValue != nil:
		if n, err := strconv.ParseInt(*v.IntValue, 10, 64); err == nil {
			return n
		}
		return *v.IntValue
	case v.DoubleValue != nil:
		return *v.DoubleValue
	case v.StringValue != nil:
		return *v.StringValue
	case v.BoolValue != nil:
		return *v.BoolValue
	}
	return nil
}

type fetchRowsResponse struct {
	Rows []struct {
		DimensionValues   []dfpValue `json:"dimensionValues"`
		MetricValueGroups []struct {
			PrimaryValues []dfpValue `json:"primaryValues"`
		} `json:"metricValueGroups"`
	} `json:"rows"`
	TotalRowCount int    `json:"totalRowCount"`
	NextPageToken string `json:"nextPageToken"`
}

// Fetch starts the report run, polls the operation until done and pages
// through the result rows.
func (a *AdManager) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	hc, err := req.Client(ctx)
	if err != nil {
		return nil, err
	}
	c := drivers.Config(req.DataSource.Config)
	client := httpapi.NewClient(a.deps, string(a.Type()), a.BaseURL, req.Key(), hc)

	var op operation
	run := fmt.Sprintf("networks/%s/reports/%s:run", c.String("network_code"), c.String("report_id"))
	if err := client.Post(ctx, run, struct{}{}, &op); err != nil {
		return nil, fmt.Errorf("failed to start report: %w", err)
	}
	if err := a.wait(ctx, client, &op); err != nil {
		return nil, err
	}

	ds, err := a.fetchRows(ctx, client, op.Response.ReportResult, c.Strings("dimensions"), c.Strings("metrics"))
	if err != nil {
		return nil, err
	}
	ds.LogicalName = c.StringDefault("table_name", "report_"+c.String("report_id"))
	return &drivers.FetchResult{Datasets: []drivers.Dataset{ds}}, nil
}

// wait polls op with doubling delays until done or ctx ends.
func (a *AdManager) wait(ctx context.Context, client *httpapi.Client, op *operation) error {
	delay := a.PollInterval
	for !op.Done {
		logging.Ctx(ctx).Debug().Str("operation", op.Name).Dur("delay", delay).Msg("Waiting for ad manager report")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("report did not finish: %w", ctx.Err())
		case <-timer.C:
		}
		if err := client.Get(ctx, op.Name, nil, op); err != nil {
			return fmt.Errorf("failed to poll report: %w", err)
		}
		if delay *= 2; delay > a.MaxPollInterval {
			delay = a.MaxPollInterval
		}
	}
	if op.Error != nil {
		return fmt.Errorf("%w: %s (code %d)", ErrReportFailed, op.Error.Message, op.Error.Code)
	}
	if op.Response.ReportResult == "" {
		return fmt.Errorf("%w: operation finished without a result", ErrReportFailed)
	}
	return nil
}

func (a *AdManager) fetchRows(ctx context.Context, client *httpapi.Client, result string, dims, metrics []string) (drivers.Dataset, error) {
	ds := drivers.Dataset{Mode: warehouse.ModeReplace}
	query := url.Values{"pageSize": {strconv.Itoa(a.PageSize)}}
	for {
		var resp fetchRowsResponse
		if err := client.Get(ctx, result+":fetchRows", query, &resp); err != nil {
			return ds, fmt.Errorf("failed to fetch report rows: %w", err)
		}
		for _, row := range resp.Rows {
			values := make([]any, 0, len(row.DimensionValues)+len(dims))
			for _, v := range row.DimensionValues {
				values = append(values, v.value())
			}
			if len(row.MetricValueGroups) > 0 {
				for _, v := range row.MetricValueGroups[0].PrimaryValues {
					values = append(values, v.value())
				}
			}
			if ds.Columns == nil {
				ds.Columns = columnLabels(dims, metrics, len(row.DimensionValues), len(values)-len(row.DimensionValues))
			}
			ds.Rows = append(ds.Rows, values)
		}
		if resp.NextPageToken == "" {
			return ds, nil
		}
		query.Set("pageToken", resp.NextPageToken)
	}
}

// columnLabels names report columns from config, filling gaps with
// positional names since fetchRows returns no headers.
func columnLabels(dims, metrics []string, nDims, nMetrics int) []string {
	cols := make([]string, 0, nDims+nMetrics)
	for i := 0; i < nDims; i++ {
		if i < len(dims) {
			cols = append(cols, dims[i])
		} else {
			cols = append(cols, fmt.Sprintf("dimension_%d", i+1))
		}
	}
	for i := 0; i < nMetrics; i++ {
		if i < len(metrics) {
			cols = append(cols, metrics[i])
		} else {
			cols = append(cols, fmt.Sprintf("metric_%d", i+1))
		}
	}
	return cols
}
