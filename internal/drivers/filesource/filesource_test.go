// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package filesource

import (
	"context"
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

type stagedFile struct {
	up   uploads.Upload
	data []byte
	err  error
}

func (s stagedFile) Latest(context.Context, int64) (uploads.Upload, []byte, error) {
	return s.up, s.data, s.err
}

func fetch(t *testing.T, typ models.SourceType, filename string, data []byte, cfg map[string]any) (*drivers.FetchResult, error) {
	t.Helper()
	d := New(typ, stagedFile{up: uploads.Upload{Filename: filename}, data: data})
	if cfg == nil {
		cfg = map[string]any{}
	}
	require.NoError(t, d.ValidateConfig(cfg))
	return d.Fetch(context.Background(), drivers.FetchRequest{DataSource: &models.DataSource{ID: 1, Config: cfg}})
}

func TestCSV(t *testing.T) {
	data := "\ufeffDate,Campaign,Spend\n2026-03-01,Spring,12.5\n\n2026-03-02,Summer\n"
	res, err := fetch(t, models.SourceCSV, "ad spend.csv", []byte(data), nil)
	require.NoError(t, err)

	require.Len(t, res.Datasets, 1)
	ds := res.Datasets[0]
	assert.Equal(t, "ad spend", ds.LogicalName)
	assert.Equal(t, warehouse.ModeReplace, ds.Mode)
	assert.Equal(t, []string{"Date", "Campaign", "Spend"}, ds.Columns)
	assert.Equal(t, [][]any{
		{"2026-03-01", "Spring", "12.5"},
		{"2026-03-02", "Summer", nil},
	}, ds.Rows)
}

func TestCSVDelimiterAndTableName(t *testing.T) {
	cfg := map[string]any{"delimiter": ";", "table_name": "leads"}
	res, err := fetch(t, models.SourceCSV, "x.csv", []byte("a;b\n1;2\n"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "leads", res.Datasets[0].LogicalName)
	assert.Equal(t, []string{"a", "b"}, res.Datasets[0].Columns)
}

func TestCSVEmpty(t *testing.T) {
	_, err := fetch(t, models.SourceCSV, "x.csv", []byte("\n\n"), nil)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestExcelSheets(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Region", "Revenue"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"EMEA", 1200}))
	_, err := f.NewSheet("Empty")
	require.NoError(t, err)
	_, err = f.NewSheet("Targets")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Targets", "A1", &[]any{"Quarter", "Goal", ""}))
	require.NoError(t, f.SetSheetRow("Targets", "A2", &[]any{"Q1", 5000}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := fetch(t, models.SourceExcel, "plan.xlsx", buf.Bytes(), nil)
	require.NoError(t, err)
	require.Len(t, res.Datasets, 2)
	assert.Equal(t, "Sheet1", res.Datasets[0].LogicalName)
	assert.Equal(t, []string{"Region", "Revenue"}, res.Datasets[0].Columns)
	assert.Equal(t, [][]any{{"EMEA", "1200"}}, res.Datasets[0].Rows)
	assert.Equal(t, "Targets", res.Datasets[1].LogicalName)
	assert.Equal(t, []string{"Quarter", "Goal"}, res.Datasets[1].Columns)

	res, err = fetch(t, models.SourceExcel, "plan.xlsx", buf.Bytes(), map[string]any{"sheets": []any{"Targets"}})
	require.NoError(t, err)
	require.Len(t, res.Datasets, 1)

	_, err = fetch(t, models.SourceExcel, "plan.xlsx", buf.Bytes(), map[string]any{"sheets": []any{"Nope"}})
	assert.Error(t, err)
}

func TestParseTextTable(t *testing.T) {
	lines := []string{
		"ACME Corp Monthly Report",
		"Generated  2026-03-10",
		"Channel    Visits   Conversions",
		"Email      1200     35",
		"Paid Search    800    20",
		"Page 1 of 1",
		"Social     450      7",
	}
	ds, err := parseTextTable(lines)
	require.NoError(t, err)
	assert.Equal(t, []string{"Channel", "Visits", "Conversions"}, ds.Columns)
	assert.Equal(t, [][]any{
		{"Email", "1200", "35"},
		{"Paid Search", "800", "20"},
		{"Social", "450", "7"},
	}, ds.Rows)
}

func TestParseTextTableWithoutTable(t *testing.T) {
	_, err := parseTextTable([]string{"just prose", "more prose"})
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestJoinTexts(t *testing.T) {
	texts := pdf.TextHorizontal{
		{S: "Visits", X: 100, W: 30, FontSize: 10},
		{S: "Paid", X: 0, W: 20, FontSize: 10},
		{S: "Search", X: 23, W: 30, FontSize: 10},
	}
	assert.Equal(t, "Paid Search  Visits", joinTexts(texts))
}

func TestMissingUpload(t *testing.T) {
	d := New(models.SourcePDF, stagedFile{err: uploads.ErrNotFound})
	_, err := d.Fetch(context.Background(), drivers.FetchRequest{DataSource: &models.DataSource{ID: 1}})
	assert.ErrorIs(t, err, drivers.ErrNotConnected)
}

func TestValidateDelimiter(t *testing.T) {
	d := New(models.SourceCSV, nil)
	assert.ErrorIs(t, d.ValidateConfig(map[string]any{"delimiter": "ab"}), drivers.ErrInvalidConfig)
	assert.True(t, strings.ContainsRune(string(delimiter(`\t`)), '\t'))
}
