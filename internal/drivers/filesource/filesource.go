// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package filesource turns staged Excel, CSV and PDF uploads into
// datasets.
package filesource

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

// ErrEmptyFile is returned when an upload has no header row.
var ErrEmptyFile = errors.New("file has no data")

// Staging is the subset of the upload store the driver reads.
type Staging interface {
	Latest(ctx context.Context, dataSourceID int64) (uploads.Upload, []byte, error)
}

// Driver parses one file type.
type Driver struct {
	typ     models.SourceType
	staging Staging
}

// New creates the driver for excel, csv or pdf sources.
func New(t models.SourceType, staging Staging) *Driver {
	return &Driver{typ: t, staging: staging}
}

func (d *Driver) Type() models.SourceType { return d.typ }

// ValidateConfig accepts an optional table_name, and for CSV a one-rune
// delimiter.
func (d *Driver) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if delim := c.String("delimiter"); delim != "" && len([]rune(delim)) != 1 {
		return drivers.Invalid("delimiter must be a single character")
	}
	if d.typ == models.SourceExcel {
		for _, s := range c.Strings("sheets") {
			if strings.TrimSpace(s) == "" {
				return drivers.Invalid("sheet names must not be blank")
			}
		}
	}
	return nil
}

// Fetch parses the newest staged upload. Every dataset replaces its table.
func (d *Driver) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	up, data, err := d.staging.Latest(ctx, req.DataSource.ID)
	if err != nil {
		if errors.Is(err, uploads.ErrNotFound) {
			return nil, fmt.Errorf("%w: upload a file first", drivers.ErrNotConnected)
		}
		return nil, err
	}
	c := drivers.Config(req.DataSource.Config)
	name := c.StringDefault("table_name", strings.TrimSuffix(up.Filename, filepath.Ext(up.Filename)))

	var datasets []drivers.Dataset
	switch d.typ {
	case models.SourceExcel:
		datasets, err = parseExcel(data, c.Strings("sheets"))
	case models.SourceCSV:
		var ds drivers.Dataset
		ds, err = parseCSV(bytes.NewReader(data), delimiter(c.String("delimiter")))
		ds.LogicalName = name
		datasets = []drivers.Dataset{ds}
	case models.SourcePDF:
		var ds drivers.Dataset
		ds, err = parsePDF(data)
		ds.LogicalName = name
		datasets = []drivers.Dataset{ds}
	default:
		return nil, fmt.Errorf("%w: %s", drivers.ErrUnsupportedSource, d.typ)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", up.Filename, err)
	}
	return &drivers.FetchResult{Datasets: datasets}, nil
}

func delimiter(s string) rune {
	if s == "" {
		return ','
	}
	if s == `\t` {
		return '\t'
	}
	return []rune(s)[0]
}

// tableFromRecords uses the first record as the header. Short rows are
// padded with nil and blank rows are dropped.
func tableFromRecords(records [][]string) (drivers.Dataset, error) {
	for len(records) > 0 && blank(records[0]) {
		records = records[1:]
	}
	if len(records) == 0 {
		return drivers.Dataset{}, ErrEmptyFile
	}
	header := records[0]
	for len(header) > 0 && strings.TrimSpace(header[len(header)-1]) == "" {
		header = header[:len(header)-1]
	}
	cols := make([]string, len(header))
	for i, h := range header {
		if cols[i] = strings.TrimSpace(h); cols[i] == "" {
			cols[i] = fmt.Sprintf("column_%d", i+1)
		}
	}

	ds := drivers.Dataset{Columns: cols, Mode: warehouse.ModeReplace}
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := make([]any, len(cols))
		for i := range cols {
			if i < len(rec) {
				if v := strings.TrimSpace(rec[i]); v != "" {
					row[i] = v
				}
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseCSV(r io.Reader, delim rune) (drivers.Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return drivers.Dataset{}, err
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return tableFromRecords(records)
}

// parseExcel returns one dataset per sheet, optionally limited to sheets.
// Empty sheets are skipped.
func parseExcel(data []byte, sheets []string) ([]drivers.Dataset, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if len(sheets) == 0 {
		sheets = f.GetSheetList()
	}
	var out []drivers.Dataset
	for _, sheet := range sheets {
		idx, err := f.GetSheetIndex(sheet)
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			return nil, fmt.Errorf("sheet %q not found", sheet)
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		ds, err := tableFromRecords(rows)
		if errors.Is(err, ErrEmptyFile) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ds.LogicalName = sheet
		out = append(out, ds)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}
