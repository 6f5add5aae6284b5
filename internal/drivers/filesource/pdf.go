// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package filesource

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/tomtom215/marketscope/internal/drivers"
)

// columnGap splits a text line into cells.
var columnGap = regexp.MustCompile(`\s{2,}`)

// Gaps between glyph runs, as fractions of the font size.
const (
	cellGapRatio = 1.0
	wordGapRatio = 0.2
)

// parsePDF extracts text lines page by page and reads them as a table.
func parsePDF(data []byte) (drivers.Dataset, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return drivers.Dataset{}, err
	}
	var lines []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return drivers.Dataset{}, fmt.Errorf("page %d: %w", i, err)
		}
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].Position > rows[b].Position })
		for _, row := range rows {
			if line := joinTexts(row.Content); strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
	}
	return parseTextTable(lines)
}

// joinTexts rebuilds a line from positioned glyph runs. Wide gaps become
// two spaces so they split as cells.
func joinTexts(texts pdf.TextHorizontal) string {
	sorted := append(pdf.TextHorizontal(nil), texts...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].X < sorted[b].X })

	var sb strings.Builder
	for i, t := range sorted {
		if i > 0 {
			prev := sorted[i-1]
			gap := t.X - (prev.X + prev.W)
			size := t.FontSize
			if size <= 0 {
				size = 10
			}
			switch {
			case gap > size*cellGapRatio:
				sb.WriteString("  ")
			case gap > size*wordGapRatio:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(t.S)
	}
	return sb.String()
}

// parseTextTable splits lines on runs of two or more spaces. The most
// common cell count among multi-cell lines defines the table; the first
// line with that count is the header and later lines with the same count
// are rows.
func parseTextTable(lines []string) (drivers.Dataset, error) {
	split := make([][]string, 0, len(lines))
	counts := make(map[int]int)
	for _, line := range lines {
		cells := columnGap.Split(strings.TrimSpace(line), -1)
		split = append(split, cells)
		if len(cells) >= 2 {
			counts[len(cells)]++
		}
	}

	modal, best := 0, 0
	for n, c := range counts {
		if c > best || (c == best && n > modal) {
			modal, best = n, c
		}
	}
	if modal == 0 {
		return drivers.Dataset{}, fmt.Errorf("%w: no tabular text found", ErrEmptyFile)
	}

	var records [][]string
	for _, cells := range split {
		if len(cells) == modal {
			records = append(records, cells)
		}
	}
	return tableFromRecords(records)
}
