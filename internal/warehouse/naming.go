// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package warehouse owns the Postgres warehouse schema: physical table
// naming, DDL, bulk writes and the metadata that maps physical tables back
// to the names users know them by.
package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// MaxIdentifierLength is the Postgres NAMEDATALEN-1 limit. Longer
// identifiers are silently truncated by the server, so every generated
// name is kept within it.
const MaxIdentifierLength = 63

const hashLength = 10

// PhysicalTableName returns the warehouse table for a source's logical table.
//
// The layout is ds<id>_<hash>_<slug>, where hash is the first 10 hex
// characters of sha256("<id>:<logical>") and slug is a sanitized copy of the
// logical name. The hash keeps names unique when slugs collide or are
// truncated; the slug keeps them readable in psql. The result is
// deterministic for a given input.
func PhysicalTableName(dataSourceID int64, logicalName string) string {
	return hashedName("ds", dataSourceID, logicalName)
}

// DataModelTableName returns the table a materialized data model is written to.
func DataModelTableName(dataModelID int64, name string) string {
	return hashedName("dm", dataModelID, name)
}

func hashedName(prefix string, id int64, logical string) string {
	idStr := strconv.FormatInt(id, 10)
	sum := sha256.Sum256([]byte(idStr + ":" + logical))
	base := prefix + idStr + "_" + hex.EncodeToString(sum[:])[:hashLength]

	s := slug(logical)
	if s == "" {
		return base
	}
	return truncateIdentifier(base + "_" + s)
}

// slug lower-cases s and collapses every run of characters outside
// [a-z0-9] to a single underscore, trimming underscores at both ends.
func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func truncateIdentifier(s string) string {
	if len(s) > MaxIdentifierLength {
		s = s[:MaxIdentifierLength]
	}
	return strings.TrimRight(s, "_")
}

// ColumnNames maps source column names to unique, valid physical column
// names, preserving order.
func ColumnNames(logical []string) []string {
	out := make([]string, len(logical))
	used := make(map[string]bool, len(logical))

	for i, name := range logical {
		base := slug(name)
		switch {
		case base == "":
			base = "col_" + strconv.Itoa(i+1)
		case base[0] >= '0' && base[0] <= '9':
			base = "c_" + base
		}
		base = truncateIdentifier(base)

		candidate := base
		for n := 2; used[candidate]; n++ {
			suffix := "_" + strconv.Itoa(n)
			stem := base
			if len(stem)+len(suffix) > MaxIdentifierLength {
				stem = strings.TrimRight(stem[:MaxIdentifierLength-len(suffix)], "_")
			}
			candidate = stem + suffix
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}

// Quote returns the schema-qualified, quoted identifier for a table.
func Quote(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// QuoteColumn quotes a single column identifier.
func QuoteColumn(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
