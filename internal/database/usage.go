// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package database

import (
	"context"
	"fmt"
	"time"
)

// Usage queries count resources across every project an account owns.
// Tier limits belong to the owner, whoever creates the resource.
var usageQueries = map[string]string{
	"projects": `SELECT count(*) FROM projects WHERE owner_id = $1`,
	"data_sources": `SELECT count(*) FROM data_sources d
		JOIN projects p ON p.id = d.project_id WHERE p.owner_id = $1`,
	"data_models": `SELECT count(*) FROM data_models m
		JOIN projects p ON p.id = m.project_id WHERE p.owner_id = $1`,
	"dashboards": `SELECT count(*) FROM dashboards b
		JOIN projects p ON p.id = b.project_id WHERE p.owner_id = $1`,
	"ai_analyses": `SELECT count(*) FROM analyses a
		JOIN projects p ON p.id = a.project_id WHERE p.owner_id = $1 AND a.created_at >= $2`,
}

// CountUsage returns how many of resource the owner has. since only
// applies to metered resources (AI analyses).
func (db *DB) CountUsage(ctx context.Context, ownerID int64, resource string, since time.Time) (int, error) {
	q, ok := usageQueries[resource]
	if !ok {
		return 0, fmt.Errorf("unknown usage resource %q", resource)
	}
	args := []any{ownerID}
	if resource == "ai_analyses" {
		args = append(args, since)
	}
	var n int
	if err := db.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", resource, err)
	}
	return n, nil
}
