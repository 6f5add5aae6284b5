// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapErr(t *testing.T) {
	other := errors.New("boom")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}, ErrConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, ErrNotFound},
		{"other pg error", &pgconn.PgError{Code: "42P01"}, nil},
		{"other", other, other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr(tt.in)
			switch {
			case tt.in == nil:
				if got != nil {
					t.Errorf("mapErr(nil) = %v", got)
				}
			case tt.want == nil:
				if errors.Is(got, ErrNotFound) || errors.Is(got, ErrConflict) {
					t.Errorf("mapErr(%v) = %v, want passthrough", tt.in, got)
				}
			default:
				if !errors.Is(got, tt.want) {
					t.Errorf("mapErr(%v) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

func TestMapErrIncludesConstraint(t *testing.T) {
	err := mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "data_sources_project_id_name_key"})
	if !strings.Contains(err.Error(), "data_sources_project_id_name_key") {
		t.Errorf("error %q should name the constraint", err)
	}
}

func TestExpectRow(t *testing.T) {
	if err := expectRow(pgconn.NewCommandTag("UPDATE 0"), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("zero rows: err = %v", err)
	}
	if err := expectRow(pgconn.NewCommandTag("DELETE 1"), nil); err != nil {
		t.Errorf("one row: err = %v", err)
	}
	if err := expectRow(pgconn.CommandTag{}, pgx.ErrNoRows); !errors.Is(err, ErrNotFound) {
		t.Errorf("error passthrough: err = %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(entries))
	}
	for _, e := range entries {
		data, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+e.Name())
		if err != nil {
			t.Fatal(err)
		}
		body := string(data)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Errorf("%s lacks goose annotations", e.Name())
		}
	}
}

func TestCountUsageUnknownResource(t *testing.T) {
	db := &DB{}
	if _, err := db.CountUsage(context.Background(), 1, "widgets", time.Time{}); err == nil {
		t.Error("unknown resource should fail before touching the pool")
	}
}
