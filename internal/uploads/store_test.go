// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package uploads

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/models"
)

func openTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := Open(config.UploadsConfig{InMemory: true, MaxBytes: maxBytes, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndLatest(t *testing.T) {
	s := openTestStore(t, 1024)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if _, err := s.Put(ctx, 7, "/tmp/../first.csv", strings.NewReader("a,b\n1,2\n")); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	s.now = func() time.Time { return base.Add(time.Minute) }
	second, err := s.Put(ctx, 7, "second.csv", strings.NewReader("x\n9\n"))
	if err != nil {
		t.Fatalf("Put second: %v", err)
	}
	if _, err := s.Put(ctx, 8, "other.csv", strings.NewReader("z\n")); err != nil {
		t.Fatalf("Put other: %v", err)
	}

	up, data, err := s.Latest(ctx, 7)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if up.ID != second.ID || up.Filename != "second.csv" || up.Size != 4 {
		t.Errorf("Latest = %+v, want the second upload", up)
	}
	if string(data) != "x\n9\n" {
		t.Errorf("data = %q", data)
	}
}

func TestPutSanitizesFilename(t *testing.T) {
	s := openTestStore(t, 1024)
	up, err := s.Put(context.Background(), 1, "../../etc/report.csv", strings.NewReader("a\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if up.Filename != "report.csv" {
		t.Errorf("Filename = %q, want report.csv", up.Filename)
	}
}

func TestPutRejectsOversize(t *testing.T) {
	s := openTestStore(t, 8)
	_, err := s.Put(context.Background(), 1, "big.csv", strings.NewReader(strings.Repeat("x", 9)))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if _, err := s.Put(context.Background(), 1, "ok.csv", strings.NewReader(strings.Repeat("x", 8))); err != nil {
		t.Fatalf("exact limit should pass: %v", err)
	}
}

func TestLatestNotFoundAndDelete(t *testing.T) {
	s := openTestStore(t, 1024)
	ctx := context.Background()
	if _, _, err := s.Latest(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Put(ctx, 3, "a.pdf", strings.NewReader("%PDF")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, 3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Latest(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(config.UploadsConfig{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(context.Background(), 1, "a.csv", strings.NewReader("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		typ  models.SourceType
		name string
		want bool
	}{
		{models.SourceExcel, "Q1.XLSX", true},
		{models.SourceExcel, "q1.csv", false},
		{models.SourceCSV, "export.csv", true},
		{models.SourcePDF, "invoice.pdf", true},
		{models.SourcePDF, "invoice", false},
		{models.SourceHubSpot, "x.csv", false},
	}
	for _, tt := range tests {
		if got := ExtensionAllowed(tt.typ, tt.name); got != tt.want {
			t.Errorf("ExtensionAllowed(%s, %q) = %v, want %v", tt.typ, tt.name, got, tt.want)
		}
	}
}

func TestGCServiceStops(t *testing.T) {
	s := openTestStore(t, 1024)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	svc := NewGCService(s, time.Millisecond)
	go func() { done <- svc.Serve(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v, want context.Canceled", err)
	}
	if svc.String() != "upload-gc" {
		t.Errorf("String = %q", svc.String())
	}
}
