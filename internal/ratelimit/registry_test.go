// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/marketscope/internal/config"
)

func TestRegistryRules(t *testing.T) {
	r := NewRegistry(config.RateLimitConfig{
		Default:   config.RateLimitRule{RPS: 3, Burst: 6},
		Providers: map[string]config.RateLimitRule{"hubspot": {RPS: 1, Burst: 2}},
	}, nil)

	tests := map[string]Rule{
		"hubspot":          {RPS: 1, Burst: 2},
		"klaviyo":          {RPS: 10, Burst: 75},
		"linkedin_ads":     {RPS: 2, Burst: 4},
		DatabaseProvider:   {RPS: 50, Burst: 50},
		"unknown_provider": {RPS: 3, Burst: 6},
	}
	for provider, want := range tests {
		if got := r.RuleFor(provider); got != want {
			t.Errorf("RuleFor(%s) = %+v, want %+v", provider, got, want)
		}
	}
}

func TestRegistryBucketsPerKey(t *testing.T) {
	r := NewRegistry(config.RateLimitConfig{
		Providers: map[string]config.RateLimitRule{"slow": {RPS: 0.001, Burst: 1}},
	}, nil)
	ctx := context.Background()

	if err := r.Wait(ctx, "slow", "1"); err != nil {
		t.Fatal(err)
	}
	// A different credential scope has its own bucket.
	if err := r.Wait(ctx, "slow", "2"); err != nil {
		t.Fatal(err)
	}

	// The first bucket is empty; the next token is ~1000s away.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(short, "slow", "1"); err == nil {
		t.Error("expected the exhausted bucket to block")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryEvictsIdleBuckets(t *testing.T) {
	r := NewRegistry(config.RateLimitConfig{}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_ = r.Wait(context.Background(), "hubspot", "old")
	now = now.Add(45 * time.Minute)
	_ = r.Wait(context.Background(), "hubspot", "new")

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want the idle bucket evicted", r.Len())
	}
}

func TestRegistryWaitHonorsCancel(t *testing.T) {
	r := NewRegistry(config.RateLimitConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Wait(ctx, "hubspot", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
