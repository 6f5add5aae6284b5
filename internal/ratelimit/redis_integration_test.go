// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/marketscope/internal/testinfra"
)

func TestSharedLimiterWindow(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	ctx := context.Background()

	rc, err := testinfra.NewRedisContainer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { testinfra.CleanupContainer(t, ctx, rc) })

	client := redis.NewClient(&redis.Options{Addr: rc.Addr})
	t.Cleanup(func() { client.Close() })

	limiter := NewSharedLimiter(client, 500*time.Millisecond, 3)
	for i := 0; i < 3; i++ {
		ok, _, err := limiter.Allow(ctx, "hubspot:1")
		if err != nil || !ok {
			t.Fatalf("call %d: ok = %v, err = %v", i, ok, err)
		}
	}
	ok, wait, err := limiter.Allow(ctx, "hubspot:1")
	if err != nil {
		t.Fatal(err)
	}
	if ok || wait <= 0 || wait > 500*time.Millisecond {
		t.Fatalf("4th call: ok = %v, wait = %v", ok, wait)
	}

	time.Sleep(wait + 50*time.Millisecond)
	if ok, _, _ := limiter.Allow(ctx, "hubspot:1"); !ok {
		t.Error("window should have reset")
	}
}
