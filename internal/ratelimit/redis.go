// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the window counter, starting the window on the
// first hit, and returns the count and the milliseconds left.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// SharedLimiter is a fixed-window counter in Redis, shared by every
// instance that calls the same provider with the same credentials.
type SharedLimiter struct {
	client redis.Scripter
	window time.Duration
	limit  int
	prefix string
}

// NewSharedLimiter allows limit calls per window and key.
func NewSharedLimiter(client redis.Scripter, window time.Duration, limit int) *SharedLimiter {
	return &SharedLimiter{client: client, window: window, limit: limit, prefix: "marketscope:ratelimit:"}
}

// Allow counts one call for key. When the window is exhausted it returns
// false and the time until the window resets.
func (s *SharedLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, s.client, []string{s.prefix + key}, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("shared rate limit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("shared rate limit: unexpected reply %v", res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if count <= int64(s.limit) {
		return true, 0, nil
	}
	return false, max(ttl, time.Millisecond), nil
}
