// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
)

// RetryableError marks a failure worth retrying, typically HTTP 429 or 5xx.
// RetryAfter carries the server's hint when it sent one.
type RetryableError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("retryable error (status %d)", e.StatusCode)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Policy bounds Retry.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Provider labels retry metrics and logs.
	Provider string
}

// DefaultPolicy is used when a zero Policy is given.
var DefaultPolicy = Policy{Attempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

const jitterFraction = 0.2

// sleep waits for d or until ctx ends. Replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns min(base*2^attempt, max) with ±20% jitter. attempt
// counts from zero.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := (rand.Float64()*2 - 1) * jitterFraction * float64(d)
	return d + time.Duration(jitter)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Errors from the final attempt are wrapped as
// "max retry attempts reached".
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}

	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		last = err
		if attempt == p.Attempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		var re *RetryableError
		if errors.As(err, &re) && re.RetryAfter > delay {
			delay = re.RetryAfter
		}

		metrics.ExternalRetries.WithLabelValues(p.Provider, retryReason(err)).Inc()
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("provider", p.Provider).
			Int("attempt", attempt+1).
			Int("max_attempts", p.Attempts).
			Dur("retry_delay", delay).
			Msg("retrying external request")

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("max retry attempts reached: %w", last)
}

// IsRetryable reports whether err is transient: a RetryableError, a
// network timeout or a dropped connection. Context cancellation and open
// circuits are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

func retryReason(err error) string {
	var re *RetryableError
	if errors.As(err, &re) {
		switch {
		case re.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case re.StatusCode >= 500:
			return "server_error"
		}
	}
	return "network"
}

// ParseRetryAfter reads a Retry-After header: delta-seconds or an
// HTTP-date. Dates in the past yield zero.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(header, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}

// epochThreshold separates epoch timestamps from delta seconds in reset
// headers. Deltas of more than ten years are not sent by real APIs.
const epochThreshold = 10 * 365 * 24 * 60 * 60

// ParseRateLimitReset reads X-RateLimit-Reset style headers, which some
// providers send as epoch seconds and others as seconds until reset.
func ParseRateLimitReset(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(header, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	if v > epochThreshold {
		reset := time.Unix(0, int64(v*float64(time.Second)))
		return max(reset.Sub(now), 0), true
	}
	return time.Duration(v * float64(time.Second)), true
}

// RetryAfterFromHeaders reads the first usable wait hint from h.
func RetryAfterFromHeaders(h http.Header, now time.Time) time.Duration {
	if d, ok := ParseRetryAfter(h.Get("Retry-After"), now); ok {
		return d
	}
	for _, name := range []string{"X-RateLimit-Reset", "RateLimit-Reset", "X-Rate-Limit-Reset"} {
		if d, ok := ParseRateLimitReset(h.Get(name), now); ok {
			return d
		}
	}
	return 0
}
