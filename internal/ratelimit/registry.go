// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package ratelimit keeps external API calls within provider quotas: token
// buckets per credential, an optional Redis window shared by every
// instance, retries with backoff and per-provider circuit breakers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/metrics"
)

// Rule is a token bucket: steady requests per second plus burst.
type Rule struct {
	RPS   float64
	Burst int
}

// DatabaseProvider is the limiter key for every database source.
const DatabaseProvider = "databases"

// DefaultRules are the built-in provider quotas.
var DefaultRules = map[string]Rule{
	"google_analytics":  {RPS: 10, Burst: 10},
	"google_ads":        {RPS: 5, Burst: 5},
	"google_ad_manager": {RPS: 2, Burst: 2},
	"linkedin_ads":      {RPS: 2, Burst: 4},
	"klaviyo":           {RPS: 10, Burst: 75},
	"hubspot":           {RPS: 10, Burst: 100},
	DatabaseProvider:    {RPS: 50, Burst: 50},
}

const defaultIdleTTL = 30 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Registry hands out one token bucket per provider and credential scope.
type Registry struct {
	mu        sync.Mutex
	rules     map[string]Rule
	fallback  Rule
	buckets   map[string]*bucket
	idleTTL   time.Duration
	lastSweep time.Time
	shared    *SharedLimiter
	now       func() time.Time
}

// NewRegistry builds a registry from config overrides on top of
// DefaultRules. shared may be nil.
func NewRegistry(cfg config.RateLimitConfig, shared *SharedLimiter) *Registry {
	rules := make(map[string]Rule, len(DefaultRules)+len(cfg.Providers))
	for name, r := range DefaultRules {
		rules[name] = r
	}
	for name, r := range cfg.Providers {
		rules[name] = Rule{RPS: r.RPS, Burst: r.Burst}
	}
	fallback := Rule{RPS: cfg.Default.RPS, Burst: cfg.Default.Burst}
	if fallback.RPS <= 0 {
		fallback = Rule{RPS: 5, Burst: 5}
	}
	return &Registry{
		rules:    rules,
		fallback: fallback,
		buckets:  make(map[string]*bucket),
		idleTTL:  defaultIdleTTL,
		shared:   shared,
		now:      time.Now,
	}
}

// RuleFor returns the rule applied to provider.
func (r *Registry) RuleFor(provider string) Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ruleLocked(provider)
}

func (r *Registry) ruleLocked(provider string) Rule {
	if rule, ok := r.rules[provider]; ok {
		return rule
	}
	return r.fallback
}

func (r *Registry) limiter(provider, key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > r.idleTTL {
		r.sweepLocked(now)
	}

	id := provider + ":" + key
	b, ok := r.buckets[id]
	if !ok {
		rule := r.ruleLocked(provider)
		burst := rule.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rule.RPS), burst)}
		r.buckets[id] = b
	}
	b.lastUsed = now
	return b.limiter
}

func (r *Registry) sweepLocked(now time.Time) {
	for id, b := range r.buckets {
		if now.Sub(b.lastUsed) > r.idleTTL {
			delete(r.buckets, id)
		}
	}
	r.lastSweep = now
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Wait blocks until provider/key may make a request or ctx ends. key is
// the credential scope, usually the data source ID.
func (r *Registry) Wait(ctx context.Context, provider, key string) error {
	start := time.Now()
	defer func() {
		metrics.RateLimitWait.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	if err := r.limiter(provider, key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", provider, err)
	}
	if r.shared == nil {
		return nil
	}
	for {
		ok, wait, err := r.shared.Allow(ctx, provider+":"+key)
		if err != nil {
			// Redis errors fall back to the local bucket alone.
			return nil
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit %s: %w", provider, err)
		}
	}
}
