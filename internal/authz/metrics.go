// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package authz

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_authz_decisions_total",
			Help: "Authorization decisions by resource, action and outcome",
		},
		[]string{"resource", "action", "allowed"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_authz_cache_lookups_total",
			Help: "Authorization decision cache lookups by result",
		},
		[]string{"result"},
	)

	groupingRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_authz_memberships",
			Help: "Project memberships loaded into the enforcer",
		},
	)
)

func recordDecision(resource, action string, allowed bool) {
	decisionsTotal.WithLabelValues(resource, action, strconv.FormatBool(allowed)).Inc()
}

func recordCacheHit(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}
