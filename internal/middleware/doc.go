// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

/*
Package middleware provides HTTP instrumentation shared by the API router.

  - PrometheusMetrics: request count, duration and in-flight gauge labeled by
    the chi route pattern, so path parameters do not explode cardinality.
  - AccessLog: one structured zerolog line per request with the request ID,
    status, size and duration.

Both wrap the ResponseWriter with chi's WrapResponseWriter, which keeps
http.Hijacker working for websocket upgrades.
*/
package middleware
