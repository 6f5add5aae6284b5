// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package auth issues and validates session tokens, hashes passwords and
// puts the authenticated user's claims on the request context.
package auth
