// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package uploads

import (
	"context"
	"time"

	"github.com/tomtom215/marketscope/internal/logging"
)

const defaultGCInterval = 10 * time.Minute

// GCService runs value log GC on a ticker. It implements suture.Service.
type GCService struct {
	store    *Store
	interval time.Duration
}

// NewGCService creates the GC service. A non-positive interval uses ten
// minutes.
func NewGCService(store *Store, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = defaultGCInterval
	}
	return &GCService{store: store, interval: interval}
}

// Serve runs until ctx is canceled.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Upload store GC failed")
			}
		}
	}
}

func (g *GCService) String() string { return "upload-gc" }
