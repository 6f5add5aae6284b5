// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/marketscope/internal/logging"
)

// LockoutConfig controls login lockout after repeated failures.
type LockoutConfig struct {
	// MaxAttempts is the number of failures before an account locks.
	MaxAttempts int
	// LockoutDuration is the first lockout period. Each further lockout
	// doubles it up to MaxLockoutDuration.
	LockoutDuration    time.Duration
	MaxLockoutDuration time.Duration
	// ResetAfter forgets failures older than this.
	ResetAfter time.Duration
}

// DefaultLockoutConfig returns production defaults.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts:        5,
		LockoutDuration:    15 * time.Minute,
		MaxLockoutDuration: 24 * time.Hour,
		ResetAfter:         time.Hour,
	}
}

type lockoutEntry struct {
	failures    int
	lockouts    int
	lastFailure time.Time
	lockedUntil time.Time
}

// LockoutManager tracks failed logins per email in memory.
type LockoutManager struct {
	cfg     LockoutConfig
	mu      sync.Mutex
	entries map[string]*lockoutEntry
	now     func() time.Time
}

// NewLockoutManager creates a manager. Zero fields take defaults.
func NewLockoutManager(cfg LockoutConfig) *LockoutManager {
	def := DefaultLockoutConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if cfg.MaxLockoutDuration <= 0 {
		cfg.MaxLockoutDuration = def.MaxLockoutDuration
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = def.ResetAfter
	}
	return &LockoutManager{cfg: cfg, entries: make(map[string]*lockoutEntry), now: time.Now}
}

func subjectKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Locked reports whether logins for email are blocked, and for how long.
func (m *LockoutManager) Locked(email string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[subjectKey(email)]
	if !ok {
		return false, 0
	}
	if remaining := e.lockedUntil.Sub(m.now()); remaining > 0 {
		return true, remaining
	}
	return false, 0
}

// RecordFailure counts a failed login and locks the account once
// MaxAttempts is reached.
func (m *LockoutManager) RecordFailure(email string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	key := subjectKey(email)
	e, ok := m.entries[key]
	if !ok || (now.Sub(e.lastFailure) > m.cfg.ResetAfter && !now.Before(e.lockedUntil)) {
		e = &lockoutEntry{}
		if ok {
			e.lockouts = m.entries[key].lockouts
		}
		m.entries[key] = e
	}
	e.failures++
	e.lastFailure = now
	if e.failures < m.cfg.MaxAttempts {
		return false, 0
	}

	d := m.cfg.LockoutDuration
	for i := 0; i < e.lockouts && d < m.cfg.MaxLockoutDuration; i++ {
		d *= 2
	}
	if d > m.cfg.MaxLockoutDuration {
		d = m.cfg.MaxLockoutDuration
	}
	e.lockouts++
	e.failures = 0
	e.lockedUntil = now.Add(d)
	logging.Warn().Str("subject", key).Dur("duration", d).Int("lockouts", e.lockouts).Msg("Account locked after failed logins")
	return true, d
}

// RecordSuccess clears the failure history for email.
func (m *LockoutManager) RecordSuccess(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, subjectKey(email))
}

// Prune drops entries that are neither locked nor recent.
func (m *LockoutManager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.lockedUntil) && now.Sub(e.lastFailure) > m.cfg.MaxLockoutDuration {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
