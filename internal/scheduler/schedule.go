// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package scheduler

import (
	"time"

	"github.com/tomtom215/marketscope/internal/models"
)

// NextRun returns when a source with schedule s, last synced at last,
// should run next. The zero time means never. Times are UTC.
//
// Daily and weekly schedules pick the first slot strictly after last. A
// slot already in the past collapses to now, so missed runs catch up once
// rather than once per missed slot.
func NextRun(s models.Schedule, last, now time.Time) time.Time {
	now = now.UTC()
	switch s.Kind {
	case models.ScheduleInterval:
		if s.Every <= 0 {
			return time.Time{}
		}
		if last.IsZero() {
			return now
		}
		return notBefore(last.UTC().Add(s.Every), now)
	case models.ScheduleDaily:
		if last.IsZero() {
			return nextSlot(now.Add(-time.Nanosecond), s.Hour, s.Minute, -1)
		}
		return notBefore(nextSlot(last.UTC(), s.Hour, s.Minute, -1), now)
	case models.ScheduleWeekly:
		if last.IsZero() {
			return nextSlot(now.Add(-time.Nanosecond), s.Hour, s.Minute, s.Weekday)
		}
		return notBefore(nextSlot(last.UTC(), s.Hour, s.Minute, s.Weekday), now)
	default:
		return time.Time{}
	}
}

// nextSlot returns the first hour:minute strictly after after, on weekday
// when it is not negative.
func nextSlot(after time.Time, hour, minute int, weekday time.Weekday) time.Time {
	slot := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
	if weekday >= 0 {
		slot = slot.AddDate(0, 0, (int(weekday)-int(slot.Weekday())+7)%7)
	}
	for !slot.After(after) {
		if weekday >= 0 {
			slot = slot.AddDate(0, 0, 7)
		} else {
			slot = slot.AddDate(0, 0, 1)
		}
	}
	return slot
}

func notBefore(t, now time.Time) time.Time {
	if t.Before(now) {
		return now
	}
	return t
}

// FailureBackoff returns min(base*2^(failures-1), max). It is zero before
// the first failure.
func FailureBackoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
