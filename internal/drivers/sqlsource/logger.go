// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package sqlsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tomtom215/marketscope/internal/logging"
)

const slowQuery = 5 * time.Second

// gormLogger routes gorm logs to the context logger. Statements are only
// logged at debug level, and record-not-found is not an error here.
type gormLogger struct{}

var _ gormlogger.Interface = gormLogger{}

func (l gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (gormLogger) Info(ctx context.Context, msg string, args ...any) {
	logging.Ctx(ctx).Info().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
}

func (gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	logging.Ctx(ctx).Warn().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
}

func (gormLogger) Error(ctx context.Context, msg string, args ...any) {
	logging.Ctx(ctx).Error().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
}

func (gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	logger := logging.Ctx(ctx)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		query, rows := fc()
		logger.Warn().Err(err).Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", query).Msg("Source query failed")
	case elapsed > slowQuery:
		query, rows := fc()
		logger.Info().Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", query).Msg("Slow source query")
	default:
		if e := logger.Debug(); e.Enabled() {
			query, rows := fc()
			e.Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", query).Msg("Source query")
		}
	}
}
