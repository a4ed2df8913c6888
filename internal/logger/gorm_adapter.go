package logger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/radiotrack/internal/errors"
)

// GormLoggerAdapter routes GORM output into a module logger. Statements go
// to TRACE; failed and slow statements go to WARN.
type GormLoggerAdapter struct {
	log           Logger
	slowThreshold time.Duration
	silent        bool
}

var _ gormlogger.Interface = (*GormLoggerAdapter)(nil)

// NewGormLoggerAdapter wraps log. A zero slowThreshold disables slow query
// reporting.
func NewGormLoggerAdapter(log Logger, slowThreshold time.Duration) *GormLoggerAdapter {
	if log == nil {
		log = Global().Module("gorm")
	}
	return &GormLoggerAdapter{log: log, slowThreshold: slowThreshold}
}

// LogMode only honors gormlogger.Silent; levels otherwise follow the module
// configuration.
func (a *GormLoggerAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *a
	clone.silent = level == gormlogger.Silent
	return &clone
}

func (a *GormLoggerAdapter) Info(ctx context.Context, format string, args ...any) {
	a.printf(ctx, LogLevelDebug, format, args)
}

func (a *GormLoggerAdapter) Warn(ctx context.Context, format string, args ...any) {
	a.printf(ctx, LogLevelWarn, format, args)
}

func (a *GormLoggerAdapter) Error(ctx context.Context, format string, args ...any) {
	a.printf(ctx, LogLevelError, format, args)
}

func (a *GormLoggerAdapter) printf(ctx context.Context, level LogLevel, format string, args []any) {
	if a.silent {
		return
	}
	a.log.WithContext(ctx).Log(level, fmt.Sprintf(format, args...))
}

// Trace is called by GORM after every statement.
func (a *GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if a.silent {
		return
	}
	elapsed := time.Since(begin)
	log := a.log.WithContext(ctx)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		log.Warn("query error", append(queryFields(fc, elapsed), Error(err))...)
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		log.Warn("slow query", append(queryFields(fc, elapsed), Duration("threshold", a.slowThreshold))...)
	default:
		log.Trace("sql", queryFields(fc, elapsed)...)
	}
}

func queryFields(fc func() (string, int64), elapsed time.Duration) []Field {
	sql, rows := fc()
	return []Field{
		String("sql", sql),
		Int64("rows", rows),
		Int64("elapsed_ms", elapsed.Milliseconds()),
	}
}
