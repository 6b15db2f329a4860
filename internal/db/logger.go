package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold is the elapsed time past which a query is logged as a
// warning even when full SQL tracing is off.
const slowQueryThreshold = 200 * time.Millisecond

// gormZapBridge routes GORM's internal messages (SQL traces, slow-query
// warnings, errors) through the application's zap logger instead of stdout.
type gormZapBridge struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newGormLogger returns a gormlogger.Interface backed by log. Pass
// gormlogger.Silent to suppress GORM output entirely (tests do this) or
// gormlogger.Info to trace every statement.
func newGormLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZapBridge{
		log:   log.WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode is called by GORM to derive a logger at a different level, e.g.
// for db.Debug().
func (l *gormZapBridge) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	derived := *l
	derived.level = level
	return &derived
}

func (l *gormZapBridge) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZapBridge) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZapBridge) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement with its latency and row count.
// gorm.ErrRecordNotFound is not logged; the repositories translate it to
// their own sentinel and it is a routine outcome, not a failure.
func (l *gormZapBridge) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query error", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
