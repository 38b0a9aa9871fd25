// Package logger provides the structured logger used across every
// collector, the realtime updater, and the durable store.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with the fields and helpers the collectors use.
type Logger struct {
	*logrus.Logger
}

// Fields is an alias for structured log fields.
type Fields = logrus.Fields

// ContextKey identifies values the logger pulls out of a context.
type ContextKey string

// CorrelationIDKey is the context key carrying a per-cycle correlation id.
const CorrelationIDKey ContextKey = "correlation_id"

// New creates a logger configured for the given level and environment.
func New(level, environment string) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	if environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// WithContext attaches the correlation id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})
	if cid := ctx.Value(CorrelationIDKey); cid != nil {
		entry = entry.WithField("correlation_id", cid)
	}
	return entry
}

// WithFields returns an entry carrying the given fields.
func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields))
}

// WithError returns an entry carrying err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithComponent tags the entry with the originating collector component.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// LogCacheOperation logs a snapshot-cache read or write.
func (l *Logger) LogCacheOperation(ctx context.Context, operation, key string, hit bool, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"operation":   operation,
		"key":         key,
		"hit":         hit,
		"duration_ms": duration.Milliseconds(),
		"type":        "cache_operation",
	}).Debug("cache operation")
}

// LogDatabaseQuery logs a durable-store query.
func (l *Logger) LogDatabaseQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
		"type":        "database_query",
	})
	if err != nil {
		entry.WithError(err).Error("database query failed")
		return
	}
	entry.Debug("database query executed")
}

// LogUpstreamCall logs an upstream HTTP fetch outcome.
func (l *Logger) LogUpstreamCall(ctx context.Context, endpoint string, status int, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"endpoint":    endpoint,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
		"type":        "upstream_call",
	})
	if err != nil {
		entry.WithError(err).Warn("upstream call failed")
		return
	}
	entry.Debug("upstream call completed")
}
