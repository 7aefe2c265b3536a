// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// TenantIDKey is the context key for tenant ID
	TenantIDKey contextKey = "tenant_id"
	// LeadIDKey is the context key for lead ID
	LeadIDKey contextKey = "lead_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with context values extracted.
// Supports request_id, tenant_id, and lead_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("request_id", requestID))}
	}

	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok && tenantID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("tenant_id", tenantID))}
	}

	if leadID, ok := ctx.Value(LeadIDKey).(string); ok && leadID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("lead_id", leadID))}
	}

	return newLogger
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// RateLimitExceeded logs rate limit denials
func (l *Logger) RateLimitExceeded(key string, retryAfterSeconds int) {
	l.Warn("rate_limit_exceeded",
		slog.String("key", key),
		slog.Int("retry_after_seconds", retryAfterSeconds),
	)
}

// CacheDegraded logs a coordination-cache failure that caused a component to
// fail open. Deliberately distinct from denial events so operators can tell
// "degraded, allowing traffic" apart from "correctly throttled".
func (l *Logger) CacheDegraded(component, operation string, err error) {
	l.Error("cache_degraded_failing_open",
		slog.String("component", component),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// SendDenied logs an admission denial for an outbound send
func (l *Logger) SendDenied(identity, reason string) {
	l.Warn("send_denied",
		slog.String("identity", identity),
		slog.String("reason", reason),
	)
}

// LockTimeout logs a lock acquisition timeout
func (l *Logger) LockTimeout(key string, waitedMs int64) {
	l.Warn("lock_timeout",
		slog.String("key", key),
		slog.Int64("waited_ms", waitedMs),
	)
}

// TransitionRejected logs a state transition that is not in the adjacency table
func (l *Logger) TransitionRejected(leadID, from, to string) {
	l.Warn("transition_rejected",
		slog.String("lead_id", leadID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// SyncResponse logs the synchronous response time metric for an inbound event
func (l *Logger) SyncResponse(eventType, status string, elapsedMs int64) {
	l.Info("sync_response_time",
		slog.String("event_type", eventType),
		slog.String("status", status),
		slog.Int64("elapsed_ms", elapsedMs),
	)
}
