package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace ID stored by WithTraceContext
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := FromContext(ctx).WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// RunContext creates a logger context for one screening run
func RunContext(base *Logger, runID, screenerType string) *Logger {
	return base.WithFields(map[string]interface{}{
		"run_id":        runID,
		"screener_type": screenerType,
	}).WithComponent("pipeline")
}

// InstrumentContext creates a logger context for per-instrument stage work
func InstrumentContext(base *Logger, stage string, instrumentID int64, symbol string) *Logger {
	return base.WithFields(map[string]interface{}{
		"stage":         stage,
		"instrument_id": instrumentID,
		"symbol":        symbol,
	})
}

// AIContext creates a logger context for model calls
func AIContext(provider, model string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"provider": provider,
		"model":    model,
	}).WithComponent("ai")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}
