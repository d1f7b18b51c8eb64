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

// TraceID returns the trace id stored on ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base *Logger) (context.Context, *Logger) {
	if base == nil {
		base = FromContext(ctx)
	}
	traceID := uuid.NewString()
	l := base.WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// CycleContext creates a logger for one scheduler cycle of a user
func CycleContext(base *Logger, userID string) *Logger {
	return base.WithFields(map[string]interface{}{
		"user_id": userID,
	}).WithComponent("autotrade-cycle")
}

// TradeContext creates a logger context for trade operations
func TradeContext(base *Logger, userID, requestID, symbol, side string) *Logger {
	return base.WithFields(map[string]interface{}{
		"user_id":    userID,
		"request_id": requestID,
		"symbol":     symbol,
		"side":       side,
	}).WithComponent("trade")
}
