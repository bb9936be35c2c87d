package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries stay stable.
const (
	// Identity
	FieldJobID       = "job_id"
	FieldRuleID      = "rule_id"
	FieldExecutionID = "execution_id"
	FieldWorkerID    = "worker_id"
	FieldLabel       = "label"

	// Components
	FieldComponent = "component"

	// Pipeline
	FieldStage      = "stage"
	FieldAttempt    = "attempt"
	FieldRetryCount = "retry_count"
	FieldMaxRetries = "max_retries"
	FieldPriority   = "priority"
	FieldStatus     = "status"

	// Calendar
	FieldSlot      = "slot"
	FieldTargetDay = "target_day"
	FieldReason    = "reason"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldBackoffMS  = "backoff_ms"
	FieldNextRun    = "next_run"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount = "count"

	FieldSymbol = "symbol" // glyph marker (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection:
//
//	pool := async.NewWorkerPool(ctx, queue, executor, cfg, logger.ComponentLogger("pulse.worker"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
