package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across oltpoll.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldExecutionID = "execution_id"
	FieldJobID       = "job_id"
	FieldOLTID       = "olt_id"
	FieldWorkerID    = "worker_id"

	// Scheduling
	FieldOperationType = "operation_type"
	FieldState         = "state"
	FieldAttempt       = "attempt"
	FieldNextRunAt     = "next_run_at"
	FieldScheduledAt   = "scheduled_at"
	FieldInterval      = "interval_seconds"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount      = "count"
	FieldQueueDepth = "queue_depth"
	FieldBusyCount  = "busy_count"

	// Network
	FieldAddress = "address"
	FieldHost    = "host"
	FieldPort    = "port"
	FieldOID     = "oid"
)

// Context keys for propagating logging context
type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	jobIDKey       contextKey = "logger_job_id"
	oltIDKey       contextKey = "logger_olt_id"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithOLTID adds an OLT ID to the context for logging
func WithOLTID(ctx context.Context, oltID string) context.Context {
	return context.WithValue(ctx, oltIDKey, oltID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if executionID, ok := ctx.Value(executionIDKey).(string); ok && executionID != "" {
		fields = append(fields, FieldExecutionID, executionID)
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if oltID, ok := ctx.Value(oltIDKey).(string); ok && oltID != "" {
		fields = append(fields, FieldOLTID, oltID)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes execution_id, job_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}
