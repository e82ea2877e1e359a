package lending

import (
	"context"
	"time"
)

// Logger is the minimal structured logger accepted by storage engines and services.
// Args follow the slog convention of alternating keys and values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ContextualLogger is a Logger variant that receives the operation context,
// so that implementations can correlate log records with the active trace span.
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// MetricsCollector receives durations, counters and gauge values from lending operations.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualMetricsCollector extends MetricsCollector with context-aware methods.
// Components use these when the configured collector implements them.
type ContextualMetricsCollector interface {
	MetricsCollector
	RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string)
	IncrementCounterContext(ctx context.Context, metric string, labels map[string]string)
	RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string)
}

// SpanContext is an active tracing span.
type SpanContext interface {
	SetStatus(status string)
	AddAttribute(key, value string)
}

// TracingCollector starts and finishes spans around lending operations.
type TracingCollector interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext)
	FinishSpan(spanCtx SpanContext, status string, attrs map[string]string)
}

// Metric names shared by all components.
const (
	MetricOperationDuration = "lending_operation_duration_seconds"
	MetricOperationErrors   = "lending_operation_errors_total"
	MetricStorageConflicts  = "lending_storage_conflicts_total"
	MetricRetryAttempts     = "lending_retry_attempts_total"
	MetricRetryDelay        = "lending_retry_delay_seconds"
	MetricRetriesExhausted  = "lending_retries_exhausted_total"
	MetricFanOutMissing     = "lending_fanout_missing_views"
	MetricSweeperConverged  = "lending_sweeper_converged_total"
	MetricSweeperBatchSize  = "lending_sweeper_batch_size"
	MetricBorrowOutcomes    = "lending_borrow_outcomes_total"
)

// Label and status values shared by all components.
const (
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelOutcome   = "outcome"
	LabelTable     = "table"

	StatusSuccess = "success"
	StatusError   = "error"
)
