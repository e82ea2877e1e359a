package borrowing

import (
	"context"
	"time"

	"github.com/librarysys/lending-go/lending"
)

const (
	operationBorrow  = "borrow"
	operationReturn  = "return"
	operationCommit  = "commit"
	operationSweep   = "sweep"
	operationRepair  = "repair"
	operationPending = "pending"

	spanNameBorrow = "borrowing.borrow"
	spanNameReturn = "borrowing.return"
	spanNameSweep  = "borrowing.sweep"
	spanNameRepair = "borrowing.repair"

	logAttrBorrowID  = "borrow_id"
	logAttrISBN      = "isbn"
	logAttrUserID    = "user_id"
	logAttrStatus    = "status"
	logAttrError     = "error"
	logAttrMissing   = "missing_views"
	logAttrAttempts  = "attempts"
	logAttrAction    = "action"
	logAttrScanned   = "scanned"
	logAttrConverged = "converged"
	logAttrDeferred  = "deferred"
	logAttrFailed    = "failed"
	logAttrReplayed  = "replayed"
	logAttrRepaired  = "repaired_views"
)

func (s *settings) logDebug(ctx context.Context, msg string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.DebugContext(ctx, msg, args...)
	case s.logger != nil:
		s.logger.Debug(msg, args...)
	}
}

func (s *settings) logInfo(ctx context.Context, msg string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.InfoContext(ctx, msg, args...)
	case s.logger != nil:
		s.logger.Info(msg, args...)
	}
}

func (s *settings) logWarn(ctx context.Context, msg string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.WarnContext(ctx, msg, args...)
	case s.logger != nil:
		s.logger.Warn(msg, args...)
	}
}

func (s *settings) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	case s.logger != nil:
		s.logger.Error(msg, allArgs...)
	}
}

func (s *settings) recordDuration(ctx context.Context, operation, status string, duration time.Duration) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{lending.LabelOperation: operation, lending.LabelStatus: status}

	if contextual, ok := s.metricsCollector.(lending.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, lending.MetricOperationDuration, duration, labels)
		return
	}

	s.metricsCollector.RecordDuration(lending.MetricOperationDuration, duration, labels)
}

func (s *settings) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(lending.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	s.metricsCollector.IncrementCounter(metric, labels)
}

func (s *settings) recordValue(ctx context.Context, metric string, value float64, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(lending.ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, value, labels)
		return
	}

	s.metricsCollector.RecordValue(metric, value, labels)
}

func (s *settings) recordError(ctx context.Context, operation, errorType string) {
	s.incrementCounter(ctx, lending.MetricOperationErrors, map[string]string{
		lending.LabelOperation: operation,
		lending.LabelStatus:    lending.StatusError,
		lending.LabelErrorType: errorType,
	})
}

// span wraps an optional tracing span together with the operation's start time.
type span struct {
	s         *settings
	ctx       context.Context
	operation string
	start     time.Time
	handle    lending.SpanContext
}

func (s *settings) startSpan(ctx context.Context, name, operation string, attrs map[string]string) (*span, context.Context) {
	sp := &span{s: s, operation: operation, start: s.clock()}

	if s.tracingCollector != nil {
		ctx, sp.handle = s.tracingCollector.StartSpan(ctx, name, attrs)
	}
	sp.ctx = ctx

	return sp, ctx
}

func (sp *span) finish(outcome string, err error) {
	status := lending.StatusSuccess
	if err != nil {
		status = lending.StatusError
		sp.s.recordError(sp.ctx, sp.operation, outcome)
	}

	sp.s.recordDuration(sp.ctx, sp.operation, status, sp.s.clock().Sub(sp.start))

	if sp.handle != nil {
		sp.handle.AddAttribute(lending.LabelOutcome, outcome)
		sp.s.tracingCollector.FinishSpan(sp.handle, status, map[string]string{lending.LabelOutcome: outcome})
	}
}
