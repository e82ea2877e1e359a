package sqlstore

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
)

const (
	spanNamePrefix    = "sqlstore."
	spanAttrTable     = "table"
	spanAttrRowCount  = "row_count"
	spanAttrDuration  = "duration_ms"
	operationPrefix   = "sqlstore_"
	errorTypeBuild    = "build_query"
	errorTypeScan     = "scan"
	errorTypeConflict = "contention"
	errorTypeStore    = "store_failure"
	errorTypeInput    = "invalid_input"

	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// classify maps a driver error to the storage error vocabulary.
func classify(err error) error {
	if isContention(err) {
		return errors.Join(storage.ErrContention, err)
	}

	return errors.Join(storage.ErrStoreFailure, err)
}

func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isContentionCode(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isContentionCode(string(pqErr.Code))
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return false
}

func isContentionCode(code string) bool {
	switch code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return true
	default:
		return false
	}
}

func errorTypeOf(err error) string {
	switch {
	case errors.Is(err, storage.ErrContention):
		return errorTypeConflict
	case errors.Is(err, ErrBuildingQueryFailed):
		return errorTypeBuild
	case errors.Is(err, storage.ErrUnsupportedValue):
		return errorTypeInput
	default:
		return errorTypeStore
	}
}

// logQueryWithDuration logs SQL statements with execution time at debug level.
func (s *Store) logQueryWithDuration(ctx context.Context, sqlQuery string, action string, duration time.Duration) {
	args := []any{logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery}

	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+action, args...)
	case s.logger != nil:
		s.logger.Debug(logMsgSQLExecuted+action, args...)
	}
}

// logOperation logs operational information at info level.
func (s *Store) logOperation(ctx context.Context, action string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
	case s.logger != nil:
		s.logger.Info(logMsgOperation+action, args...)
	}
}

func (s *Store) logWarn(ctx context.Context, message string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.WarnContext(ctx, message, args...)
	case s.logger != nil:
		s.logger.Warn(message, args...)
	}
}

// logError logs error information at the error level.
func (s *Store) logError(ctx context.Context, message string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.ErrorContext(ctx, message, allArgs...)
	case s.logger != nil:
		s.logger.Error(message, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// operationObserver records duration, error and contention metrics plus one span per store call.
type operationObserver struct {
	s         *Store
	ctx       context.Context
	operation string
	table     string
	start     time.Time
	span      lending.SpanContext
}

func (s *Store) startOperation(ctx context.Context, action string, table string) (*operationObserver, context.Context) {
	observer := &operationObserver{
		s:         s,
		operation: operationPrefix + action,
		table:     table,
		start:     time.Now(),
	}

	if s.tracingCollector != nil {
		ctx, observer.span = s.tracingCollector.StartSpan(ctx, spanNamePrefix+action, map[string]string{
			lending.LabelOperation: observer.operation,
			spanAttrTable:          table,
		})
	}

	observer.ctx = ctx

	return observer, ctx
}

func (o *operationObserver) finishSuccess(rowCount int) {
	duration := time.Since(o.start)
	o.recordDuration(duration, lending.StatusSuccess)

	if o.span != nil {
		o.span.AddAttribute(spanAttrRowCount, strconv.Itoa(rowCount))
		o.span.AddAttribute(spanAttrDuration, strconv.FormatFloat(toMilliseconds(duration), 'f', 2, 64))
		o.s.tracingCollector.FinishSpan(o.span, lending.StatusSuccess, nil)
	}
}

func (o *operationObserver) finishError(errorType string) {
	duration := time.Since(o.start)
	o.recordDuration(duration, lending.StatusError)

	labels := map[string]string{
		lending.LabelOperation: o.operation,
		lending.LabelStatus:    lending.StatusError,
		lending.LabelErrorType: errorType,
	}
	o.incrementCounter(lending.MetricOperationErrors, labels)

	if errorType == errorTypeConflict {
		o.incrementCounter(lending.MetricStorageConflicts, map[string]string{
			lending.LabelOperation: o.operation,
			lending.LabelTable:     o.table,
		})
	}

	if o.span != nil {
		o.span.AddAttribute(lending.LabelErrorType, errorType)
		o.s.tracingCollector.FinishSpan(o.span, lending.StatusError, map[string]string{lending.LabelErrorType: errorType})
	}
}

func (o *operationObserver) recordDuration(duration time.Duration, status string) {
	collector := o.s.metricsCollector
	if collector == nil {
		return
	}

	labels := map[string]string{
		lending.LabelOperation: o.operation,
		lending.LabelStatus:    status,
	}

	if contextual, ok := collector.(lending.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(o.ctx, lending.MetricOperationDuration, duration, labels)
		return
	}

	collector.RecordDuration(lending.MetricOperationDuration, duration, labels)
}

func (o *operationObserver) incrementCounter(metric string, labels map[string]string) {
	collector := o.s.metricsCollector
	if collector == nil {
		return
	}

	if contextual, ok := collector.(lending.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(o.ctx, metric, labels)
		return
	}

	collector.IncrementCounter(metric, labels)
}
