package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/librarysys/lending-go/lending"
)

const (
	DefaultCacheSize   = 1024
	DefaultReadWorkers = 8
)

var (
	ErrNilStore            = errors.New("store must not be nil")
	ErrInvalidCacheSize    = errors.New("cache size must be positive")
	ErrInvalidReadWorkers  = errors.New("read workers must be positive")
	ErrNilClock            = errors.New("clock must not be nil")
	ErrNilLogger           = errors.New("logger must not be nil")
	ErrNilMetricsCollector = errors.New("metrics collector must not be nil")
	ErrNilTracingCollector = errors.New("tracing collector must not be nil")
)

type settings struct {
	cacheSize   int
	readWorkers int
	clock       func() time.Time
	newUserID   func() string

	logger           lending.Logger
	contextualLogger lending.ContextualLogger
	metricsCollector lending.MetricsCollector
	tracingCollector lending.TracingCollector
}

// Option configures a Service.
type Option func(*settings) error

// WithCacheSize sets how many book records are kept in memory.
func WithCacheSize(size int) Option {
	return func(s *settings) error {
		if size <= 0 {
			return ErrInvalidCacheSize
		}

		s.cacheSize = size

		return nil
	}
}

// WithReadWorkers bounds the concurrent availability reads of a listing.
func WithReadWorkers(workers int) Option {
	return func(s *settings) error {
		if workers <= 0 {
			return ErrInvalidReadWorkers
		}

		s.readWorkers = workers

		return nil
	}
}

// WithClock replaces the wall clock used for added_at and registered_at.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) error {
		if clock == nil {
			return ErrNilClock
		}

		s.clock = clock

		return nil
	}
}

func WithLogger(logger lending.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			return ErrNilLogger
		}

		s.logger = logger

		return nil
	}
}

func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(s *settings) error {
		if logger == nil {
			return ErrNilLogger
		}

		s.contextualLogger = logger

		return nil
	}
}

func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *settings) error {
		if collector == nil {
			return ErrNilMetricsCollector
		}

		s.metricsCollector = collector

		return nil
	}
}

func WithTracing(collector lending.TracingCollector) Option {
	return func(s *settings) error {
		if collector == nil {
			return ErrNilTracingCollector
		}

		s.tracingCollector = collector

		return nil
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

func (s *settings) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{"error", err.Error()}, args...)

	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	case s.logger != nil:
		s.logger.Error(msg, allArgs...)
	}
}

// observe starts the span and timer of one catalog operation; the returned func ends both.
func (s *settings) observe(ctx context.Context, operation string) (context.Context, func(err error)) {
	start := time.Now()

	var span lending.SpanContext
	if s.tracingCollector != nil {
		ctx, span = s.tracingCollector.StartSpan(ctx, "catalog."+operation, nil)
	}

	return ctx, func(err error) {
		status := lending.StatusSuccess
		if err != nil {
			status = lending.StatusError
		}

		if s.metricsCollector != nil {
			labels := map[string]string{lending.LabelOperation: "catalog_" + operation, lending.LabelStatus: status}
			if contextual, ok := s.metricsCollector.(lending.ContextualMetricsCollector); ok {
				contextual.RecordDurationContext(ctx, lending.MetricOperationDuration, time.Since(start), labels)
			} else {
				s.metricsCollector.RecordDuration(lending.MetricOperationDuration, time.Since(start), labels)
			}
		}

		if span != nil {
			s.tracingCollector.FinishSpan(span, status, nil)
		}
	}
}
