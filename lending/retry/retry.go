package retry

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/librarysys/lending-go/lending"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3

	labelAttempt        = "attempt_number"
	labelFinalErrorType = "final_error_type"

	ErrorTypeNone             = "none"
	ErrorTypeConflict         = "conflict"
	ErrorTypeStorage          = "storage"
	ErrorTypeContextCanceled  = "context_canceled"
	ErrorTypeDeadlineExceeded = "context_deadline_exceeded"
	ErrorTypeOther            = "other"
)

var (
	ErrNilMetricsCollector = errors.New("metrics collector must not be nil")
	ErrEmptyOperation      = errors.New("operation must not be empty")
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
	ErrNilRetryable        = errors.New("retryable predicate must not be nil")
)

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Metadata describes how an operation was retried.
type Metadata struct {
	// Attempts is the number of calls made, 1 when the first call settled it.
	Attempts int

	// TotalDelay is the time spent sleeping between attempts.
	TotalDelay time.Duration

	// LastErrorType classifies the final error, ErrorTypeNone on success.
	LastErrorType string

	// Exhausted is true when every attempt failed with a retryable error.
	Exhausted bool
}

type config struct {
	maxAttempts      int
	baseDelay        time.Duration
	jitterFactor     float64
	retryable        func(error) bool
	metricsCollector lending.MetricsCollector
	operation        string
}

// Option configures Do.
type Option func(*config) error

// Policy is a reusable, validated set of options.
type Policy struct {
	options []Option
}

// NewPolicy validates options once so that callers can reuse them for every operation.
func NewPolicy(options ...Option) (Policy, error) {
	if _, err := newConfig(options); err != nil {
		return Policy{}, err
	}

	return Policy{options: options}, nil
}

// Do runs fn under the policy, with extra options applied last.
func (p Policy) Do(ctx context.Context, fn Func, extra ...Option) (Metadata, error) {
	return Do(ctx, fn, append(append([]Option(nil), p.options...), extra...)...)
}

func newConfig(options []Option) (*config, error) {
	cfg := &config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
		retryable:    IsRetryable,
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Do executes fn, retrying retryable errors up to the configured number of attempts.
//
// Schedule with the defaults: 0ms, 10ms, 20ms, 40ms, 80ms, 160ms, each plus up to 30% jitter.
// The parent context bounds the whole schedule; its cancellation is never retried.
func Do(ctx context.Context, fn Func, options ...Option) (Metadata, error) {
	cfg, err := newConfig(options)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{LastErrorType: ErrorTypeNone}
	var lastErr error

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.backoff(attempt)
			cfg.recordDelay(ctx, attempt, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				meta.TotalDelay += delay
			case <-ctx.Done():
				timer.Stop()
				meta.LastErrorType = ErrorType(ctx.Err())
				return meta, ctx.Err()
			}
		}

		meta.Attempts++
		lastErr = fn(ctx)
		meta.LastErrorType = ErrorType(lastErr)

		if lastErr == nil {
			return meta, nil
		}

		if ctx.Err() != nil || !cfg.retryable(lastErr) {
			return meta, lastErr
		}

		if attempt < cfg.maxAttempts-1 {
			cfg.recordAttempt(ctx, attempt+1, meta.LastErrorType)
		}
	}

	meta.Exhausted = true
	cfg.recordExhausted(ctx, meta.LastErrorType)

	return meta, lastErr
}

// backoff returns baseDelay * 2^(attempt-1) plus jitter.
func (c *config) backoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(1<<(attempt-1))
	jitter := rand.Float64() * float64(delay) * c.jitterFactor //nolint:gosec // math/rand is sufficient for jitter

	return delay + time.Duration(jitter)
}

// IsRetryable is the default predicate: conflicts and transient storage failures.
func IsRetryable(err error) bool {
	return errors.Is(err, lending.ErrConflict) || errors.Is(err, lending.ErrStorage)
}

// ErrorType classifies err for metric labels.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ErrorTypeNone
	case errors.Is(err, lending.ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, context.Canceled):
		return ErrorTypeContextCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeDeadlineExceeded
	case errors.Is(err, lending.ErrStorage):
		return ErrorTypeStorage
	default:
		return ErrorTypeOther
	}
}

func (c *config) recordDelay(ctx context.Context, attempt int, delay time.Duration) {
	if c.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		lending.LabelOperation: c.operation,
		labelAttempt:           strconv.Itoa(attempt),
	}

	if contextual, ok := c.metricsCollector.(lending.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, lending.MetricRetryDelay, delay, labels)
		return
	}

	c.metricsCollector.RecordDuration(lending.MetricRetryDelay, delay, labels)
}

func (c *config) recordAttempt(ctx context.Context, attempt int, errorType string) {
	if c.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		lending.LabelOperation: c.operation,
		labelAttempt:           strconv.Itoa(attempt),
		lending.LabelErrorType: errorType,
	}

	if contextual, ok := c.metricsCollector.(lending.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, lending.MetricRetryAttempts, labels)
		return
	}

	c.metricsCollector.IncrementCounter(lending.MetricRetryAttempts, labels)
}

func (c *config) recordExhausted(ctx context.Context, errorType string) {
	if c.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		lending.LabelOperation: c.operation,
		labelFinalErrorType:    errorType,
	}

	if contextual, ok := c.metricsCollector.(lending.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, lending.MetricRetriesExhausted, labels)
		return
	}

	c.metricsCollector.IncrementCounter(lending.MetricRetriesExhausted, labels)
}

// WithMaxAttempts sets the maximum number of attempts, including the first.
func WithMaxAttempts(attempts int) Option {
	return func(c *config) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		c.maxAttempts = attempts

		return nil
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
// Actual delays: baseDelay, baseDelay*2, baseDelay*4, baseDelay*8, etc.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}

		c.baseDelay = delay

		return nil
	}
}

// WithJitterFactor sets the jitter as a fraction of the backoff delay, 0.0 to 1.0.
func WithJitterFactor(factor float64) Option {
	return func(c *config) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}

		c.jitterFactor = factor

		return nil
	}
}

// WithRetryable replaces the predicate deciding which errors are retried.
func WithRetryable(retryable func(error) bool) Option {
	return func(c *config) error {
		if retryable == nil {
			return ErrNilRetryable
		}

		c.retryable = retryable

		return nil
	}
}

// WithMetrics records retry delays, attempts and exhaustion labelled with operation.
func WithMetrics(collector lending.MetricsCollector, operation string) Option {
	return func(c *config) error {
		if collector == nil {
			return ErrNilMetricsCollector
		}

		if operation == "" {
			return ErrEmptyOperation
		}

		c.metricsCollector = collector
		c.operation = operation

		return nil
	}
}
