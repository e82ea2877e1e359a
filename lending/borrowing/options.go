package borrowing

import (
	"errors"
	"time"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/retry"
)

const (
	DefaultGracePeriod   = 30 * time.Second
	DefaultMaxAttempts   = 5
	DefaultBatchSize     = 100
	DefaultSweepInterval = 10 * time.Second
	DefaultWorkers       = 4
	DefaultStoreTimeout  = 2 * time.Second
)

var (
	ErrNilStore             = errors.New("store must not be nil")
	ErrNilClock             = errors.New("clock must not be nil")
	ErrInvalidStoreTimeout  = errors.New("store timeout must be positive")
	ErrInvalidGracePeriod   = errors.New("grace period must be positive")
	ErrInvalidMaxAttempts   = errors.New("max attempts must be positive")
	ErrInvalidBatchSize     = errors.New("batch size must be positive")
	ErrInvalidSweepInterval = errors.New("sweep interval must be positive")
	ErrInvalidWorkers       = errors.New("workers must be positive")
	ErrNilMetricsCollector  = errors.New("metrics collector must not be nil")
	ErrNilTracingCollector  = errors.New("tracing collector must not be nil")
	ErrNilLogger            = errors.New("logger must not be nil")
)

type settings struct {
	clock        func() time.Time
	storeTimeout time.Duration
	retryOptions []retry.Option

	gracePeriod   time.Duration
	maxAttempts   int
	batchSize     int
	sweepInterval time.Duration
	workers       int

	logger           lending.Logger
	contextualLogger lending.ContextualLogger
	metricsCollector lending.MetricsCollector
	tracingCollector lending.TracingCollector
}

// Option configures the Engine, the Sweeper and their collaborators.
// Options that do not concern a component are accepted and ignored by it.
type Option func(*settings) error

func newSettings(options []Option) (*settings, error) {
	s := &settings{
		clock:         func() time.Time { return time.Now().UTC() },
		storeTimeout:  DefaultStoreTimeout,
		gracePeriod:   DefaultGracePeriod,
		maxAttempts:   DefaultMaxAttempts,
		batchSize:     DefaultBatchSize,
		sweepInterval: DefaultSweepInterval,
		workers:       DefaultWorkers,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) error {
		if clock == nil {
			return ErrNilClock
		}

		s.clock = clock

		return nil
	}
}

// WithStoreTimeout bounds every single store call. On timeout the outcome of a write is unknown,
// so callers must re-issue the same borrow id.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(s *settings) error {
		if timeout <= 0 {
			return ErrInvalidStoreTimeout
		}

		s.storeTimeout = timeout

		return nil
	}
}

// WithRetry sets the local retry budget the Engine spends on conflicts and storage failures.
func WithRetry(options ...retry.Option) Option {
	return func(s *settings) error {
		if _, err := retry.NewPolicy(options...); err != nil {
			return err
		}

		s.retryOptions = options

		return nil
	}
}

// WithGracePeriod sets how old a pending entry must be before the Sweeper touches it.
func WithGracePeriod(grace time.Duration) Option {
	return func(s *settings) error {
		if grace <= 0 {
			return ErrInvalidGracePeriod
		}

		s.gracePeriod = grace

		return nil
	}
}

// WithMaxAttempts sets how many sweeps may re-drive a RESERVED borrow before it is compensated.
func WithMaxAttempts(attempts int) Option {
	return func(s *settings) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		s.maxAttempts = attempts

		return nil
	}
}

// WithBatchSize bounds the number of pending entries handled per sweep.
func WithBatchSize(size int) Option {
	return func(s *settings) error {
		if size <= 0 {
			return ErrInvalidBatchSize
		}

		s.batchSize = size

		return nil
	}
}

// WithSweepInterval sets the pause between two sweeps of Sweeper.Run.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *settings) error {
		if interval <= 0 {
			return ErrInvalidSweepInterval
		}

		s.sweepInterval = interval

		return nil
	}
}

// WithWorkers sets how many pending entries are converged concurrently.
func WithWorkers(workers int) Option {
	return func(s *settings) error {
		if workers <= 0 {
			return ErrInvalidWorkers
		}

		s.workers = workers

		return nil
	}
}

// WithLogger sets the logger.
//
// Debug level: per-borrow protocol steps
// Info level: completed borrows, returns and sweeps
// Warn level: incomplete fan-outs and compensations
// Error level: failures that need an operator.
func WithLogger(logger lending.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			return ErrNilLogger
		}

		s.logger = logger

		return nil
	}
}

// WithContextualLogger sets a context-aware logger, used in preference to the plain logger.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(s *settings) error {
		if logger == nil {
			return ErrNilLogger
		}

		s.contextualLogger = logger

		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *settings) error {
		if collector == nil {
			return ErrNilMetricsCollector
		}

		s.metricsCollector = collector

		return nil
	}
}

// WithTracing sets the tracing collector.
func WithTracing(collector lending.TracingCollector) Option {
	return func(s *settings) error {
		if collector == nil {
			return ErrNilTracingCollector
		}

		s.tracingCollector = collector

		return nil
	}
}
