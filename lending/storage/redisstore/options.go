package redisstore

import (
	"errors"

	"github.com/librarysys/lending-go/lending"
)

var (
	ErrEmptyKeyPrefix     = errors.New("key prefix must not be empty")
	ErrInvalidMaxAttempts = errors.New("max compare-and-set attempts must be positive")
)

// Option defines a functional option for configuring Store.
type Option func(*Store) error

// WithKeyPrefix namespaces every Redis key of the store. The default is "lending".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) error {
		if prefix == "" {
			return ErrEmptyKeyPrefix
		}

		s.prefix = prefix

		return nil
	}
}

// WithMaxAttempts bounds how often a batch is re-evaluated after losing a compare-and-set race
// before it fails with storage.ErrContention.
func WithMaxAttempts(attempts int) Option {
	return func(s *Store) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		s.maxAttempts = attempts

		return nil
	}
}

// WithLogger sets the logger for the Store.
func WithLogger(logger lending.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *Store) error {
		s.metricsCollector = collector
		return nil
	}
}
