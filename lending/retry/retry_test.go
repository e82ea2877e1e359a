package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/retry"
	"github.com/librarysys/lending-go/testutil/observability/testdoubles"
)

func Test_Do_Success_Without_Retries(t *testing.T) {
	callCount := 0

	meta, err := retry.Do(context.Background(), func(_ context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, 1, meta.Attempts)
	assert.Equal(t, time.Duration(0), meta.TotalDelay)
	assert.Equal(t, retry.ErrorTypeNone, meta.LastErrorType)
	assert.False(t, meta.Exhausted)
}

func Test_Do_Retries_Conflict_Until_Success(t *testing.T) {
	// arrange
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		if callCount < 3 {
			return lending.ErrConflict
		}
		return nil
	}

	// act
	meta, err := retry.Do(context.Background(), fn, retry.WithBaseDelay(time.Millisecond))

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 3, meta.Attempts)
	assert.Greater(t, meta.TotalDelay, time.Duration(0))
	assert.Equal(t, retry.ErrorTypeNone, meta.LastErrorType)
}

func Test_Do_Fails_Fast_On_Permanent_Error(t *testing.T) {
	callCount := 0

	meta, err := retry.Do(context.Background(), func(_ context.Context) error {
		callCount++
		return lending.ErrUnavailable
	})

	assert.ErrorIs(t, err, lending.ErrUnavailable)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, retry.ErrorTypeOther, meta.LastErrorType)
	assert.False(t, meta.Exhausted)
}

func Test_Do_Exhausts_Attempts_And_Records_Metrics(t *testing.T) {
	// arrange
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	storageErr := errors.Join(lending.ErrStorage, errors.New("connection reset"))

	// act
	meta, err := retry.Do(context.Background(), func(_ context.Context) error {
		return storageErr
	},
		retry.WithMaxAttempts(3),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithJitterFactor(0),
		retry.WithMetrics(metricsSpy, "borrow"),
	)

	// assert
	assert.ErrorIs(t, err, lending.ErrStorage)
	assert.Equal(t, 3, meta.Attempts)
	assert.True(t, meta.Exhausted)
	assert.Equal(t, retry.ErrorTypeStorage, meta.LastErrorType)
	assert.Equal(t, 3*time.Millisecond, meta.TotalDelay)
	assert.Equal(t, 2, metricsSpy.CountCounterRecordsForMetric(lending.MetricRetryAttempts))
	assert.True(t, metricsSpy.HasCounterRecordForMetric(lending.MetricRetriesExhausted).
		WithOperation("borrow").
		WithLabel("final_error_type", retry.ErrorTypeStorage).
		Assert())
	assert.Len(t, metricsSpy.GetDurationRecords(), 2)
}

func Test_Do_Stops_When_Context_Is_Canceled(t *testing.T) {
	// arrange
	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0

	// act
	meta, err := retry.Do(ctx, func(_ context.Context) error {
		callCount++
		cancel()
		return lending.ErrConflict
	}, retry.WithBaseDelay(time.Second))

	// assert
	assert.ErrorIs(t, err, lending.ErrConflict)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, 1, meta.Attempts)
}

func Test_Do_Uses_Custom_Retryable_Predicate(t *testing.T) {
	errFlaky := errors.New("flaky")
	callCount := 0

	_, err := retry.Do(context.Background(), func(_ context.Context) error {
		callCount++
		if callCount == 1 {
			return errFlaky
		}
		return nil
	},
		retry.WithBaseDelay(0),
		retry.WithRetryable(func(err error) bool { return errors.Is(err, errFlaky) }),
	)

	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func Test_Do_Rejects_Invalid_Options(t *testing.T) {
	ctx := context.Background()
	fn := func(_ context.Context) error { return nil }

	_, err := retry.Do(ctx, fn, retry.WithMaxAttempts(0))
	assert.ErrorIs(t, err, retry.ErrInvalidMaxAttempts)

	_, err = retry.Do(ctx, fn, retry.WithBaseDelay(-1*time.Second))
	assert.ErrorIs(t, err, retry.ErrNegativeBaseDelay)

	_, err = retry.Do(ctx, fn, retry.WithJitterFactor(1.5))
	assert.ErrorIs(t, err, retry.ErrInvalidJitterFactor)

	_, err = retry.Do(ctx, fn, retry.WithRetryable(nil))
	assert.ErrorIs(t, err, retry.ErrNilRetryable)

	_, err = retry.Do(ctx, fn, retry.WithMetrics(nil, "borrow"))
	assert.ErrorIs(t, err, retry.ErrNilMetricsCollector)

	_, err = retry.Do(ctx, fn, retry.WithMetrics(testdoubles.NewMetricsCollectorSpy(), ""))
	assert.ErrorIs(t, err, retry.ErrEmptyOperation)
}

func Test_NewPolicy_Validates_Once_And_Reuses_Options(t *testing.T) {
	_, err := retry.NewPolicy(retry.WithMaxAttempts(-1))
	require.ErrorIs(t, err, retry.ErrInvalidMaxAttempts)

	policy, err := retry.NewPolicy(retry.WithMaxAttempts(2), retry.WithBaseDelay(0))
	require.NoError(t, err)

	callCount := 0
	meta, err := policy.Do(context.Background(), func(_ context.Context) error {
		callCount++
		return lending.ErrConflict
	})

	assert.ErrorIs(t, err, lending.ErrConflict)
	assert.Equal(t, 2, callCount)
	assert.True(t, meta.Exhausted)
}
