package oteladapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/oteladapters"
)

func newCollector() (*oteladapters.MetricsCollector, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return oteladapters.NewMetricsCollector(provider.Meter("lending")), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}

	t.Fatalf("metric %s not found", name)

	return metricdata.Metrics{}
}

func Test_MetricsCollector_Records_Durations_In_Seconds(t *testing.T) {
	// arrange
	collector, reader := newCollector()
	labels := map[string]string{lending.LabelOperation: "borrow", lending.LabelStatus: lending.StatusSuccess}

	// act
	collector.RecordDuration(lending.MetricOperationDuration, 150*time.Millisecond, labels)

	// assert
	m := findMetric(t, collect(t, reader), lending.MetricOperationDuration)
	histogram, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, histogram.DataPoints, 1)
	assert.Equal(t, uint64(1), histogram.DataPoints[0].Count)
	assert.InDelta(t, 0.15, histogram.DataPoints[0].Sum, 0.001)
	assert.Equal(t, "s", m.Unit)
	assert.Equal(t, "Lending operation duration", m.Description)

	expected := attribute.NewSet(attribute.String("operation", "borrow"), attribute.String("status", "success"))
	assert.True(t, histogram.DataPoints[0].Attributes.Equals(&expected))
}

func Test_MetricsCollector_Sums_Counters(t *testing.T) {
	collector, reader := newCollector()
	labels := map[string]string{lending.LabelOutcome: "unavailable"}

	collector.IncrementCounter(lending.MetricBorrowOutcomes, labels)
	collector.IncrementCounterContext(context.Background(), lending.MetricBorrowOutcomes, labels)
	collector.IncrementCounter(lending.MetricBorrowOutcomes, map[string]string{lending.LabelOutcome: "ok"})

	m := findMetric(t, collect(t, reader), lending.MetricBorrowOutcomes)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	byOutcome := map[string]int64{}
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value(lending.LabelOutcome)
		byOutcome[outcome.AsString()] = dp.Value
	}

	assert.Equal(t, map[string]int64{"unavailable": 2, "ok": 1}, byOutcome)
}

func Test_MetricsCollector_Keeps_Last_Gauge_Value(t *testing.T) {
	collector, reader := newCollector()

	collector.RecordValue(lending.MetricSweeperBatchSize, 12, nil)
	collector.RecordValueContext(context.Background(), lending.MetricSweeperBatchSize, 3, nil)

	m := findMetric(t, collect(t, reader), lending.MetricSweeperBatchSize)
	gauge, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.InDelta(t, 3.0, gauge.DataPoints[0].Value, 0.0001)
}

func Test_MetricsCollector_Is_Safe_For_Concurrent_Use(t *testing.T) {
	// arrange
	collector, reader := newCollector()
	var wg sync.WaitGroup

	// act
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter(lending.MetricRetryAttempts, nil)
			collector.RecordDuration(lending.MetricRetryDelay, time.Millisecond, nil)
		}()
	}
	wg.Wait()

	// assert
	sum, ok := findMetric(t, collect(t, reader), lending.MetricRetryAttempts).Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(50), sum.DataPoints[0].Value)
}
