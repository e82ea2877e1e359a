package oteladapters

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/librarysys/lending-go/lending"
)

// MetricsCollector implements lending.ContextualMetricsCollector with the OpenTelemetry metrics API:
// durations go to histograms in seconds, counters to Int64Counters and values to gauges.
// Instruments are created on first use and cached; the collector is safe for concurrent use.
type MetricsCollector struct {
	meter      metric.Meter
	histograms *xsync.MapOf[string, metric.Float64Histogram]
	counters   *xsync.MapOf[string, metric.Int64Counter]
	gauges     *xsync.MapOf[string, metric.Float64Gauge]
}

// NewMetricsCollector returns a collector creating its instruments from meter.
func NewMetricsCollector(meter metric.Meter) *MetricsCollector {
	return &MetricsCollector{
		meter:      meter,
		histograms: xsync.NewMapOf[string, metric.Float64Histogram](),
		counters:   xsync.NewMapOf[string, metric.Int64Counter](),
		gauges:     xsync.NewMapOf[string, metric.Float64Gauge](),
	}
}

func (m *MetricsCollector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	m.RecordDurationContext(context.Background(), name, duration, labels)
}

func (m *MetricsCollector) RecordDurationContext(ctx context.Context, name string, duration time.Duration, labels map[string]string) {
	histogram, ok := m.histogram(name)
	if !ok {
		return
	}

	histogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attributes(labels)...))
}

func (m *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.IncrementCounterContext(context.Background(), name, labels)
}

func (m *MetricsCollector) IncrementCounterContext(ctx context.Context, name string, labels map[string]string) {
	counter, ok := m.counter(name)
	if !ok {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(attributes(labels)...))
}

func (m *MetricsCollector) RecordValue(name string, value float64, labels map[string]string) {
	m.RecordValueContext(context.Background(), name, value, labels)
}

func (m *MetricsCollector) RecordValueContext(ctx context.Context, name string, value float64, labels map[string]string) {
	gauge, ok := m.gauge(name)
	if !ok {
		return
	}

	gauge.Record(ctx, value, metric.WithAttributes(attributes(labels)...))
}

// Instrument creation errors leave the instrument uncached, so the next call tries again.

func (m *MetricsCollector) histogram(name string) (metric.Float64Histogram, bool) {
	if h, ok := m.histograms.Load(name); ok {
		return h, true
	}

	h, err := m.meter.Float64Histogram(name, metric.WithDescription(describe(name)), metric.WithUnit("s"))
	if err != nil {
		return nil, false
	}

	h, _ = m.histograms.LoadOrStore(name, h)

	return h, true
}

func (m *MetricsCollector) counter(name string) (metric.Int64Counter, bool) {
	if c, ok := m.counters.Load(name); ok {
		return c, true
	}

	c, err := m.meter.Int64Counter(name, metric.WithDescription(describe(name)))
	if err != nil {
		return nil, false
	}

	c, _ = m.counters.LoadOrStore(name, c)

	return c, true
}

func (m *MetricsCollector) gauge(name string) (metric.Float64Gauge, bool) {
	if g, ok := m.gauges.Load(name); ok {
		return g, true
	}

	g, err := m.meter.Float64Gauge(name, metric.WithDescription(describe(name)))
	if err != nil {
		return nil, false
	}

	g, _ = m.gauges.LoadOrStore(name, g)

	return g, true
}

func attributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}

	return attrs
}

// describe derives a readable description from a metric name like lending_sweeper_batch_size.
func describe(name string) string {
	words := strings.Split(strings.TrimPrefix(name, "lending_"), "_")

	switch words[len(words)-1] {
	case "total", "seconds":
		words = words[:len(words)-1]
	}

	return "Lending " + strings.Join(words, " ")
}

var _ lending.ContextualMetricsCollector = (*MetricsCollector)(nil)
