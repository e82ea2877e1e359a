package oteladapters_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/oteladapters"
	"github.com/librarysys/lending-go/testutil/observability/testdoubles"
)

func newTracing() (*oteladapters.TracingCollector, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))

	return oteladapters.NewTracingCollector(provider.Tracer("lending")), exporter
}

func attributeValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString(), true
		}
	}

	return "", false
}

func Test_TracingCollector_Finishes_Span_With_Attributes(t *testing.T) {
	// arrange
	collector, exporter := newTracing()

	// act
	_, span := collector.StartSpan(context.Background(), "borrowing.borrow", map[string]string{"isbn": "978-0"})
	span.AddAttribute("borrow_id", "b-1")
	collector.FinishSpan(span, lending.StatusSuccess, map[string]string{lending.LabelOutcome: "ok"})

	// assert
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "borrowing.borrow", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	for key, want := range map[string]string{"isbn": "978-0", "borrow_id": "b-1", "outcome": "ok"} {
		got, ok := attributeValue(spans[0].Attributes, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
}

func Test_TracingCollector_Maps_Statuses(t *testing.T) {
	testCases := []struct {
		status string
		code   codes.Code
	}{
		{lending.StatusSuccess, codes.Ok},
		{lending.StatusError, codes.Error},
		{"canceled", codes.Error},
		{"conflict", codes.Error},
		{"deferred", codes.Unset},
	}

	for _, tc := range testCases {
		t.Run(tc.status, func(t *testing.T) {
			collector, exporter := newTracing()

			_, span := collector.StartSpan(context.Background(), "borrowing.sweep", nil)
			collector.FinishSpan(span, tc.status, nil)

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tc.code, spans[0].Status.Code)
		})
	}
}

func Test_TracingCollector_Nests_Child_Spans(t *testing.T) {
	collector, exporter := newTracing()

	ctx, parent := collector.StartSpan(context.Background(), "borrowing.sweep", nil)
	_, child := collector.StartSpan(ctx, "borrowing.repair", nil)
	collector.FinishSpan(child, lending.StatusSuccess, nil)
	collector.FinishSpan(parent, lending.StatusSuccess, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].SpanContext.TraceID())
}

func Test_TracingCollector_Ignores_Foreign_Spans(t *testing.T) {
	collector, exporter := newTracing()

	assert.NotPanics(t, func() {
		collector.FinishSpan(&testdoubles.SpySpan{}, lending.StatusSuccess, nil)
	})
	assert.Empty(t, exporter.GetSpans())
}
