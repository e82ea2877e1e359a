package oteladapters_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/librarysys/lending-go/lending/oteladapters"
)

type emitted struct {
	ctx    context.Context
	record log.Record
}

// recordingLogger keeps every emitted record.
type recordingLogger struct {
	noop.Logger

	mu      sync.Mutex
	records []emitted
}

func (l *recordingLogger) Emit(ctx context.Context, record log.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, emitted{ctx: ctx, record: record.Clone()})
}

func attrsOf(record log.Record) map[string]string {
	out := map[string]string{}
	record.WalkAttributes(func(kv log.KeyValue) bool {
		out[kv.Key] = kv.Value.String()
		return true
	})

	return out
}

func Test_SlogLogger_Writes_All_Levels(t *testing.T) {
	// arrange
	var buf bytes.Buffer
	logger := oteladapters.NewSlogBridgeLoggerWithHandler(
		slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	ctx := context.Background()

	// act
	logger.DebugContext(ctx, "pending entry recorded", "borrow_id", "b-1")
	logger.InfoContext(ctx, "borrow committed", "isbn", "978-0")
	logger.WarnContext(ctx, "fan-out incomplete", "missing", 2)
	logger.Error("sweep failed", "error", "timeout")

	// assert
	output := buf.String()
	assert.Contains(t, output, `"level":"DEBUG"`)
	assert.Contains(t, output, `"level":"INFO"`)
	assert.Contains(t, output, `"level":"WARN"`)
	assert.Contains(t, output, `"level":"ERROR"`)
	assert.Contains(t, output, `"borrow_id":"b-1"`)
	assert.Contains(t, output, `"missing":2`)
}

func Test_SlogLogger_Respects_Handler_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := oteladapters.NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func Test_NewSlogBridgeLogger_Uses_Global_Provider(t *testing.T) {
	logger := oteladapters.NewSlogBridgeLogger("lending")

	assert.NotPanics(t, func() {
		logger.InfoContext(context.Background(), "no provider installed")
	})
}

func Test_OTelLogger_Emits_Severity_Body_And_Attributes(t *testing.T) {
	// arrange
	recorder := &recordingLogger{}
	logger := oteladapters.NewOTelLogger(recorder)

	// act
	logger.WarnContext(context.Background(), "stuck reservation compensated",
		"isbn", "978-0", "attempts", 5, "compensated", true, "dangling")

	// assert
	require.Len(t, recorder.records, 1)
	record := recorder.records[0].record
	assert.Equal(t, log.SeverityWarn, record.Severity())
	assert.Equal(t, "stuck reservation compensated", record.Body().AsString())
	assert.Equal(t, map[string]string{
		"isbn":        "978-0",
		"attempts":    "5",
		"compensated": "true",
	}, attrsOf(record))
}

func Test_OTelLogger_Maps_Every_Level(t *testing.T) {
	recorder := &recordingLogger{}
	logger := oteladapters.NewOTelLogger(recorder)
	ctx := context.Background()

	logger.DebugContext(ctx, "d")
	logger.InfoContext(ctx, "i")
	logger.WarnContext(ctx, "w")
	logger.ErrorContext(ctx, "e")

	require.Len(t, recorder.records, 4)
	assert.Equal(t, log.SeverityDebug, recorder.records[0].record.Severity())
	assert.Equal(t, log.SeverityInfo, recorder.records[1].record.Severity())
	assert.Equal(t, log.SeverityWarn, recorder.records[2].record.Severity())
	assert.Equal(t, log.SeverityError, recorder.records[3].record.Severity())
}

func Test_OTelLogger_Passes_Span_Context_Through(t *testing.T) {
	// arrange
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	tracer := provider.Tracer("test")
	recorder := &recordingLogger{}
	logger := oteladapters.NewOTelLogger(recorder)

	// act
	ctx, span := tracer.Start(context.Background(), "borrowing.borrow")
	logger.InfoContext(ctx, "borrow committed")
	span.End()

	// assert
	require.Len(t, recorder.records, 1)
	logged := oteltrace.SpanContextFromContext(recorder.records[0].ctx)
	assert.True(t, logged.IsValid())
	assert.Equal(t, span.SpanContext().TraceID(), logged.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), logged.SpanID())
}
