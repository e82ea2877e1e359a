package oteladapters

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/librarysys/lending-go/lending"
)

// TracingCollector implements lending.TracingCollector with an OpenTelemetry tracer.
type TracingCollector struct {
	tracer trace.Tracer
}

// NewTracingCollector returns a collector starting its spans from tracer.
func NewTracingCollector(tracer trace.Tracer) *TracingCollector {
	return &TracingCollector{tracer: tracer}
}

// StartSpan starts a span as a child of the span in ctx, if any.
func (t *TracingCollector) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, lending.SpanContext) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(spanAttributes(attrs)...))

	return ctx, &Span{span: span}
}

// FinishSpan adds attrs, sets the status and ends the span. Spans of other implementations are ignored.
func (t *TracingCollector) FinishSpan(spanCtx lending.SpanContext, status string, attrs map[string]string) {
	s, ok := spanCtx.(*Span)
	if !ok {
		return
	}

	s.span.SetAttributes(spanAttributes(attrs)...)
	s.SetStatus(status)
	s.span.End()
}

var _ lending.TracingCollector = (*TracingCollector)(nil)

// Span wraps an OpenTelemetry span.
type Span struct {
	span trace.Span
}

// SetStatus maps lending status strings onto span status codes.
// Unknown strings are kept as a status attribute and leave the code unset.
func (s *Span) SetStatus(status string) {
	switch status {
	case lending.StatusSuccess, "ok":
		s.span.SetStatus(codes.Ok, "")
	case lending.StatusError:
		s.span.SetStatus(codes.Error, "operation failed")
	case "canceled":
		s.span.SetStatus(codes.Error, "operation canceled")
	case "conflict":
		s.span.SetStatus(codes.Error, "reservation conflict")
	default:
		s.span.SetAttributes(attribute.String(lending.LabelStatus, status))
	}
}

func (s *Span) AddAttribute(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

func spanAttributes(attrs map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for key, value := range attrs {
		out = append(out, attribute.String(key, value))
	}

	return out
}

var _ lending.SpanContext = (*Span)(nil)
