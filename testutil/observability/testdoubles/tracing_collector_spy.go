package testdoubles

import (
	"context"
	"maps"
	"sync"

	"github.com/librarysys/lending-go/lending"
)

// TracingCollectorSpy captures spans for testing.
type TracingCollectorSpy struct {
	spans []*SpySpan
	mu    sync.Mutex
}

// SpySpan is a span started through the spy.
type SpySpan struct {
	Name        string
	Attributes  map[string]string
	Status      string
	FinalStatus string
	Finished    bool
	mu          sync.Mutex
}

// NewTracingCollectorSpy creates an empty TracingCollectorSpy.
func NewTracingCollectorSpy() *TracingCollectorSpy {
	return &TracingCollectorSpy{}
}

// StartSpan implements lending.TracingCollector.
func (s *TracingCollectorSpy) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, lending.SpanContext) {
	span := &SpySpan{Name: name, Attributes: maps.Clone(attrs)}
	if span.Attributes == nil {
		span.Attributes = map[string]string{}
	}

	s.mu.Lock()
	s.spans = append(s.spans, span)
	s.mu.Unlock()

	return ctx, span
}

// FinishSpan implements lending.TracingCollector.
func (s *TracingCollectorSpy) FinishSpan(spanCtx lending.SpanContext, status string, attrs map[string]string) {
	span, ok := spanCtx.(*SpySpan)
	if !ok {
		return
	}

	span.mu.Lock()
	defer span.mu.Unlock()

	maps.Copy(span.Attributes, attrs)
	span.FinalStatus = status
	span.Finished = true
}

// SetStatus implements lending.SpanContext.
func (s *SpySpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Status = status
}

// AddAttribute implements lending.SpanContext.
func (s *SpySpan) AddAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Attributes[key] = value
}

// SpansNamed returns the spans started under name.
func (s *TracingCollectorSpy) SpansNamed(name string) []*SpySpan {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SpySpan
	for _, span := range s.spans {
		if span.Name == name {
			out = append(out, span)
		}
	}

	return out
}

// SpanCount returns the number of started spans.
func (s *TracingCollectorSpy) SpanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.spans)
}

// AllFinished reports whether every started span was finished.
func (s *TracingCollectorSpy) AllFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, span := range s.spans {
		span.mu.Lock()
		finished := span.Finished
		span.mu.Unlock()

		if !finished {
			return false
		}
	}

	return true
}

var _ lending.TracingCollector = (*TracingCollectorSpy)(nil)
