// Package testdoubles provides spies for the lending observability interfaces.
//
//   - MetricsCollectorSpy: captures durations, counters and values, with or without context
//   - TracingCollectorSpy: captures started and finished spans
//   - ContextualLoggerSpy: captures context-aware log calls
//   - LogHandlerSpy: a slog.Handler that keeps every record
//
// Tests wire them into stores, the borrowing engine and the catalog service
// to verify instrumentation without a telemetry backend.
package testdoubles
