// Package promadapters implements lending.MetricsCollector with Prometheus client metrics
// and serves them for scraping.
package promadapters

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/librarysys/lending-go/lending"
)

var ErrNilRegistry = errors.New("registry must not be nil")

// Collector creates one vector per metric name on first use. The label names of that first
// call are fixed for the metric: later calls leave missing labels empty and drop unknown ones.
type Collector struct {
	registry   *prometheus.Registry
	namespace  string
	histograms *xsync.MapOf[string, *vec[*prometheus.HistogramVec]]
	counters   *xsync.MapOf[string, *vec[*prometheus.CounterVec]]
	gauges     *xsync.MapOf[string, *vec[*prometheus.GaugeVec]]
	onError    func(name string, err error)
}

type vec[V any] struct {
	v      V
	labels []string
}

// Option configures a Collector.
type Option func(*Collector)

// WithNamespace prefixes every metric name.
func WithNamespace(namespace string) Option {
	return func(c *Collector) { c.namespace = namespace }
}

// WithErrorHandler receives registration errors, which are otherwise dropped.
func WithErrorHandler(handler func(name string, err error)) Option {
	return func(c *Collector) { c.onError = handler }
}

// NewCollector registers its metrics with registry.
func NewCollector(registry *prometheus.Registry, options ...Option) (*Collector, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}

	c := &Collector{
		registry:   registry,
		histograms: xsync.NewMapOf[string, *vec[*prometheus.HistogramVec]](),
		counters:   xsync.NewMapOf[string, *vec[*prometheus.CounterVec]](),
		gauges:     xsync.NewMapOf[string, *vec[*prometheus.GaugeVec]](),
		onError:    func(string, error) {},
	}

	for _, option := range options {
		option(c)
	}

	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	entry, ok := load(c, c.histograms, name, labels, func(opts prometheus.Opts, names []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      opts.Name,
			Help:      opts.Help,
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, names)
	})
	if !ok {
		return
	}

	entry.v.With(values(entry.labels, labels)).Observe(duration.Seconds())
}

func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	entry, ok := load(c, c.counters, name, labels, func(opts prometheus.Opts, names []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts(opts), names)
	})
	if !ok {
		return
	}

	entry.v.With(values(entry.labels, labels)).Inc()
}

func (c *Collector) RecordValue(name string, value float64, labels map[string]string) {
	entry, ok := load(c, c.gauges, name, labels, func(opts prometheus.Opts, names []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), names)
	})
	if !ok {
		return
	}

	entry.v.With(values(entry.labels, labels)).Set(value)
}

// Context variants; the context is not used.

func (c *Collector) RecordDurationContext(_ context.Context, name string, duration time.Duration, labels map[string]string) {
	c.RecordDuration(name, duration, labels)
}

func (c *Collector) IncrementCounterContext(_ context.Context, name string, labels map[string]string) {
	c.IncrementCounter(name, labels)
}

func (c *Collector) RecordValueContext(_ context.Context, name string, value float64, labels map[string]string) {
	c.RecordValue(name, value, labels)
}

func load[V prometheus.Collector](
	c *Collector,
	cache *xsync.MapOf[string, *vec[V]],
	name string,
	labels map[string]string,
	build func(prometheus.Opts, []string) V,
) (*vec[V], bool) {
	if entry, ok := cache.Load(name); ok && entry != nil {
		return entry, true
	}

	var regErr error

	entry, _ := cache.LoadOrCompute(name, func() *vec[V] {
		names := labelNames(labels)
		v := build(prometheus.Opts{Namespace: c.namespace, Name: name, Help: help(name)}, names)

		if err := c.registry.Register(v); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				regErr = err
				return nil
			}

			existing, ok := already.ExistingCollector.(V)
			if !ok {
				regErr = err
				return nil
			}

			v = existing
		}

		return &vec[V]{v: v, labels: names}
	})

	if regErr != nil {
		cache.Delete(name)
		c.onError(name, regErr)

		return nil, false
	}

	return entry, entry != nil
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func values(names []string, labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, name := range names {
		out[name] = labels[name]
	}

	return out
}

func help(name string) string {
	return "Lending " + strings.ReplaceAll(strings.TrimPrefix(name, "lending_"), "_", " ") + "."
}

var _ lending.ContextualMetricsCollector = (*Collector)(nil)
