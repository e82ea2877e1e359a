package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/librarysys/lending-go/internal/config"
	"github.com/librarysys/lending-go/lending/borrowing"
	"github.com/librarysys/lending-go/lending/catalog"
	"github.com/librarysys/lending-go/lending/oteladapters"
	"github.com/librarysys/lending-go/lending/promadapters"
	"github.com/librarysys/lending-go/lending/retry"
	"github.com/librarysys/lending-go/lending/storage"
)

const instrumentationName = "github.com/librarysys/lending-go"

// Version is reported to telemetry backends.
var Version = "dev"

// App is the set of services one command works with.
type App struct {
	Config  *config.Config
	Catalog *catalog.Service
	Engine  *borrowing.Engine
	Sweeper *borrowing.Sweeper
	Backend *config.Backend

	// Metrics is set when metrics go to Prometheus rather than OpenTelemetry.
	Metrics *promadapters.Collector

	closers []func(context.Context) error
}

// Opener builds the App for a command run.
type Opener func(ctx context.Context, opts *RootOptions) (*App, error)

// NewApp wires the catalog, the engine and the sweeper on store.
// A nil clock uses the wall clock.
func NewApp(cfg *config.Config, store storage.Store, obs config.Observability, clock func() time.Time) (*App, error) {
	engineOptions := []borrowing.Option{
		borrowing.WithStoreTimeout(cfg.Storage.OperationTimeout),
		borrowing.WithRetry(
			retry.WithMaxAttempts(cfg.Engine.RetryAttempts),
			retry.WithBaseDelay(cfg.Engine.RetryBaseDelay),
			retry.WithJitterFactor(cfg.Engine.RetryJitter),
		),
		borrowing.WithGracePeriod(cfg.Sweeper.GracePeriod),
		borrowing.WithMaxAttempts(cfg.Sweeper.MaxAttempts),
		borrowing.WithBatchSize(cfg.Sweeper.BatchSize),
		borrowing.WithSweepInterval(cfg.Sweeper.Interval),
		borrowing.WithWorkers(cfg.Sweeper.Workers),
	}
	catalogOptions := []catalog.Option{
		catalog.WithCacheSize(cfg.Catalog.CacheSize),
		catalog.WithReadWorkers(cfg.Catalog.ReadWorkers),
	}

	if clock != nil {
		engineOptions = append(engineOptions, borrowing.WithClock(clock))
		catalogOptions = append(catalogOptions, catalog.WithClock(clock))
	}
	if obs.Logger != nil {
		engineOptions = append(engineOptions, borrowing.WithLogger(obs.Logger))
		catalogOptions = append(catalogOptions, catalog.WithLogger(obs.Logger))
	}
	if obs.ContextualLogger != nil {
		engineOptions = append(engineOptions, borrowing.WithContextualLogger(obs.ContextualLogger))
		catalogOptions = append(catalogOptions, catalog.WithContextualLogger(obs.ContextualLogger))
	}
	if obs.Metrics != nil {
		engineOptions = append(engineOptions, borrowing.WithMetrics(obs.Metrics))
		catalogOptions = append(catalogOptions, catalog.WithMetrics(obs.Metrics))
	}
	if obs.Tracing != nil {
		engineOptions = append(engineOptions, borrowing.WithTracing(obs.Tracing))
		catalogOptions = append(catalogOptions, catalog.WithTracing(obs.Tracing))
	}

	engine, err := borrowing.NewEngine(store, engineOptions...)
	if err != nil {
		return nil, err
	}

	sweeper, err := borrowing.NewSweeper(store, engineOptions...)
	if err != nil {
		return nil, err
	}

	service, err := catalog.NewService(store, catalogOptions...)
	if err != nil {
		return nil, err
	}

	return &App{Config: cfg, Catalog: service, Engine: engine, Sweeper: sweeper}, nil
}

// OpenApp loads the configuration and connects the configured backend and telemetry.
func OpenApp(ctx context.Context, opts *RootOptions) (app *App, err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	var (
		obs     config.Observability
		closers []func(context.Context) error
		prom    *promadapters.Collector
	)

	defer func() {
		if err != nil {
			for _, c := range closers {
				_ = c(ctx)
			}
		}
	}()

	if cfg.Telemetry.Enabled {
		telemetry, telErr := config.NewTelemetry(ctx, cfg.Telemetry, Version)
		if telErr != nil {
			return nil, WrapExitError(ExitCommandError, "failed to set up telemetry", telErr)
		}
		closers = append(closers, telemetry.Shutdown)

		logger := oteladapters.NewSlogBridgeLogger(instrumentationName)
		obs = config.Observability{
			Logger:           logger,
			ContextualLogger: logger,
			Metrics:          oteladapters.NewMetricsCollector(otel.Meter(instrumentationName)),
			Tracing:          oteladapters.NewTracingCollector(otel.Tracer(instrumentationName)),
		}
	} else {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		prom, err = promadapters.NewCollector(registry)
		if err != nil {
			return nil, err
		}

		logger := oteladapters.NewSlogBridgeLoggerWithHandler(newLogHandler(opts.logOutput(), cfg.Log, opts.Verbose))
		obs = config.Observability{Logger: logger, ContextualLogger: logger, Metrics: prom}
	}

	backend, err := config.OpenStore(ctx, cfg.Storage, obs)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	closers = append(closers, func(context.Context) error { return backend.Close() })

	app, err = NewApp(cfg, backend.Store, obs, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	app.Backend = backend
	app.Metrics = prom
	app.closers = closers

	return app, nil
}

// Close releases the backend and flushes telemetry, newest first.
func (a *App) Close(ctx context.Context) error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i](ctx))
	}

	a.closers = nil

	return err
}

func newLogHandler(w io.Writer, cfg config.LogConfig, verbose bool) slog.Handler {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if verbose {
		level = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, options)
	}

	return slog.NewTextHandler(w, options)
}
