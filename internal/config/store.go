package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
	"github.com/librarysys/lending-go/lending/storage/memstore"
	"github.com/librarysys/lending-go/lending/storage/redisstore"
	"github.com/librarysys/lending-go/lending/storage/sqlstore"
)

var ErrSchemaUnsupported = errors.New("backend has no schema to initialize")

// Observability is passed to every component built from the configuration. Nil fields are skipped.
type Observability struct {
	Logger           lending.Logger
	ContextualLogger lending.ContextualLogger
	Metrics          lending.MetricsCollector
	Tracing          lending.TracingCollector
}

// Backend is an opened storage backend.
type Backend struct {
	Store storage.Store

	sql    *sqlstore.Store
	closer func() error
}

// EnsureSchema creates the SQL table of SQL backends.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if b.sql == nil {
		return ErrSchemaUnsupported
	}

	return b.sql.EnsureSchema(ctx)
}

// Close releases the connections of the backend.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}

	return b.closer()
}

// OpenStore connects the configured backend.
func OpenStore(ctx context.Context, cfg StorageConfig, obs Observability) (*Backend, error) {
	switch cfg.Backend {
	case BackendMemory:
		return &Backend{Store: memstore.New()}, nil
	case BackendSQLite:
		db, err := OpenSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}

		return sqlBackend(db.Close, func(options []sqlstore.Option) (*sqlstore.Store, error) {
			return sqlstore.NewStoreFromSQLDB(db, append(options, sqlstore.WithDialect(sqlstore.DialectSQLite))...)
		}, cfg, obs)
	case BackendPostgres:
		return openPostgres(ctx, cfg, obs)
	case BackendRedis:
		client := NewRedisClient(cfg.Redis)

		options := []redisstore.Option{
			redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redisstore.WithMaxAttempts(cfg.Redis.MaxAttempts),
		}
		if obs.Logger != nil {
			options = append(options, redisstore.WithLogger(obs.Logger))
		}
		if obs.Metrics != nil {
			options = append(options, redisstore.WithMetrics(obs.Metrics))
		}

		store, err := redisstore.New(client, options...)
		if err != nil {
			return nil, errors.Join(err, client.Close())
		}

		if err = store.LoadScripts(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to reach redis: %w", err), client.Close())
		}

		return &Backend{Store: store, closer: client.Close}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func openPostgres(ctx context.Context, cfg StorageConfig, obs Observability) (*Backend, error) {
	pg := cfg.Postgres

	switch pg.Driver {
	case DriverPGX:
		primary, err := OpenPGXPool(ctx, pg.DSN, pg.Pool)
		if err != nil {
			return nil, err
		}

		if pg.ReplicaDSN == "" {
			return sqlBackend(closeAll(primary.Close), func(options []sqlstore.Option) (*sqlstore.Store, error) {
				return sqlstore.NewStoreFromPGXPool(primary, options...)
			}, cfg, obs)
		}

		replica, err := OpenPGXPool(ctx, pg.ReplicaDSN, pg.Pool)
		if err != nil {
			primary.Close()
			return nil, err
		}

		return sqlBackend(closeAll(primary.Close, replica.Close), func(options []sqlstore.Option) (*sqlstore.Store, error) {
			return sqlstore.NewStoreFromPGXPoolWithReplica(primary, replica, options...)
		}, cfg, obs)
	case DriverSQL:
		db, err := OpenSQLDB(pg.DSN, pg.Pool)
		if err != nil {
			return nil, err
		}

		return sqlBackend(db.Close, func(options []sqlstore.Option) (*sqlstore.Store, error) {
			return sqlstore.NewStoreFromSQLDB(db, options...)
		}, cfg, obs)
	case DriverSQLX:
		db, err := OpenSQLX(pg.DSN, pg.Pool)
		if err != nil {
			return nil, err
		}

		return sqlBackend(db.Close, func(options []sqlstore.Option) (*sqlstore.Store, error) {
			return sqlstore.NewStoreFromSQLX(db, options...)
		}, cfg, obs)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, pg.Driver)
	}
}

func sqlBackend(
	closer func() error,
	build func([]sqlstore.Option) (*sqlstore.Store, error),
	cfg StorageConfig,
	obs Observability,
) (*Backend, error) {
	options := []sqlstore.Option{sqlstore.WithTableName(cfg.Table)}
	if cfg.Backend == BackendPostgres {
		options = append(options, sqlstore.WithLockTimeout(cfg.Postgres.LockTimeout))
	}
	if obs.Logger != nil {
		options = append(options, sqlstore.WithLogger(obs.Logger))
	}
	if obs.ContextualLogger != nil {
		options = append(options, sqlstore.WithContextualLogger(obs.ContextualLogger))
	}
	if obs.Metrics != nil {
		options = append(options, sqlstore.WithMetrics(obs.Metrics))
	}
	if obs.Tracing != nil {
		options = append(options, sqlstore.WithTracing(obs.Tracing))
	}

	store, err := build(options)
	if err != nil {
		return nil, errors.Join(err, closer())
	}

	return &Backend{Store: store, sql: store, closer: closer}, nil
}

func closeAll(closers ...func()) func() error {
	return func() error {
		for _, c := range closers {
			c()
		}

		return nil
	}
}
