package config

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver for database/sql and sqlx
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/redis/go-redis/v9"
)

// PGXPoolConfig parses dsn and applies the pool sizing.
func PGXPoolConfig(dsn string, pool PoolConfig) (*pgxpool.Config, error) {
	dbConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	dbConfig.MaxConns = pool.MaxConns
	dbConfig.MinConns = pool.MinConns
	dbConfig.MaxConnLifetime = pool.MaxConnLifetime
	dbConfig.MaxConnIdleTime = pool.MaxConnIdleTime
	dbConfig.HealthCheckPeriod = pool.HealthCheckPeriod
	dbConfig.ConnConfig.ConnectTimeout = pool.ConnectTimeout

	return dbConfig, nil
}

// OpenPGXPool connects a pgx pool and pings it.
func OpenPGXPool(ctx context.Context, dsn string, pool PoolConfig) (*pgxpool.Pool, error) {
	dbConfig, err := PGXPoolConfig(dsn, pool)
	if err != nil {
		return nil, err
	}

	p, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err = p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	return p, nil
}

// OpenSQLDB opens a database/sql handle on the lib/pq driver.
func OpenSQLDB(dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	applyPool(db, pool)

	return db, nil
}

// OpenSQLX opens a sqlx handle on the lib/pq driver.
func OpenSQLX(dsn string, pool PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	applyPool(db.DB, pool)

	return db, nil
}

func applyPool(db *sql.DB, pool PoolConfig) {
	db.SetMaxOpenConns(int(pool.MaxConns))
	db.SetMaxIdleConns(int(pool.MinConns))
	db.SetConnMaxLifetime(pool.MaxConnLifetime)
	db.SetConnMaxIdleTime(pool.MaxConnIdleTime)
}

// SQLiteDSN returns a go-sqlite3 DSN that starts write transactions immediately,
// so that concurrent batches wait on the busy timeout instead of failing at commit.
func SQLiteDSN(cfg SQLiteConfig) string {
	query := url.Values{}
	query.Set("_txlock", "immediate")
	query.Set("_busy_timeout", fmt.Sprint(cfg.BusyTimeout.Milliseconds()))
	query.Set("_journal_mode", "WAL")

	return "file:" + cfg.Path + "?" + query.Encode()
}

// OpenSQLite opens the SQLite database with a single connection.
func OpenSQLite(cfg SQLiteConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", SQLiteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	return db, nil
}

// NewRedisClient returns a client for cfg; it does not connect until first use.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
