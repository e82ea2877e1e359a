package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
	"github.com/librarysys/lending-go/lending/storage/sqlstore"
	"github.com/librarysys/lending-go/testutil/observability/testdoubles"
	"github.com/librarysys/lending-go/testutil/storetest"
)

const postgresDSNEnv = "LIBSYS_TEST_POSTGRES_DSN"

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate&_busy_timeout=5000", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)

	// One connection keeps the in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func newSQLiteStore(t *testing.T, options ...sqlstore.Option) *sqlstore.Store {
	t.Helper()

	options = append([]sqlstore.Option{sqlstore.WithDialect(sqlstore.DialectSQLite)}, options...)
	store, err := sqlstore.NewStoreFromSQLDB(openSQLite(t), options...)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))

	return store
}

func uniqueTableName() string {
	return "lending_rows_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
}

func postgresDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}

	return dsn
}

func Test_SQLiteStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return newSQLiteStore(t)
	})
}

func Test_PostgresStore_Conformance_PGX(t *testing.T) {
	dsn := postgresDSN(t)

	storetest.Run(t, func(t *testing.T) storage.Store {
		pool, err := pgxpool.New(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		table := uniqueTableName()
		store, err := sqlstore.NewStoreFromPGXPool(pool, sqlstore.WithTableName(table))
		require.NoError(t, err)
		require.NoError(t, store.EnsureSchema(context.Background()))
		t.Cleanup(func() { _, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table) })

		return store
	})
}

func Test_PostgresStore_Conformance_SQLDB(t *testing.T) {
	dsn := postgresDSN(t)

	storetest.Run(t, func(t *testing.T) storage.Store {
		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		table := uniqueTableName()
		store, err := sqlstore.NewStoreFromSQLDB(db, sqlstore.WithTableName(table))
		require.NoError(t, err)
		require.NoError(t, store.EnsureSchema(context.Background()))
		t.Cleanup(func() { _, _ = db.Exec("DROP TABLE IF EXISTS " + table) })

		return store
	})
}

func Test_PostgresStore_Conformance_SQLX(t *testing.T) {
	dsn := postgresDSN(t)

	storetest.Run(t, func(t *testing.T) storage.Store {
		db, err := sqlx.Open("postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		table := uniqueTableName()
		store, err := sqlstore.NewStoreFromSQLX(db, sqlstore.WithTableName(table))
		require.NoError(t, err)
		require.NoError(t, store.EnsureSchema(context.Background()))
		t.Cleanup(func() { _, _ = db.Exec("DROP TABLE IF EXISTS " + table) })

		return store
	})
}

func Test_PostgresStore_EventualReads_Use_Replica(t *testing.T) {
	// arrange
	dsn := postgresDSN(t)
	ctx := context.Background()
	primary, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer primary.Close()
	replica, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer replica.Close()

	table := uniqueTableName()
	store, err := sqlstore.NewStoreFromPGXPoolWithReplica(primary, replica, sqlstore.WithTableName(table))
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	defer func() { _, _ = primary.Exec(ctx, "DROP TABLE IF EXISTS "+table) }()

	key := storage.StaticKey("copy_availability_by_book", "isbn-1")
	require.NoError(t, store.Write(ctx, key, storage.Values{"total": 1}, time.Time{}))

	// act
	row, err := store.Read(lending.WithEventualConsistency(ctx), key)

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Int("total"))
}

func Test_NewStore_Fails_With_Nil_Connection(t *testing.T) {
	testCases := []struct {
		name    string
		factory func() (*sqlstore.Store, error)
	}{
		{name: "pgx pool", factory: func() (*sqlstore.Store, error) { return sqlstore.NewStoreFromPGXPool(nil) }},
		{name: "pgx pool with replica", factory: func() (*sqlstore.Store, error) { return sqlstore.NewStoreFromPGXPoolWithReplica(nil, nil) }},
		{name: "sql.DB", factory: func() (*sqlstore.Store, error) { return sqlstore.NewStoreFromSQLDB(nil) }},
		{name: "sqlx.DB", factory: func() (*sqlstore.Store, error) { return sqlstore.NewStoreFromSQLX(nil) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := tc.factory()

			assert.ErrorIs(t, err, sqlstore.ErrNilDatabaseConnection)
			assert.Nil(t, store)
		})
	}
}

func Test_NewStore_Rejects_Invalid_Options(t *testing.T) {
	db := openSQLite(t)

	testCases := []struct {
		name     string
		option   sqlstore.Option
		expected error
	}{
		{name: "empty table name", option: sqlstore.WithTableName(""), expected: sqlstore.ErrEmptyTableName},
		{name: "table name with quote", option: sqlstore.WithTableName(`rows"; drop`), expected: sqlstore.ErrInvalidTableName},
		{name: "unknown dialect", option: sqlstore.WithDialect("mysql"), expected: sqlstore.ErrUnsupportedDialect},
		{name: "zero lock timeout", option: sqlstore.WithLockTimeout(0), expected: sqlstore.ErrInvalidLockTimeout},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sqlstore.NewStoreFromSQLDB(db, tc.option)

			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

func Test_SchemaStatements_Use_Table_Name_Per_Dialect(t *testing.T) {
	db := openSQLite(t)

	postgres, err := sqlstore.NewStoreFromSQLDB(db, sqlstore.WithTableName("loans"))
	require.NoError(t, err)
	sqlite, err := sqlstore.NewStoreFromSQLDB(db, sqlstore.WithTableName("loans"), sqlstore.WithDialect(sqlstore.DialectSQLite))
	require.NoError(t, err)

	pgStatements, err := postgres.SchemaStatements()
	require.NoError(t, err)
	liteStatements, err := sqlite.SchemaStatements()
	require.NoError(t, err)

	require.Len(t, pgStatements, 2)
	require.Len(t, liteStatements, 2)
	assert.Contains(t, pgStatements[0], "CREATE TABLE IF NOT EXISTS loans")
	assert.Contains(t, pgStatements[0], "JSONB")
	assert.Contains(t, liteStatements[0], "WITHOUT ROWID")
	assert.NotContains(t, liteStatements[1], "{{table}}")
}

func Test_EnsureSchema_Is_Idempotent(t *testing.T) {
	store := newSQLiteStore(t)

	assert.NoError(t, store.EnsureSchema(context.Background()))
}

func Test_IsContention_Classifies_Driver_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "pgx lock timeout", err: &pgconn.PgError{Code: "55P03"}, expected: true},
		{name: "pgx serialization failure", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), expected: true},
		{name: "pgx unique violation", err: &pgconn.PgError{Code: "23505"}, expected: false},
		{name: "pq deadlock", err: &pq.Error{Code: "40P01"}, expected: true},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, expected: true},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, expected: false},
		{name: "plain error", err: errors.New("boom"), expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, sqlstore.IsContention(tc.err))
		})
	}
}

func Test_SQLiteStore_Records_Observability(t *testing.T) {
	// arrange
	ctx := context.Background()
	logSpy := testdoubles.NewLogHandlerSpy(false)
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()
	store := newSQLiteStore(t,
		sqlstore.WithLogger(slog.New(logSpy)),
		sqlstore.WithMetrics(metricsSpy),
		sqlstore.WithTracing(tracingSpy),
	)
	key := storage.StaticKey("copy_availability_by_book", "isbn-1")

	// act
	require.NoError(t, store.Write(ctx, key, storage.Values{"total": 1, "available": 1}, time.Time{}))
	_, err := store.Read(ctx, storage.StaticKey("copy_availability_by_book", "isbn-missing"))

	// assert
	assert.ErrorIs(t, err, storage.ErrRowNotFound)
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelDebug, "executed sql for: upsert").WithDurationMS().WithAttr("query").Assert())
	assert.True(t, metricsSpy.HasDurationRecordForMetric(lending.MetricOperationDuration).
		WithOperation("sqlstore_write").
		WithStatus(lending.StatusSuccess).
		Assert())
	assert.True(t, metricsSpy.HasDurationRecordForMetric(lending.MetricOperationDuration).
		WithOperation("sqlstore_read").
		Assert())
	assert.Len(t, tracingSpy.SpansNamed("sqlstore.write"), 1)
	assert.True(t, tracingSpy.AllFinished())
}

func Test_SQLiteStore_Records_Error_Type_For_Failed_Write(t *testing.T) {
	// arrange
	logSpy := testdoubles.NewLogHandlerSpy(false)
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	store := newSQLiteStore(t,
		sqlstore.WithLogger(slog.New(logSpy)),
		sqlstore.WithMetrics(metricsSpy),
	)
	logSpy.Reset()
	require.Zero(t, logSpy.GetRecordCount())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// act
	err := store.Write(ctx, storage.StaticKey("copy_availability_by_book", "isbn-1"), storage.Values{"total": 1}, time.Time{})

	// assert
	assert.ErrorIs(t, err, storage.ErrStoreFailure)
	assert.Positive(t, logSpy.GetRecordCount())
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelError, "failed to begin transaction").WithAttr("error").Assert())
	assert.True(t, metricsSpy.HasCounterRecordForMetric(lending.MetricOperationErrors).
		WithOperation("sqlstore_write").
		WithErrorType("store_failure").
		Assert())
	assert.True(t, metricsSpy.HasDurationRecordForMetric(lending.MetricOperationDuration).
		WithOperation("sqlstore_write").
		WithStatus(lending.StatusError).
		Assert())
}

func Test_SQLiteStore_Persists_Values_Through_Reopen_Of_Partition(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := newSQLiteStore(t)
	borrowedAt := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	key := storage.Key{Table: "borrows_by_id", Partition: "b-1", Clustering: ""}

	// act
	require.NoError(t, store.Write(ctx, key, storage.Values{
		"isbn":        "isbn-1",
		"borrowed_at": borrowedAt,
		"copies":      3,
		"overdue":     false,
		"returned_at": nil,
	}, borrowedAt))
	row, err := store.Read(ctx, key)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "isbn-1", row.String("isbn"))
	assert.Equal(t, int64(3), row.Int("copies"))
	assert.False(t, row.Bool("overdue"))
	assert.False(t, row.Has("returned_at"))
	got, ok := row.Time("borrowed_at")
	require.True(t, ok)
	assert.True(t, borrowedAt.Equal(got))
	assert.True(t, borrowedAt.Equal(row.Age))
}
