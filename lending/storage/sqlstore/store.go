package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
	"github.com/librarysys/lending-go/lending/storage/sqlstore/internal/adapters"
)

// Dialect selects the SQL flavor of the connected database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const (
	defaultTableName   = "lending_rows"
	defaultLockTimeout = 2 * time.Second

	logMsgBuildQueryFailed = "failed to build sql statement"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgDBExecFailed     = "database statement execution failed"
	logMsgCloseRowsFailed  = "failed to close database rows"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgRollbackFailed   = "failed to roll back transaction"
	logMsgBeginFailed      = "failed to begin transaction"
	logMsgCommitFailed     = "failed to commit transaction"
	logMsgLockFailed       = "failed to lock partition"
	logMsgSchemaFailed     = "failed to create schema"
	logMsgBatchRejected    = "conditional batch rejected"
	logMsgBatchApplied     = "conditional batch applied"
	logMsgRowsScanned      = "rows scanned"
	logMsgSQLExecuted      = "executed sql for: "
	logMsgOperation        = "sqlstore operation: "

	logAttrError      = "error"
	logAttrQuery      = "query"
	logAttrTable      = "table"
	logAttrPartition  = "partition"
	logAttrDialect    = "dialect"
	logAttrRowCount   = "row_count"
	logAttrMutations  = "mutations"
	logAttrDurationMS = "duration_ms"

	logActionRead           = "read"
	logActionReadPartition  = "read_partition"
	logActionWrite          = "write"
	logActionDelete         = "delete"
	logActionConditional    = "conditional_write"
	logActionScan           = "scan"
	logActionLock           = "lock"
	logActionUpsert         = "upsert"
	logActionSchema         = "schema"
	logActionSelectForBatch = "select_for_batch"

	colTableName  = "table_name"
	colPartition  = "partition_key"
	colClustering = "clustering_key"
	colValues     = "row_values"
	colAge        = "row_age_ns"

	conflictTarget = colTableName + "," + colPartition + "," + colClustering
)

var (
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")
	ErrEmptyTableName        = errors.New("empty table name supplied")
	ErrInvalidTableName      = errors.New("table name must match [a-z_][a-z0-9_]*")
	ErrUnsupportedDialect    = errors.New("unsupported sql dialect")
	ErrInvalidLockTimeout    = errors.New("lock timeout must be positive")
	ErrSchemaFailed          = errors.New("creating the schema failed")
	ErrBuildingQueryFailed   = errors.New("building the sql statement failed")
)

// queryExecutor is satisfied by both adapters.DBAdapter and adapters.DBTx.
type queryExecutor interface {
	Query(ctx context.Context, query string) (adapters.DBRows, error)
	Exec(ctx context.Context, query string) (adapters.DBResult, error)
}

// Store is a storage.Store backed by a SQL database.
type Store struct {
	db               adapters.DBAdapter
	dialect          Dialect
	tableName        string
	lockTimeout      time.Duration
	logger           lending.Logger
	contextualLogger lending.ContextualLogger
	metricsCollector lending.MetricsCollector
	tracingCollector lending.TracingCollector
}

// NewStoreFromPGXPool creates a new Store using a pgx Pool with optional configuration.
func NewStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapter(db), options...)
}

// NewStoreFromPGXPoolWithReplica creates a new Store whose eventually consistent reads go to the replica pool.
func NewStoreFromPGXPoolWithReplica(primary *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*Store, error) {
	if primary == nil || replica == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapterWithReplica(primary, replica), options...)
}

// NewStoreFromSQLDB creates a new Store using a sql.DB. Pass WithDialect(DialectSQLite) for go-sqlite3 connections.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLAdapter(db), options...)
}

// NewStoreFromSQLX creates a new Store using a sqlx.DB with optional configuration.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLXAdapter(db), options...)
}

func newStore(db adapters.DBAdapter, options ...Option) (*Store, error) {
	s := &Store{
		db:          db,
		dialect:     DialectPostgres,
		tableName:   defaultTableName,
		lockTimeout: defaultLockTimeout,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Read implements storage.Store.
func (s *Store) Read(ctx context.Context, key storage.Key) (storage.Row, error) {
	if err := key.Validate(); err != nil {
		return storage.Row{}, err
	}

	observer, ctx := s.startOperation(ctx, logActionRead, key.Table)

	sqlQuery, _, buildErr := s.builder().
		From(s.tableName).
		Select(colClustering, colValues, colAge).
		Where(goqu.Ex{colTableName: key.Table, colPartition: key.Partition, colClustering: key.Clustering}).
		ToSQL()
	if buildErr != nil {
		observer.finishError(errorTypeBuild)
		return storage.Row{}, s.buildError(ctx, buildErr)
	}

	rows, err := s.queryRows(ctx, s.db, sqlQuery, logActionRead, key.Table, key.Partition)
	if err != nil {
		observer.finishError(errorTypeOf(err))
		return storage.Row{}, err
	}

	if len(rows) == 0 {
		observer.finishSuccess(0)
		return storage.Row{}, storage.ErrRowNotFound
	}

	observer.finishSuccess(1)

	return rows[0], nil
}

// ReadPartition implements storage.Store.
func (s *Store) ReadPartition(ctx context.Context, table, partition string) ([]storage.Row, error) {
	if err := storage.StaticKey(table, partition).Validate(); err != nil {
		return nil, err
	}

	observer, ctx := s.startOperation(ctx, logActionReadPartition, table)

	sqlQuery, _, buildErr := s.builder().
		From(s.tableName).
		Select(colClustering, colValues, colAge).
		Where(goqu.Ex{colTableName: table, colPartition: partition}).
		ToSQL()
	if buildErr != nil {
		observer.finishError(errorTypeBuild)
		return nil, s.buildError(ctx, buildErr)
	}

	rows, err := s.queryRows(ctx, s.db, sqlQuery, logActionReadPartition, table, partition)
	if err != nil {
		observer.finishError(errorTypeOf(err))
		return nil, err
	}

	// Ordered in Go: the server's collation is not guaranteed to be bytewise.
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key.Clustering < rows[j].Key.Clustering
	})

	observer.finishSuccess(len(rows))

	return rows, nil
}

// Write implements storage.Store. It runs as an unconditional single-mutation batch.
func (s *Store) Write(ctx context.Context, key storage.Key, values storage.Values, age time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}

	normalized, err := storage.Normalize(values)
	if err != nil {
		return err
	}

	observer, ctx := s.startOperation(ctx, logActionWrite, key.Table)

	batch := storage.Batch{
		Table:     key.Table,
		Partition: key.Partition,
		Mutations: []storage.Mutation{{Clustering: key.Clustering, Set: normalized, Age: age}},
	}

	if _, _, applyErr := s.applyBatch(ctx, batch); applyErr != nil {
		observer.finishError(errorTypeOf(applyErr))
		return applyErr
	}

	observer.finishSuccess(1)

	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	observer, ctx := s.startOperation(ctx, logActionDelete, key.Table)

	sqlQuery, _, buildErr := s.builder().
		Delete(s.tableName).
		Where(goqu.Ex{colTableName: key.Table, colPartition: key.Partition, colClustering: key.Clustering}).
		ToSQL()
	if buildErr != nil {
		observer.finishError(errorTypeBuild)
		return s.buildError(ctx, buildErr)
	}

	if err := s.exec(ctx, s.db, sqlQuery, logActionDelete); err != nil {
		observer.finishError(errorTypeOf(err))
		return err
	}

	observer.finishSuccess(1)

	return nil
}

// ConditionalWrite implements storage.Store.
func (s *Store) ConditionalWrite(ctx context.Context, batch storage.Batch) (bool, []storage.Row, error) {
	if err := batch.Validate(); err != nil {
		return false, nil, err
	}

	normalized, err := batch.Normalized()
	if err != nil {
		return false, nil, err
	}

	observer, ctx := s.startOperation(ctx, logActionConditional, batch.Table)

	applied, current, applyErr := s.applyBatch(ctx, normalized)
	if applyErr != nil {
		observer.finishError(errorTypeOf(applyErr))
		return false, nil, applyErr
	}

	observer.finishSuccess(len(normalized.Mutations))

	if !applied {
		s.logOperation(ctx, logMsgBatchRejected, logAttrTable, batch.Table, logAttrPartition, batch.Partition)
		return false, current, nil
	}

	s.logOperation(ctx, logMsgBatchApplied,
		logAttrTable, batch.Table,
		logAttrPartition, batch.Partition,
		logAttrMutations, len(normalized.Mutations))

	return true, nil, nil
}

// ScanOlderThan implements storage.Store.
func (s *Store) ScanOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) ([]storage.Row, error) {
	if table == "" {
		return nil, storage.ErrEmptyTable
	}

	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}

	observer, ctx := s.startOperation(ctx, logActionScan, table)

	sqlQuery, _, buildErr := s.builder().
		From(s.tableName).
		Select(colPartition, colClustering, colValues, colAge).
		Where(
			goqu.C(colTableName).Eq(table),
			goqu.C(colAge).IsNotNull(),
			goqu.C(colAge).Lt(cutoff.UnixNano()),
		).
		Order(goqu.C(colAge).Asc(), goqu.C(colPartition).Asc(), goqu.C(colClustering).Asc()).
		Limit(uint(limit)).
		ToSQL()
	if buildErr != nil {
		observer.finishError(errorTypeBuild)
		return nil, s.buildError(ctx, buildErr)
	}

	start := time.Now()
	dbRows, queryErr := s.db.Query(ctx, sqlQuery)
	s.logQueryWithDuration(ctx, sqlQuery, logActionScan, time.Since(start))
	if queryErr != nil {
		s.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		observer.finishError(errorTypeOf(classify(queryErr)))
		return nil, classify(queryErr)
	}
	defer s.closeRows(ctx, dbRows)

	rows := make([]storage.Row, 0, limit)
	for dbRows.Next() {
		var partition, clustering string
		var raw []byte
		var age sql.NullInt64

		if scanErr := dbRows.Scan(&partition, &clustering, &raw, &age); scanErr != nil {
			s.logError(ctx, logMsgScanRowFailed, scanErr)
			observer.finishError(errorTypeScan)
			return nil, errors.Join(storage.ErrStoreFailure, scanErr)
		}

		row, decodeErr := decodeRow(storage.Key{Table: table, Partition: partition, Clustering: clustering}, raw, age)
		if decodeErr != nil {
			observer.finishError(errorTypeScan)
			return nil, decodeErr
		}

		rows = append(rows, row)
	}

	if iterErr := dbRows.Err(); iterErr != nil {
		observer.finishError(errorTypeOf(classify(iterErr)))
		return nil, classify(iterErr)
	}

	observer.finishSuccess(len(rows))
	s.logOperation(ctx, logMsgRowsScanned, logAttrTable, table, logAttrRowCount, len(rows))

	return rows, nil
}

// applyBatch runs a normalized batch inside a partition-locked transaction.
func (s *Store) applyBatch(ctx context.Context, batch storage.Batch) (applied bool, current []storage.Row, err error) {
	tx, beginErr := s.db.BeginTx(ctx)
	if beginErr != nil {
		s.logError(ctx, logMsgBeginFailed, beginErr)
		return false, nil, classify(beginErr)
	}

	committed := false
	defer func() {
		if committed {
			return
		}

		if rollbackErr := tx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logWarn(ctx, logMsgRollbackFailed, logAttrError, rollbackErr.Error())
		}
	}()

	if lockErr := s.lockPartition(ctx, tx, batch.Table, batch.Partition); lockErr != nil {
		return false, nil, lockErr
	}

	existing, selectErr := s.selectRows(ctx, tx, batch)
	if selectErr != nil {
		return false, nil, selectErr
	}

	if !batch.AllHold(existing) {
		for _, clustering := range batch.ReferencedRows() {
			if row, ok := existing[clustering]; ok {
				current = append(current, row)
			}
		}

		return false, current, nil
	}

	for _, mutation := range batch.Mutations {
		key := storage.Key{Table: batch.Table, Partition: batch.Partition, Clustering: mutation.Clustering}
		row, exists := existing[mutation.Clustering]

		next, keep := mutation.Apply(key, row, exists)
		if mutateErr := s.persistRow(ctx, tx, key, next, keep); mutateErr != nil {
			return false, nil, mutateErr
		}

		if keep {
			existing[mutation.Clustering] = next
		} else {
			delete(existing, mutation.Clustering)
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		s.logError(ctx, logMsgCommitFailed, commitErr)
		return false, nil, classify(commitErr)
	}
	committed = true

	return true, nil, nil
}

func (s *Store) lockPartition(ctx context.Context, tx adapters.DBTx, table, partition string) error {
	if s.dialect != DialectPostgres {
		return nil
	}

	timeoutStmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if err := s.exec(ctx, tx, timeoutStmt, logActionLock); err != nil {
		return err
	}

	lockStmt, _, buildErr := s.builder().
		Select(goqu.Func("pg_advisory_xact_lock", goqu.Func("hashtextextended", table+"/"+partition, 0))).
		ToSQL()
	if buildErr != nil {
		return s.buildError(ctx, buildErr)
	}

	if err := s.exec(ctx, tx, lockStmt, logActionLock); err != nil {
		s.logError(ctx, logMsgLockFailed, err, logAttrTable, table, logAttrPartition, partition)
		return err
	}

	return nil
}

func (s *Store) selectRows(ctx context.Context, tx adapters.DBTx, batch storage.Batch) (map[string]storage.Row, error) {
	clusterings := batch.ReferencedRows()

	sqlQuery, _, buildErr := s.builder().
		From(s.tableName).
		Select(colClustering, colValues, colAge).
		Where(
			goqu.C(colTableName).Eq(batch.Table),
			goqu.C(colPartition).Eq(batch.Partition),
			goqu.C(colClustering).In(clusterings),
		).
		ToSQL()
	if buildErr != nil {
		return nil, s.buildError(ctx, buildErr)
	}

	rows, err := s.queryRows(ctx, tx, sqlQuery, logActionSelectForBatch, batch.Table, batch.Partition)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]storage.Row, len(rows))
	for _, row := range rows {
		existing[row.Key.Clustering] = row
	}

	return existing, nil
}

func (s *Store) persistRow(ctx context.Context, tx adapters.DBTx, key storage.Key, row storage.Row, keep bool) error {
	where := goqu.Ex{colTableName: key.Table, colPartition: key.Partition, colClustering: key.Clustering}

	if !keep {
		sqlQuery, _, buildErr := s.builder().Delete(s.tableName).Where(where).ToSQL()
		if buildErr != nil {
			return s.buildError(ctx, buildErr)
		}

		return s.exec(ctx, tx, sqlQuery, logActionDelete)
	}

	encoded, encodeErr := storage.EncodeValues(row.Values)
	if encodeErr != nil {
		return errors.Join(storage.ErrUnsupportedValue, encodeErr)
	}

	var age any
	if !row.Age.IsZero() {
		age = row.Age.UnixNano()
	}

	sqlQuery, _, buildErr := s.builder().
		Insert(s.tableName).
		Rows(goqu.Record{
			colTableName:  key.Table,
			colPartition:  key.Partition,
			colClustering: key.Clustering,
			colValues:     string(encoded),
			colAge:        age,
		}).
		OnConflict(goqu.DoUpdate(conflictTarget, goqu.Record{
			colValues: goqu.L("excluded." + colValues),
			colAge:    goqu.L("excluded." + colAge),
		})).
		ToSQL()
	if buildErr != nil {
		return s.buildError(ctx, buildErr)
	}

	return s.exec(ctx, tx, sqlQuery, logActionUpsert)
}

// queryRows runs a select of (clustering, values, age) and decodes all rows.
func (s *Store) queryRows(
	ctx context.Context,
	executor queryExecutor,
	sqlQuery string,
	action string,
	table string,
	partition string,
) ([]storage.Row, error) {

	start := time.Now()
	dbRows, queryErr := executor.Query(ctx, sqlQuery)
	s.logQueryWithDuration(ctx, sqlQuery, action, time.Since(start))

	if queryErr != nil {
		s.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, classify(queryErr)
	}
	defer s.closeRows(ctx, dbRows)

	var rows []storage.Row
	for dbRows.Next() {
		var clustering string
		var raw []byte
		var age sql.NullInt64

		if scanErr := dbRows.Scan(&clustering, &raw, &age); scanErr != nil {
			s.logError(ctx, logMsgScanRowFailed, scanErr)
			return nil, errors.Join(storage.ErrStoreFailure, scanErr)
		}

		row, decodeErr := decodeRow(storage.Key{Table: table, Partition: partition, Clustering: clustering}, raw, age)
		if decodeErr != nil {
			return nil, decodeErr
		}

		rows = append(rows, row)
	}

	if iterErr := dbRows.Err(); iterErr != nil {
		return nil, classify(iterErr)
	}

	return rows, nil
}

func (s *Store) exec(ctx context.Context, executor queryExecutor, sqlQuery string, action string) error {
	start := time.Now()
	_, execErr := executor.Exec(ctx, sqlQuery)
	s.logQueryWithDuration(ctx, sqlQuery, action, time.Since(start))

	if execErr != nil {
		s.logError(ctx, logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		return classify(execErr)
	}

	return nil
}

func (s *Store) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		s.logWarn(ctx, logMsgCloseRowsFailed, logAttrError, closeErr.Error())
	}
}

func (s *Store) buildError(ctx context.Context, err error) error {
	s.logError(ctx, logMsgBuildQueryFailed, err)
	return errors.Join(ErrBuildingQueryFailed, err)
}

func (s *Store) builder() goqu.DialectWrapper {
	return goqu.Dialect(string(s.dialect))
}

func decodeRow(key storage.Key, raw []byte, age sql.NullInt64) (storage.Row, error) {
	values, err := storage.DecodeValues(raw)
	if err != nil {
		return storage.Row{}, errors.Join(storage.ErrStoreFailure, err)
	}

	row := storage.Row{Key: key, Values: values}
	if age.Valid {
		row.Age = time.Unix(0, age.Int64).UTC()
	}

	return row, nil
}

var _ storage.Store = (*Store)(nil)
