// Package sqlstore implements storage.Store on PostgreSQL and SQLite.
//
// All logical tables share one physical table keyed by (table_name, partition_key, clustering_key);
// row values are stored as JSON. Plain reads and deletes are single statements. Writes and conditional
// batches run in a short transaction that first takes a partition-scoped lock: a transaction-level
// advisory lock on PostgreSQL, the database write lock on SQLite (open it with _txlock=immediate).
// Conditions are evaluated and mutations applied under that lock, which makes every batch linearizable
// for its partition while different partitions proceed in parallel on PostgreSQL.
//
// Three connection types are supported through the internal adapters package:
//   - NewStoreFromPGXPool / NewStoreFromPGXPoolWithReplica for pgx (recommended for PostgreSQL)
//   - NewStoreFromSQLDB for database/sql with lib/pq or go-sqlite3
//   - NewStoreFromSQLX for sqlx
//
// SQL is built with goqu and interpolated before execution, so no driver-specific placeholders are used.
package sqlstore
