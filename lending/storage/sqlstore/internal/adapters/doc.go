// Package adapters provide database adapter implementations for the SQL store.
//
// The adapter pattern lets the store run on pgx.Pool, sql.DB and sqlx.DB alike. All adapters offer
// the same DBAdapter interface for plain statements and partition-scoped transactions, so the store
// never depends on the specifics of a database library.
package adapters
