package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRowNotFound is returned by Read when the addressed row does not exist.
	ErrRowNotFound = errors.New("row not found")

	// ErrContention is returned when a conditional write could not be decided because
	// the partition was contended (lock timeout, busy script). Nothing was applied.
	ErrContention = errors.New("partition contention, conditional write not decided")

	// ErrStoreFailure wraps every infrastructure failure of a storage engine.
	ErrStoreFailure = errors.New("storage engine failure")

	ErrEmptyTable          = errors.New("table must not be empty")
	ErrEmptyPartition      = errors.New("partition key must not be empty")
	ErrEmptyBatch          = errors.New("batch has no mutations")
	ErrCrossPartitionBatch = errors.New("batch mutations must target a single partition")
	ErrUnsupportedValue    = errors.New("unsupported column value type")
	ErrInvalidLimit        = errors.New("limit must be positive")
)

// Store is the storage adapter consumed by the lending services.
type Store interface {
	// Read returns the row at key, or ErrRowNotFound.
	Read(ctx context.Context, key Key) (Row, error)

	// ReadPartition returns all rows of one partition ordered by clustering key, static row first.
	ReadPartition(ctx context.Context, table, partition string) ([]Row, error)

	// Write upserts the row at key. Columns not named in values are kept.
	// A non-zero age replaces the row's age; a zero age keeps it.
	Write(ctx context.Context, key Key, values Values, age time.Time) error

	// Delete removes the row at key. Deleting an absent row is not an error.
	Delete(ctx context.Context, key Key) error

	// ConditionalWrite applies batch atomically if all its conditions hold.
	// When it does not apply, current holds the present state of the rows the conditions refer to.
	ConditionalWrite(ctx context.Context, batch Batch) (applied bool, current []Row, err error)

	// ScanOlderThan returns at most limit rows of table whose age is before cutoff, oldest first.
	// Rows written without an age are never returned.
	ScanOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) ([]Row, error)
}

// Key addresses one row.
type Key struct {
	Table      string
	Partition  string
	Clustering string
}

// StaticKey addresses the static row of a partition.
func StaticKey(table, partition string) Key {
	return Key{Table: table, Partition: partition}
}

// Validate checks that the key names a table and a partition.
func (k Key) Validate() error {
	if k.Table == "" {
		return ErrEmptyTable
	}

	if k.Partition == "" {
		return ErrEmptyPartition
	}

	return nil
}

// Row is a stored row.
type Row struct {
	Key    Key
	Values Values
	Age    time.Time
}

// Has reports whether the column is present and not null.
func (r Row) Has(column string) bool {
	v, ok := r.Values[column]
	return ok && v != nil
}

// String returns the column as a string, empty if absent.
func (r Row) String(column string) string {
	s, _ := r.Values[column].(string)
	return s
}

// Int returns the column as an int64, zero if absent.
func (r Row) Int(column string) int64 {
	n, _ := toInt64(r.Values[column])
	return n
}

// Bool returns the column as a bool, false if absent.
func (r Row) Bool(column string) bool {
	b, _ := r.Values[column].(bool)
	return b
}

// Time returns the column parsed as a time, false if absent or not a time.
func (r Row) Time(column string) (time.Time, bool) {
	s, ok := r.Values[column].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}

	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	return Row{Key: r.Key, Values: r.Values.Clone(), Age: r.Age}
}

// Values are the columns of a row. Supported value types after normalization are
// string, int64, float64, bool and nil; time.Time is stored as a sortable UTC string.
type Values map[string]any

// Clone returns a shallow copy, which is a deep copy for the supported value types.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}

	return out
}

// FindRow returns the row with the given clustering key from rows.
func FindRow(rows []Row, clustering string) (Row, bool) {
	for _, row := range rows {
		if row.Key.Clustering == clustering {
			return row, true
		}
	}

	return Row{}, false
}
