// Package memstore is an in-process storage.Store.
//
// Partitions live in a concurrent xsync map; each partition carries its own mutex, which makes every
// single-partition batch linearizable while operations on different partitions never contend.
// The store supports fault injection so that tests can interrupt a fan-out at a chosen table.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/librarysys/lending-go/lending/storage"
)

// Operation kinds reported to a FaultFunc.
const (
	OpRead             = "read"
	OpReadPartition    = "read_partition"
	OpWrite            = "write"
	OpDelete           = "delete"
	OpConditionalWrite = "conditional_write"
	OpScan             = "scan"
)

// ErrInjected is a convenience error for fault functions.
var ErrInjected = errors.New("injected storage fault")

// Operation describes a store call about to be executed.
type Operation struct {
	Kind       string
	Table      string
	Partition  string
	Clustering string
}

// FaultFunc decides whether an operation fails. A non-nil error aborts the operation before it has any effect.
type FaultFunc func(op Operation) error

type partitionID struct {
	table     string
	partition string
}

type partition struct {
	mu   sync.Mutex
	rows map[string]storage.Row
}

// Store keeps all tables in memory.
type Store struct {
	partitions *xsync.MapOf[partitionID, *partition]
	fault      atomic.Pointer[FaultFunc]
	calls      *xsync.MapOf[string, *atomic.Int64]
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		partitions: xsync.NewMapOf[partitionID, *partition](),
		calls:      xsync.NewMapOf[string, *atomic.Int64](),
	}
}

// SetFault installs fn as the fault function. Passing nil removes it.
func (s *Store) SetFault(fn FaultFunc) {
	if fn == nil {
		s.fault.Store(nil)
		return
	}

	s.fault.Store(&fn)
}

// Calls returns how many operations of the given kind were attempted against table.
func (s *Store) Calls(kind, table string) int64 {
	counter, ok := s.calls.Load(kind + "/" + table)
	if !ok {
		return 0
	}

	return counter.Load()
}

// Read implements storage.Store.
func (s *Store) Read(ctx context.Context, key storage.Key) (storage.Row, error) {
	if err := s.begin(ctx, Operation{Kind: OpRead, Table: key.Table, Partition: key.Partition, Clustering: key.Clustering}); err != nil {
		return storage.Row{}, err
	}

	if err := key.Validate(); err != nil {
		return storage.Row{}, err
	}

	p, ok := s.partitions.Load(partitionID{table: key.Table, partition: key.Partition})
	if !ok {
		return storage.Row{}, storage.ErrRowNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	row, ok := p.rows[key.Clustering]
	if !ok {
		return storage.Row{}, storage.ErrRowNotFound
	}

	return row.Clone(), nil
}

// ReadPartition implements storage.Store.
func (s *Store) ReadPartition(ctx context.Context, table, partitionKey string) ([]storage.Row, error) {
	if err := s.begin(ctx, Operation{Kind: OpReadPartition, Table: table, Partition: partitionKey}); err != nil {
		return nil, err
	}

	if err := storage.StaticKey(table, partitionKey).Validate(); err != nil {
		return nil, err
	}

	p, ok := s.partitions.Load(partitionID{table: table, partition: partitionKey})
	if !ok {
		return []storage.Row{}, nil
	}

	p.mu.Lock()
	rows := make([]storage.Row, 0, len(p.rows))
	for _, row := range p.rows {
		rows = append(rows, row.Clone())
	}
	p.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key.Clustering < rows[j].Key.Clustering
	})

	return rows, nil
}

// Write implements storage.Store.
func (s *Store) Write(ctx context.Context, key storage.Key, values storage.Values, age time.Time) error {
	if err := s.begin(ctx, Operation{Kind: OpWrite, Table: key.Table, Partition: key.Partition, Clustering: key.Clustering}); err != nil {
		return err
	}

	if err := key.Validate(); err != nil {
		return err
	}

	normalized, err := storage.Normalize(values)
	if err != nil {
		return err
	}

	p := s.partition(key.Table, key.Partition)
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.rows[key.Clustering]
	next, _ := storage.Mutation{Clustering: key.Clustering, Set: normalized, Age: age}.Apply(key, current, exists)
	p.rows[key.Clustering] = next

	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key storage.Key) error {
	if err := s.begin(ctx, Operation{Kind: OpDelete, Table: key.Table, Partition: key.Partition, Clustering: key.Clustering}); err != nil {
		return err
	}

	if err := key.Validate(); err != nil {
		return err
	}

	p, ok := s.partitions.Load(partitionID{table: key.Table, partition: key.Partition})
	if !ok {
		return nil
	}

	p.mu.Lock()
	delete(p.rows, key.Clustering)
	p.mu.Unlock()

	return nil
}

// ConditionalWrite implements storage.Store.
func (s *Store) ConditionalWrite(ctx context.Context, batch storage.Batch) (bool, []storage.Row, error) {
	if err := s.begin(ctx, Operation{Kind: OpConditionalWrite, Table: batch.Table, Partition: batch.Partition}); err != nil {
		return false, nil, err
	}

	if err := batch.Validate(); err != nil {
		return false, nil, err
	}

	normalized, err := batch.Normalized()
	if err != nil {
		return false, nil, err
	}

	p := s.partition(batch.Table, batch.Partition)
	p.mu.Lock()
	defer p.mu.Unlock()

	if !normalized.AllHold(p.rows) {
		current := make([]storage.Row, 0, len(normalized.Conditions))
		for _, clustering := range normalized.ReferencedRows() {
			if row, ok := p.rows[clustering]; ok {
				current = append(current, row.Clone())
			}
		}

		return false, current, nil
	}

	for _, mutation := range normalized.Mutations {
		key := storage.Key{Table: batch.Table, Partition: batch.Partition, Clustering: mutation.Clustering}
		current, exists := p.rows[mutation.Clustering]

		next, keep := mutation.Apply(key, current, exists)
		if !keep {
			delete(p.rows, mutation.Clustering)
			continue
		}

		p.rows[mutation.Clustering] = next
	}

	return true, nil, nil
}

// ScanOlderThan implements storage.Store.
func (s *Store) ScanOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) ([]storage.Row, error) {
	if err := s.begin(ctx, Operation{Kind: OpScan, Table: table}); err != nil {
		return nil, err
	}

	if table == "" {
		return nil, storage.ErrEmptyTable
	}

	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}

	var rows []storage.Row

	s.partitions.Range(func(id partitionID, p *partition) bool {
		if id.table != table {
			return true
		}

		p.mu.Lock()
		for _, row := range p.rows {
			if !row.Age.IsZero() && row.Age.Before(cutoff) {
				rows = append(rows, row.Clone())
			}
		}
		p.mu.Unlock()

		return true
	})

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Age.Equal(rows[j].Age) {
			return rows[i].Age.Before(rows[j].Age)
		}
		if rows[i].Key.Partition != rows[j].Key.Partition {
			return rows[i].Key.Partition < rows[j].Key.Partition
		}
		return rows[i].Key.Clustering < rows[j].Key.Clustering
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}

	return rows, nil
}

func (s *Store) partition(table, partitionKey string) *partition {
	p, _ := s.partitions.LoadOrCompute(partitionID{table: table, partition: partitionKey}, func() *partition {
		return &partition{rows: make(map[string]storage.Row)}
	})

	return p
}

func (s *Store) begin(ctx context.Context, op Operation) error {
	counter, _ := s.calls.LoadOrCompute(op.Kind+"/"+op.Table, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	counter.Add(1)

	if err := ctx.Err(); err != nil {
		return err
	}

	if fn := s.fault.Load(); fn != nil {
		if err := (*fn)(op); err != nil {
			return errors.Join(storage.ErrStoreFailure, err)
		}
	}

	return nil
}

var _ storage.Store = (*Store)(nil)
