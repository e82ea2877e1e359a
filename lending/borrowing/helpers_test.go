package borrowing_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/borrowing"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/retry"
	"github.com/librarysys/lending-go/lending/storage"
	"github.com/librarysys/lending-go/lending/storage/memstore"
)

const gracePeriod = 30 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Microsecond)

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	ctx     context.Context
	store   *memstore.Store
	clock   *fakeClock
	engine  *borrowing.Engine
	sweeper *borrowing.Sweeper
}

func baseOptions(clock *fakeClock) []borrowing.Option {
	return []borrowing.Option{
		borrowing.WithClock(clock.Now),
		borrowing.WithRetry(retry.WithMaxAttempts(2), retry.WithBaseDelay(time.Millisecond), retry.WithJitterFactor(0)),
		borrowing.WithGracePeriod(gracePeriod),
		borrowing.WithMaxAttempts(2),
	}
}

func newFixture(t *testing.T, options ...borrowing.Option) *fixture {
	t.Helper()

	clock := newFakeClock()
	store := memstore.New()

	return newFixtureOn(t, store, store, clock, options...)
}

func newFixtureOn(t *testing.T, mem *memstore.Store, store storage.Store, clock *fakeClock, options ...borrowing.Option) *fixture {
	t.Helper()

	allOptions := append(baseOptions(clock), options...)

	engine, err := borrowing.NewEngine(store, allOptions...)
	require.NoError(t, err)

	sweeper, err := borrowing.NewSweeper(store, allOptions...)
	require.NoError(t, err)

	return &fixture{
		ctx:     context.Background(),
		store:   mem,
		clock:   clock,
		engine:  engine,
		sweeper: sweeper,
	}
}

func (f *fixture) seedBook(t *testing.T, isbn string, total int) {
	t.Helper()

	err := f.store.Write(f.ctx, layout.AvailabilityKey(isbn), storage.Values{
		layout.ColTotal:     total,
		layout.ColAvailable: total,
	}, time.Time{})
	require.NoError(t, err)
}

func (f *fixture) availability(t *testing.T, isbn string) (total, available int64) {
	t.Helper()

	row, err := f.store.Read(f.ctx, layout.AvailabilityKey(isbn))
	require.NoError(t, err)

	return row.Int(layout.ColTotal), row.Int(layout.ColAvailable)
}

func (f *fixture) ledger(t *testing.T, isbn string, id uuid.UUID) lending.Borrow {
	t.Helper()

	row, err := f.store.Read(f.ctx, layout.LedgerKey(isbn, id))
	require.NoError(t, err)

	b, err := layout.BorrowFromRow(row)
	require.NoError(t, err)

	return b
}

func (f *fixture) statusCounts(t *testing.T, isbn string) map[lending.Status]int {
	t.Helper()

	rows, err := f.store.ReadPartition(f.ctx, layout.TableCopies, isbn)
	require.NoError(t, err)

	counts := make(map[lending.Status]int)
	for _, row := range rows {
		if row.Key.Clustering == "" {
			continue
		}
		counts[lending.Status(row.String(layout.ColStatus))]++
	}

	return counts
}

func (f *fixture) partitionSize(t *testing.T, table, partition string) int {
	t.Helper()

	rows, err := f.store.ReadPartition(f.ctx, table, partition)
	require.NoError(t, err)

	return len(rows)
}

func (f *fixture) exists(t *testing.T, key storage.Key) bool {
	t.Helper()

	_, err := f.store.Read(f.ctx, key)
	if errors.Is(err, storage.ErrRowNotFound) {
		return false
	}
	require.NoError(t, err)

	return true
}

func (f *fixture) pendingCount(t *testing.T) int {
	t.Helper()

	rows, err := f.store.ScanOlderThan(f.ctx, layout.TablePending, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC), 10_000)
	require.NoError(t, err)

	return len(rows)
}

// sweepAfterGrace moves the clock past the grace period and runs one sweep.
func (f *fixture) sweepAfterGrace(t *testing.T) borrowing.SweepReport {
	t.Helper()

	f.clock.Advance(gracePeriod + time.Second)

	report, err := f.sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)

	return report
}

func failOn(kind, table string) memstore.FaultFunc {
	return func(op memstore.Operation) error {
		if op.Kind == kind && op.Table == table {
			return memstore.ErrInjected
		}
		return nil
	}
}

// lossyStore applies the next conditional writes on one table and then reports a failure,
// like a connection that drops after the commit.
type lossyStore struct {
	storage.Store
	table string
	lose  atomic.Int32
}

func newLossyStore(store storage.Store, table string, lose int32) *lossyStore {
	s := &lossyStore{Store: store, table: table}
	s.lose.Store(lose)

	return s
}

func (s *lossyStore) ConditionalWrite(ctx context.Context, batch storage.Batch) (bool, []storage.Row, error) {
	applied, current, err := s.Store.ConditionalWrite(ctx, batch)
	if err == nil && batch.Table == s.table && s.lose.Add(-1) >= 0 {
		return false, nil, errors.Join(storage.ErrStoreFailure, errors.New("connection reset after commit"))
	}

	return applied, current, err
}
