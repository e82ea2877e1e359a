package borrowing_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/borrowing"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
	"github.com/librarysys/lending-go/lending/storage/memstore"
	"github.com/librarysys/lending-go/testutil/observability/testdoubles"
)

func Test_Sweeper_Finishes_Fan_Out_Interrupted_At_Active_Loans(t *testing.T) {
	// arrange
	f := newFixture(t)
	f.seedBook(t, isbn, 2)

	f.store.SetFault(failOn(memstore.OpConditionalWrite, layout.TableActiveLoans))
	b, err := f.engine.Borrow(f.ctx, isbn, "u-1", 14)
	require.ErrorIs(t, err, lending.ErrFanOutIncomplete)
	require.ErrorIs(t, err, lending.ErrStorage)
	require.Equal(t, lending.StatusReserved, b.Status)
	f.store.SetFault(nil)

	early, err := f.sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 0, early.Scanned)

	// act
	report := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Converged[borrowing.ActionRecommit])
	assert.Equal(t, lending.StatusActive, f.ledger(t, isbn, b.BorrowID).Status)
	assert.True(t, f.exists(t, layout.ActiveLoanKey("u-1", isbn)))
	assert.Equal(t, 1, f.partitionSize(t, layout.TableHistoryByUser, "u-1"))
	assert.Equal(t, 1, f.partitionSize(t, layout.TableHistoryByBook, isbn))
	assert.Equal(t, 0, f.pendingCount(t))

	total, available := f.availability(t, isbn)
	assert.Equal(t, int(total-available), f.statusCounts(t, isbn)[lending.StatusActive])
}

func Test_Sweeper_Recommit_Does_Not_Duplicate_History(t *testing.T) {
	// arrange
	f := newFixture(t)
	f.seedBook(t, isbn, 1)

	f.store.SetFault(failOn(memstore.OpWrite, layout.TableBorrowLookup))
	b, err := f.engine.Borrow(f.ctx, isbn, "u-1", 14)
	require.ErrorIs(t, err, lending.ErrFanOutIncomplete)
	f.store.SetFault(nil)

	// act
	report := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, report.ConvergedTotal())
	assert.Equal(t, 1, f.partitionSize(t, layout.TableHistoryByUser, "u-1"))
	assert.Equal(t, 1, f.partitionSize(t, layout.TableHistoryByBook, isbn))
	assert.True(t, f.exists(t, layout.LookupKey(b.BorrowID)))
}

// racingSweeperStore removes every scanned pending entry right after the scan,
// as another sweeper instance does once it has converged them.
type racingSweeperStore struct {
	storage.Store
}

func (s racingSweeperStore) ScanOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) ([]storage.Row, error) {
	rows, err := s.Store.ScanOlderThan(ctx, table, cutoff, limit)
	for _, row := range rows {
		if deleteErr := s.Store.Delete(ctx, row.Key); deleteErr != nil {
			return nil, deleteErr
		}
	}

	return rows, err
}

func Test_Sweeper_Does_Not_Recreate_Entry_Converged_Elsewhere(t *testing.T) {
	// arrange
	mem := memstore.New()
	f := newFixtureOn(t, mem, racingSweeperStore{Store: mem}, newFakeClock())
	f.seedBook(t, isbn, 1)

	pendingAt := f.clock.Now()
	f.store.SetFault(failOn(memstore.OpConditionalWrite, layout.TableActiveLoans))
	b, err := f.engine.Borrow(f.ctx, isbn, "u-1", 14)
	require.ErrorIs(t, err, lending.ErrFanOutIncomplete)

	// act
	report := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Deferred)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 0, f.partitionSize(t, layout.TablePending, layout.PendingKey(pendingAt, b.BorrowID).Partition))
	assert.Equal(t, lending.StatusReserved, f.ledger(t, isbn, b.BorrowID).Status)
}

func Test_Sweeper_Compensates_After_Max_Attempts(t *testing.T) {
	// arrange
	f := newFixture(t)
	f.seedBook(t, isbn, 2)

	f.store.SetFault(failOn(memstore.OpWrite, layout.TableHistoryByBook))
	b, err := f.engine.Borrow(f.ctx, isbn, "u-1", 14)
	require.ErrorIs(t, err, lending.ErrFanOutIncomplete)

	_, available := f.availability(t, isbn)
	require.Equal(t, int64(1), available)

	// act
	first := f.sweepAfterGrace(t)
	second := f.sweepAfterGrace(t)
	third := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, first.Deferred)
	assert.Equal(t, 1, second.Deferred)
	assert.Equal(t, 1, third.Converged[borrowing.ActionCompensate])

	assert.Equal(t, lending.StatusFailed, f.ledger(t, isbn, b.BorrowID).Status)
	_, available = f.availability(t, isbn)
	assert.Equal(t, int64(2), available)

	assert.False(t, f.exists(t, layout.ActiveLoanKey("u-1", isbn)))
	assert.False(t, f.exists(t, layout.LookupKey(b.BorrowID)))
	assert.Equal(t, 0, f.partitionSize(t, layout.TableHistoryByUser, "u-1"))
	assert.Equal(t, 0, f.pendingCount(t))

	_, err = f.engine.BorrowWithID(f.ctx, b.BorrowID, isbn, "u-1", 14)
	assert.ErrorIs(t, err, lending.ErrBorrowFailed)
}

func Test_Sweeper_Tombstones_Borrow_That_Never_Reserved(t *testing.T) {
	// arrange
	f := newFixture(t)
	f.seedBook(t, isbn, 1)

	orphan := lending.Borrow{BorrowID: lending.NewBorrowID(), ISBN: isbn, UserID: "u-1"}
	entry := layout.NewPending(layout.KindBorrow, orphan, f.clock.Now())
	require.NoError(t, f.store.Write(f.ctx, entry.Key, entry.Values(), entry.Age))

	// act
	report := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, report.Converged[borrowing.ActionTombstone])
	assert.Equal(t, lending.StatusFailed, f.ledger(t, isbn, orphan.BorrowID).Status)

	_, err := f.engine.BorrowWithID(f.ctx, orphan.BorrowID, isbn, "u-1", 14)
	assert.ErrorIs(t, err, lending.ErrBorrowFailed)

	_, available := f.availability(t, isbn)
	assert.Equal(t, int64(1), available)
	assert.Equal(t, 0, f.pendingCount(t))
}

func Test_Sweeper_Finishes_Interrupted_Return(t *testing.T) {
	// arrange
	f := newFixture(t)
	f.seedBook(t, isbn, 1)

	b, err := f.engine.Borrow(f.ctx, isbn, "u-1", 14)
	require.NoError(t, err)

	f.store.SetFault(failOn(memstore.OpConditionalWrite, layout.TableActiveLoans))
	returned, err := f.engine.ReturnBook(f.ctx, b.BorrowID)
	require.ErrorIs(t, err, lending.ErrFanOutIncomplete)
	require.Equal(t, lending.StatusReturned, returned.Status)
	f.store.SetFault(nil)

	// act
	report := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, report.Converged[borrowing.ActionFinishReturn])
	assert.False(t, f.exists(t, layout.ActiveLoanKey("u-1", isbn)))

	_, available := f.availability(t, isbn)
	assert.Equal(t, int64(1), available)
	assert.Equal(t, 0, f.pendingCount(t))
}

func Test_Sweeper_Drops_Malformed_Pending_Entry(t *testing.T) {
	// arrange
	f := newFixture(t)
	key := layout.PendingKey(f.clock.Now(), lending.NewBorrowID())
	require.NoError(t, f.store.Write(f.ctx, key, storage.Values{layout.ColKind: "bogus"}, f.clock.Now()))

	// act
	report := f.sweepAfterGrace(t)

	// assert
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, f.pendingCount(t))
}

func Test_Sweeper_Repair_Finishes_Borrow_On_Demand(t *testing.T) {
	// arrange
	f := newFixture(t)
	f.seedBook(t, isbn, 1)

	f.store.SetFault(failOn(memstore.OpWrite, layout.TableHistoryByUser))
	b, err := f.engine.Borrow(f.ctx, isbn, "u-1", 14)
	require.ErrorIs(t, err, lending.ErrFanOutIncomplete)
	f.store.SetFault(nil)

	// act
	action, err := f.sweeper.Repair(f.ctx, isbn, b.BorrowID)

	// assert
	require.NoError(t, err)
	assert.Equal(t, borrowing.ActionRecommit, action)
	assert.Equal(t, lending.StatusActive, f.ledger(t, isbn, b.BorrowID).Status)

	action, err = f.sweeper.Repair(f.ctx, "", b.BorrowID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.ActionRepairActive, action)

	_, err = f.sweeper.Repair(f.ctx, "", lending.NewBorrowID())
	assert.ErrorIs(t, err, borrowing.ErrUnknownBorrow)
}

func Test_Sweeper_Restores_Invariants_After_Faulty_Workload(t *testing.T) {
	// arrange
	metrics := testdoubles.NewMetricsCollectorSpy()
	f := newFixture(t, borrowing.WithMetrics(metrics), borrowing.WithBatchSize(7))

	books := []string{"isbn-a", "isbn-b", "isbn-c"}
	for _, book := range books {
		f.seedBook(t, book, 3)
	}

	var calls atomic.Int64
	f.store.SetFault(func(op memstore.Operation) error {
		if op.Kind == memstore.OpScan {
			return nil
		}
		if calls.Add(1)%5 == 0 {
			return memstore.ErrInjected
		}
		return nil
	})

	// act
	var borrowed []lending.Borrow
	for u := range 8 {
		for _, book := range books {
			b, err := f.engine.Borrow(f.ctx, book, fmt.Sprintf("u-%d", u), 14)
			if err == nil || b.Status == lending.StatusReserved {
				borrowed = append(borrowed, b)
			}
		}
	}

	for i, b := range borrowed {
		if i%2 == 0 {
			_, _ = f.engine.ReturnBook(f.ctx, b.BorrowID)
		}
	}

	f.store.SetFault(nil)

	for range 10 {
		f.sweepAfterGrace(t)
		if f.pendingCount(t) == 0 {
			break
		}
	}

	// assert
	require.Equal(t, 0, f.pendingCount(t))

	for _, book := range books {
		total, available := f.availability(t, book)
		assert.GreaterOrEqual(t, available, int64(0))
		assert.LessOrEqual(t, available, total)

		counts := f.statusCounts(t, book)
		assert.Equal(t, int(total-available), counts[lending.StatusActive], book)
		assert.Zero(t, counts[lending.StatusReserved], book)

		rows, err := f.store.ReadPartition(f.ctx, layout.TableCopies, book)
		require.NoError(t, err)

		for _, row := range rows {
			if row.String(layout.ColStatus) != string(lending.StatusActive) {
				continue
			}
			index, err := f.store.Read(f.ctx, layout.ActiveLoanKey(row.String(layout.ColUserID), book))
			require.NoError(t, err)
			assert.Equal(t, row.String(layout.ColBorrowID), index.String(layout.ColBorrowID))
		}
	}

	assert.True(t, metrics.HasValueRecordForMetric(lending.MetricSweeperBatchSize).Assert())
}

func Test_Sweeper_Run_Stops_When_Context_Is_Canceled(t *testing.T) {
	// arrange
	f := newFixture(t, borrowing.WithSweepInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)

	// act
	go func() {
		done <- f.sweeper.Run(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	// assert
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
