package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending/storage"
)

// Factory returns a fresh, empty store for one sub-test.
type Factory func(t *testing.T) storage.Store

const (
	tableCopies  = "copy_availability_by_book"
	tablePending = "pending_fanout"
	tableHistory = "borrows_by_user"
)

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Read_Missing_Row_Returns_ErrRowNotFound", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Read(context.Background(), storage.StaticKey(tableCopies, "isbn-missing"))

		assert.ErrorIs(t, err, storage.ErrRowNotFound)
	})

	t.Run("Write_Merges_Columns", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		store := newStore(t)
		key := storage.StaticKey(tableCopies, "isbn-1")

		// act
		require.NoError(t, store.Write(ctx, key, storage.Values{"total": 2, "title": "Dune"}, time.Time{}))
		require.NoError(t, store.Write(ctx, key, storage.Values{"available": 2}, time.Time{}))

		// assert
		row, err := store.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), row.Int("total"))
		assert.Equal(t, int64(2), row.Int("available"))
		assert.Equal(t, "Dune", row.String("title"))
	})

	t.Run("Write_Is_Idempotent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		key := storage.Key{Table: tableHistory, Partition: "user-1", Clustering: "2026#b-1"}

		for i := 0; i < 3; i++ {
			require.NoError(t, store.Write(ctx, key, storage.Values{"borrow_id": "b-1"}, time.Time{}))
		}

		rows, err := store.ReadPartition(ctx, tableHistory, "user-1")
		require.NoError(t, err)
		assert.Len(t, rows, 1, "replayed writes must not duplicate rows")
	})

	t.Run("ReadPartition_Orders_By_Clustering_Static_First", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for _, clustering := range []string{"c", "a", "", "b"} {
			key := storage.Key{Table: tableCopies, Partition: "isbn-2", Clustering: clustering}
			require.NoError(t, store.Write(ctx, key, storage.Values{"k": clustering}, time.Time{}))
		}

		rows, err := store.ReadPartition(ctx, tableCopies, "isbn-2")
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, []string{"", "a", "b", "c"}, clusterings(rows))
	})

	t.Run("Delete_Is_Idempotent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		key := storage.Key{Table: tableCopies, Partition: "isbn-3", Clustering: "b-1"}

		require.NoError(t, store.Write(ctx, key, storage.Values{"status": "RESERVED"}, time.Time{}))
		require.NoError(t, store.Delete(ctx, key))
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Read(ctx, key)
		assert.ErrorIs(t, err, storage.ErrRowNotFound)
	})

	t.Run("ConditionalWrite_Applies_When_Conditions_Hold", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.Write(ctx, storage.StaticKey(tableCopies, "isbn-4"), storage.Values{"total": 1, "available": 1}, time.Time{}))

		// act
		applied, _, err := store.ConditionalWrite(ctx, reserveBatch("isbn-4", "b-1"))

		// assert
		require.NoError(t, err)
		assert.True(t, applied)

		counter, err := store.Read(ctx, storage.StaticKey(tableCopies, "isbn-4"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), counter.Int("available"))

		ledger, err := store.Read(ctx, storage.Key{Table: tableCopies, Partition: "isbn-4", Clustering: "b-1"})
		require.NoError(t, err)
		assert.Equal(t, "RESERVED", ledger.String("status"))
	})

	t.Run("ConditionalWrite_Rejects_And_Returns_Current_Rows", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.Write(ctx, storage.StaticKey(tableCopies, "isbn-5"), storage.Values{"total": 1, "available": 1}, time.Time{}))
		applied, _, err := store.ConditionalWrite(ctx, reserveBatch("isbn-5", "b-1"))
		require.NoError(t, err)
		require.True(t, applied)

		// act
		applied, current, err := store.ConditionalWrite(ctx, reserveBatch("isbn-5", "b-1"))

		// assert
		require.NoError(t, err)
		assert.False(t, applied)

		counter, found := storage.FindRow(current, "")
		require.True(t, found, "the static row referenced by a condition must be returned")
		assert.Equal(t, int64(0), counter.Int("available"))

		ledger, found := storage.FindRow(current, "b-1")
		require.True(t, found)
		assert.Equal(t, "RESERVED", ledger.String("status"))
	})

	t.Run("ConditionalWrite_Never_Oversells_Under_Concurrency", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		store := newStore(t)
		const copies = 3
		const contenders = 20
		require.NoError(t, store.Write(ctx, storage.StaticKey(tableCopies, "isbn-6"), storage.Values{"total": copies, "available": copies}, time.Time{}))

		var wg sync.WaitGroup
		var won atomic.Int64

		// act
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				applied, _, err := store.ConditionalWrite(ctx, reserveBatch("isbn-6", fmt.Sprintf("b-%02d", i)))
				if err == nil && applied {
					won.Add(1)
				}
			}(i)
		}
		wg.Wait()

		// assert
		assert.Equal(t, int64(copies), won.Load())

		counter, err := store.Read(ctx, storage.StaticKey(tableCopies, "isbn-6"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), counter.Int("available"))
	})

	t.Run("ConditionalWrite_Null_Check_And_Column_Comparison", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		store := newStore(t)
		partition := "isbn-7"
		require.NoError(t, store.Write(ctx, storage.StaticKey(tableCopies, partition), storage.Values{"total": 1, "available": 0}, time.Time{}))
		require.NoError(t, store.Write(ctx, storage.Key{Table: tableCopies, Partition: partition, Clustering: "b-1"}, storage.Values{"status": "ACTIVE"}, time.Time{}))

		returnBatch := storage.Batch{
			Table:     tableCopies,
			Partition: partition,
			Conditions: []storage.Condition{
				storage.ColumnEquals("b-1", "status", "ACTIVE"),
				storage.ColumnIsNull("b-1", "returned_at"),
				storage.ColumnLessThanColumn("", "available", "total"),
			},
			Mutations: []storage.Mutation{
				{Clustering: "b-1", Set: storage.Values{"status": "RETURNED", "returned_at": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}},
				{Clustering: "", Increment: map[string]int64{"available": 1}},
			},
		}

		// act
		first, _, err := store.ConditionalWrite(ctx, returnBatch)
		require.NoError(t, err)
		second, _, err := store.ConditionalWrite(ctx, returnBatch)
		require.NoError(t, err)

		// assert
		assert.True(t, first)
		assert.False(t, second, "a second return must not apply")

		counter, err := store.Read(ctx, storage.StaticKey(tableCopies, partition))
		require.NoError(t, err)
		assert.Equal(t, int64(1), counter.Int("available"))

		ledger, err := store.Read(ctx, storage.Key{Table: tableCopies, Partition: partition, Clustering: "b-1"})
		require.NoError(t, err)
		returnedAt, ok := ledger.Time("returned_at")
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), returnedAt)
	})

	t.Run("ConditionalWrite_Delete_Mutation", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		key := storage.Key{Table: "active_borrows_by_user", Partition: "user-1", Clustering: "isbn-1"}
		require.NoError(t, store.Write(ctx, key, storage.Values{"borrow_id": "b-1"}, time.Time{}))

		applied, _, err := store.ConditionalWrite(ctx, storage.Batch{
			Table:      key.Table,
			Partition:  key.Partition,
			Conditions: []storage.Condition{storage.ColumnEquals(key.Clustering, "borrow_id", "b-2")},
			Mutations:  []storage.Mutation{{Clustering: key.Clustering, Delete: true}},
		})
		require.NoError(t, err)
		assert.False(t, applied, "must not delete an entry owned by another borrow")

		applied, _, err = store.ConditionalWrite(ctx, storage.Batch{
			Table:      key.Table,
			Partition:  key.Partition,
			Conditions: []storage.Condition{storage.ColumnEquals(key.Clustering, "borrow_id", "b-1")},
			Mutations:  []storage.Mutation{{Clustering: key.Clustering, Delete: true}},
		})
		require.NoError(t, err)
		assert.True(t, applied)

		_, err = store.Read(ctx, key)
		assert.ErrorIs(t, err, storage.ErrRowNotFound)
	})

	t.Run("ConditionalWrite_Rejects_Invalid_Batch", func(t *testing.T) {
		store := newStore(t)

		_, _, err := store.ConditionalWrite(context.Background(), storage.Batch{Table: tableCopies, Partition: "isbn-8"})

		assert.ErrorIs(t, err, storage.ErrEmptyBatch)
	})

	t.Run("ScanOlderThan_Returns_Oldest_First_Bounded", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		store := newStore(t)
		base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

		for i, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute, 10 * time.Minute} {
			age := base.Add(offset)
			key := storage.Key{Table: tablePending, Partition: age.Format("2006010215"), Clustering: fmt.Sprintf("%s#b-%d", storage.FormatTime(age), i)}
			require.NoError(t, store.Write(ctx, key, storage.Values{"borrow_id": fmt.Sprintf("b-%d", i)}, age))
		}
		require.NoError(t, store.Write(ctx, storage.StaticKey(tableCopies, "isbn-9"), storage.Values{"total": 1}, base))

		// act
		rows, err := store.ScanOlderThan(ctx, tablePending, base.Add(5*time.Minute), 2)

		// assert
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "b-1", rows[0].String("borrow_id"))
		assert.Equal(t, "b-2", rows[1].String("borrow_id"))
		assert.True(t, rows[0].Age.Equal(base.Add(time.Minute)))

		all, err := store.ScanOlderThan(ctx, tablePending, base.Add(5*time.Minute), 100)
		require.NoError(t, err)
		assert.Len(t, all, 3, "rows younger than the cutoff and rows of other tables are excluded")
	})

	t.Run("ScanOlderThan_Rejects_Invalid_Limit", func(t *testing.T) {
		store := newStore(t)

		_, err := store.ScanOlderThan(context.Background(), tablePending, time.Now(), 0)

		assert.ErrorIs(t, err, storage.ErrInvalidLimit)
	})
}

func reserveBatch(isbn, borrowID string) storage.Batch {
	return storage.Batch{
		Table:     tableCopies,
		Partition: isbn,
		Conditions: []storage.Condition{
			storage.ColumnGreaterThan("", "available", 0),
			storage.RowAbsent(borrowID),
		},
		Mutations: []storage.Mutation{
			{Clustering: "", Increment: map[string]int64{"available": -1}},
			{Clustering: borrowID, Set: storage.Values{"borrow_id": borrowID, "status": "RESERVED"}},
		},
	}
}

func clusterings(rows []storage.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Key.Clustering
	}

	return out
}
