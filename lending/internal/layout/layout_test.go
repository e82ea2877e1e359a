package layout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

func sampleBorrow() lending.Borrow {
	borrowedAt := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

	return lending.Borrow{
		BorrowID:   lending.NewBorrowID(),
		ISBN:       "978-0441013593",
		UserID:     "user-1",
		BorrowedAt: borrowedAt,
		DueAt:      borrowedAt.AddDate(0, 0, lending.DefaultLoanDays),
		Status:     lending.StatusActive,
	}
}

func Test_BorrowFromRow_Decodes_Normalized_Values(t *testing.T) {
	// arrange
	b := sampleBorrow()
	values, err := storage.Normalize(layout.BorrowValues(b))
	require.NoError(t, err)

	// act
	decoded, err := layout.BorrowFromRow(storage.Row{Key: layout.LedgerKey(b.ISBN, b.BorrowID), Values: values})

	// assert
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func Test_BorrowFromRow_Rejects_Unknown_Status(t *testing.T) {
	b := sampleBorrow()
	values, err := storage.Normalize(layout.BorrowValues(b))
	require.NoError(t, err)
	values[layout.ColStatus] = "LOST"

	_, err = layout.BorrowFromRow(storage.Row{Values: values})

	assert.ErrorIs(t, err, layout.ErrMalformedRow)
}

func Test_PendingKey_Buckets_By_Hour_And_Sorts_By_Age(t *testing.T) {
	id := lending.NewBorrowID()
	early := time.Date(2026, 4, 1, 9, 5, 0, 0, time.UTC)
	late := early.Add(40 * time.Minute)

	earlyKey := layout.PendingKey(early, id)
	lateKey := layout.PendingKey(late, id)

	assert.Equal(t, "2026040109", earlyKey.Partition)
	assert.Equal(t, "2026040109", lateKey.Partition)
	assert.Less(t, earlyKey.Clustering, lateKey.Clustering)

	parsed, err := layout.BorrowIDFromClustering(earlyKey.Clustering)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func Test_PendingFromRow_Round_Trips_Entry(t *testing.T) {
	// arrange
	b := sampleBorrow()
	pending := layout.NewPending(layout.KindReturn, b, b.BorrowedAt)
	pending.Attempts = 2
	values, err := storage.Normalize(pending.Values())
	require.NoError(t, err)

	// act
	decoded, err := layout.PendingFromRow(storage.Row{Key: pending.Key, Values: values, Age: pending.Age})

	// assert
	require.NoError(t, err)
	assert.Equal(t, pending, decoded)
}

func Test_ViewKey_Addresses_One_Row_Per_View(t *testing.T) {
	b := sampleBorrow()
	seen := map[storage.Key]bool{}

	for _, view := range lending.FanOutViews() {
		key := layout.ViewKey(view, b)
		assert.False(t, seen[key], "view %s shares a key", view)
		seen[key] = true
	}

	assert.Equal(t, layout.ActiveLoanKey(b.UserID, b.ISBN), layout.ViewKey(lending.ViewActiveLoans, b))
	assert.Equal(t, b.ISBN, layout.ViewKey(lending.ViewHistoryByBook, b).Partition)
}
