package lending_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/librarysys/lending-go/lending"
)

func Test_Status_CanTransitionTo(t *testing.T) {
	testCases := []struct {
		from    lending.Status
		to      lending.Status
		allowed bool
	}{
		{lending.StatusReserved, lending.StatusActive, true},
		{lending.StatusReserved, lending.StatusFailed, true},
		{lending.StatusReserved, lending.StatusReturned, false},
		{lending.StatusActive, lending.StatusReturned, true},
		{lending.StatusActive, lending.StatusFailed, false},
		{lending.StatusActive, lending.StatusReserved, false},
		{lending.StatusReturned, lending.StatusActive, false},
		{lending.StatusFailed, lending.StatusReserved, false},
	}

	for _, tc := range testCases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func Test_Status_IsTerminal(t *testing.T) {
	assert.False(t, lending.StatusReserved.IsTerminal())
	assert.False(t, lending.StatusActive.IsTerminal())
	assert.True(t, lending.StatusReturned.IsTerminal())
	assert.True(t, lending.StatusFailed.IsTerminal())
	assert.False(t, lending.Status("LOST").Valid())
}

func Test_Borrow_IsOverdue(t *testing.T) {
	// arrange
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	borrow := lending.Borrow{
		Status: lending.StatusActive,
		DueAt:  now.Add(-time.Hour),
	}

	// act & assert
	assert.True(t, borrow.IsOverdue(now))

	borrow.Status = lending.StatusReturned
	assert.False(t, borrow.IsOverdue(now), "returned borrows are never overdue")
}

func Test_NewBorrowID_IsTimeOrdered(t *testing.T) {
	first := lending.NewBorrowID()
	second := lending.NewBorrowID()

	assert.Equal(t, 7, int(first.Version()))
	assert.NotEqual(t, first, second)
	assert.LessOrEqual(t, first.String(), second.String())
}

func Test_GetConsistencyLevel_DefaultsToStrong(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, lending.StrongConsistency, lending.GetConsistencyLevel(ctx))
	assert.Equal(t, lending.EventualConsistency, lending.GetConsistencyLevel(lending.WithEventualConsistency(ctx)))
	assert.Equal(t, "eventual", lending.EventualConsistency.String())
}
