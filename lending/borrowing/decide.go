package borrowing

import (
	"errors"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

// Action is what the Sweeper does to converge one pending entry.
type Action string

const (
	// ActionTombstone writes a FAILED ledger row for a borrow that never reserved a copy,
	// so that a late reservation with the same id can no longer apply.
	ActionTombstone Action = "tombstone"

	// ActionRecommit re-drives the fan-out of a RESERVED borrow.
	ActionRecommit Action = "recommit"

	// ActionCompensate marks a RESERVED borrow FAILED and restores its copy.
	ActionCompensate Action = "compensate"

	// ActionRepairActive rewrites views missing for an ACTIVE borrow.
	ActionRepairActive Action = "repair_active"

	// ActionFinishReturn re-drives the view updates of a RETURNED borrow.
	ActionFinishReturn Action = "finish_return"

	// ActionScrub removes views left behind by a FAILED borrow.
	ActionScrub Action = "scrub"
)

func (a Action) String() string {
	return string(a)
}

var (
	// ErrIDReused is returned when a borrow id is replayed with a different user.
	ErrIDReused = errors.New("borrow id already used by another user")

	// ErrUnknownBorrow is returned by Repair when a borrow id cannot be resolved to a book.
	ErrUnknownBorrow = errors.New("unknown borrow id")

	// ErrNoLongerReserved is returned by Release when the borrow already left RESERVED towards ACTIVE.
	ErrNoLongerReserved = errors.New("borrow is no longer reserved")
)

// decideRejectedReservation explains why a reservation batch did not apply, given the
// current state of the rows it referred to. A nil error means the request is a replay
// of an existing borrow, which is returned.
func decideRejectedReservation(request lending.Borrow, current []storage.Row) (lending.Borrow, error) {
	if row, ok := storage.FindRow(current, request.BorrowID.String()); ok {
		existing, err := layout.BorrowFromRow(row)
		if err != nil {
			return lending.Borrow{}, errors.Join(lending.ErrStorage, err)
		}

		if existing.UserID != request.UserID {
			return lending.Borrow{}, ErrIDReused
		}

		if existing.Status == lending.StatusFailed {
			return existing, lending.ErrBorrowFailed
		}

		return existing, nil
	}

	static, ok := storage.FindRow(current, "")
	if !ok {
		return lending.Borrow{}, lending.ErrBookNotFound
	}

	if static.Int(layout.ColAvailable) <= 0 {
		return lending.Borrow{}, lending.ErrUnavailable
	}

	return lending.Borrow{}, lending.ErrConflict
}

// decideRejectedReturn explains why a return batch did not apply. The existing borrow is
// returned alongside the error whenever the ledger row could be decoded.
func decideRejectedReturn(borrowID string, current []storage.Row) (lending.Borrow, error) {
	row, ok := storage.FindRow(current, borrowID)
	if !ok {
		return lending.Borrow{}, lending.ErrNotActive
	}

	existing, err := layout.BorrowFromRow(row)
	if err != nil {
		return lending.Borrow{}, errors.Join(lending.ErrStorage, err)
	}

	if existing.Status != lending.StatusActive || existing.ReturnedAt != nil {
		return existing, lending.ErrNotActive
	}

	// ACTIVE yet the batch failed: availability is already at total, which only corruption explains.
	static, ok := storage.FindRow(current, "")
	if ok && static.Int(layout.ColAvailable) >= static.Int(layout.ColTotal) {
		return existing, errors.Join(lending.ErrStorage, errAvailabilityAtTotal)
	}

	return existing, lending.ErrConflict
}

var errAvailabilityAtTotal = errors.New("availability already equals total copies")

// decideSweep picks the converging action for a borrow found in the ledger.
func decideSweep(ledger lending.Borrow, attempts, maxAttempts int) Action {
	switch ledger.Status {
	case lending.StatusReserved:
		if attempts >= maxAttempts {
			return ActionCompensate
		}
		return ActionRecommit
	case lending.StatusActive:
		return ActionRepairActive
	case lending.StatusReturned:
		return ActionFinishReturn
	default:
		return ActionScrub
	}
}
