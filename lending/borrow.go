package lending

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLoanDays is the loan period applied when a caller does not ask for a specific one.
const DefaultLoanDays = 14

// Status is the lifecycle state of a Borrow.
type Status string

const (
	// StatusReserved means a copy has been claimed, but the denormalized views are not all written yet.
	StatusReserved Status = "RESERVED"

	// StatusActive means all views are written and the copy is out.
	StatusActive Status = "ACTIVE"

	// StatusReturned means the copy came back and was put back into circulation.
	StatusReturned Status = "RETURNED"

	// StatusFailed means the fan-out never completed and the reserved copy was restored.
	StatusFailed Status = "FAILED"
)

// IsTerminal reports whether no further transition can leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusReturned || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusReserved, StatusActive, StatusReturned, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo tells whether the lifecycle allows moving from s to next.
//
//	RESERVED -> ACTIVE    fan-out completed
//	RESERVED -> FAILED    sweeper gave up, copy restored
//	ACTIVE   -> RETURNED  return path
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusReserved:
		return next == StatusActive || next == StatusFailed
	case StatusActive:
		return next == StatusReturned
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Borrow is one loan of one physical copy of a book to one user.
type Borrow struct {
	BorrowID   uuid.UUID
	ISBN       string
	UserID     string
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
	Status     Status
}

// NewBorrowID returns a fresh, time-ordered borrow id.
func NewBorrowID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}

	return id
}

// IsOverdue reports whether an ACTIVE borrow is past its due date at the given instant.
func (b Borrow) IsOverdue(at time.Time) bool {
	return b.Status == StatusActive && at.After(b.DueAt)
}

// View names one of the denormalized tables a borrow is written to.
type View string

const (
	ViewCopyAvailability View = "copy_availability_by_book"
	ViewActiveLoans      View = "active_borrows_by_user"
	ViewHistoryByUser    View = "borrows_by_user"
	ViewHistoryByBook    View = "borrows_by_book"
	ViewBorrowLookup     View = "borrows_by_id"

	// ViewBorrowStatus is not a table of its own: it stands for the status flip on the Borrow ledger row.
	ViewBorrowStatus View = "borrow_status"
)

// FanOutViews lists the views that must all be written before a Borrow may become ACTIVE.
func FanOutViews() []View {
	return []View{ViewActiveLoans, ViewHistoryByUser, ViewHistoryByBook, ViewBorrowLookup}
}

func (v View) String() string {
	return string(v)
}
