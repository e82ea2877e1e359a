package lending

import "errors"

var (
	// ErrUnavailable is returned when no copy of the book is free. Not retried automatically.
	ErrUnavailable = errors.New("no copies available")

	// ErrConflict is returned when a reservation lost a race on the book's availability partition.
	ErrConflict = errors.New("reservation conflict, retry with backoff")

	// ErrStorage marks a transient infrastructure failure. Retrying with the same borrow id is safe.
	ErrStorage = errors.New("temporary storage failure, retry")

	// ErrStuck is raised by the sweeper when a fan-out could not complete within its attempt budget.
	ErrStuck = errors.New("fan-out stuck")

	// ErrNotActive is returned by the return path for unknown, not yet active, or already returned borrows.
	ErrNotActive = errors.New("not an active loan")

	// ErrAlreadyBorrowed is returned when the user already has an active loan of the same book.
	ErrAlreadyBorrowed = errors.New("user already has an active loan of this book")

	// ErrBorrowFailed is returned when a borrow id is replayed after the sweeper marked it FAILED.
	ErrBorrowFailed = errors.New("borrow failed and was rolled back")

	// ErrFanOutIncomplete is joined with ErrStorage when a borrow was reserved but its views are not all written.
	ErrFanOutIncomplete = errors.New("fan-out incomplete, the sweeper will finish it")

	ErrBookNotFound = errors.New("book not found")
	ErrUserNotFound = errors.New("user not found")
	ErrBookExists   = errors.New("a book with this isbn already exists")
	ErrEmailTaken   = errors.New("email already registered")
	ErrUserExists   = errors.New("a user with this id already exists")

	ErrEmptyISBN         = errors.New("isbn must not be empty")
	ErrEmptyUserID       = errors.New("user id must not be empty")
	ErrEmptyEmail        = errors.New("email must not be empty")
	ErrEmptyTitle        = errors.New("title must not be empty")
	ErrNegativeCopies    = errors.New("total copies must not be negative")
	ErrInvalidLoanPeriod = errors.New("loan period must be positive")
	ErrNilBorrowID       = errors.New("borrow id must not be nil")
)
