// Package layout names the tables and columns of the lending data model and converts
// between rows and domain values. Every table is keyed for exactly one access pattern.
package layout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
)

// Tables.
const (
	TableCopies        = string(lending.ViewCopyAvailability)
	TableActiveLoans   = string(lending.ViewActiveLoans)
	TableHistoryByUser = string(lending.ViewHistoryByUser)
	TableHistoryByBook = string(lending.ViewHistoryByBook)
	TableBorrowLookup  = string(lending.ViewBorrowLookup)
	TablePending       = "pending_fanout"

	TableBooksByID       = "books_by_id"
	TableBooksByCategory = "books_by_category"
	TableBooksByAuthor   = "books_by_author"
	TableUsersByID       = "users_by_id"
	TableUsersByEmail    = "users_by_email"
)

// Columns.
const (
	ColTotal      = "total_copies"
	ColAvailable  = "available_copies"
	ColBorrowID   = "borrow_id"
	ColISBN       = "isbn"
	ColUserID     = "user_id"
	ColBorrowedAt = "borrowed_at"
	ColDueAt      = "due_at"
	ColReturnedAt = "returned_at"
	ColStatus     = "status"
	ColKind       = "kind"
	ColAttempts   = "attempts"

	ColTitle         = "title"
	ColAuthor        = "author"
	ColCategory      = "category"
	ColPublisher     = "publisher"
	ColPublishedYear = "published_year"
	ColDescription   = "description"
	ColAddedAt       = "added_at"
	ColName          = "name"
	ColEmail         = "email"
	ColPhone         = "phone"
	ColAddress       = "address"
	ColRegisteredAt  = "registered_at"
)

// Pending entry kinds.
const (
	KindBorrow = "borrow"
	KindReturn = "return"
)

const pendingBucketLayout = "2006010215"

var ErrMalformedRow = errors.New("malformed row")

// AvailabilityKey is the static row holding total and available copies of a book.
func AvailabilityKey(isbn string) storage.Key {
	return storage.StaticKey(TableCopies, isbn)
}

// LedgerKey is the Borrow row inside the book's availability partition.
func LedgerKey(isbn string, borrowID uuid.UUID) storage.Key {
	return storage.Key{Table: TableCopies, Partition: isbn, Clustering: borrowID.String()}
}

// ActiveLoanKey is the ActiveLoanIndex entry of (user, book).
func ActiveLoanKey(userID, isbn string) storage.Key {
	return storage.Key{Table: TableActiveLoans, Partition: userID, Clustering: isbn}
}

// HistoryClustering orders history rows by borrow time; the borrow id keeps them unique.
func HistoryClustering(borrowedAt time.Time, borrowID uuid.UUID) string {
	return storage.FormatTime(borrowedAt) + "#" + borrowID.String()
}

func HistoryByUserKey(b lending.Borrow) storage.Key {
	return storage.Key{Table: TableHistoryByUser, Partition: b.UserID, Clustering: HistoryClustering(b.BorrowedAt, b.BorrowID)}
}

func HistoryByBookKey(b lending.Borrow) storage.Key {
	return storage.Key{Table: TableHistoryByBook, Partition: b.ISBN, Clustering: HistoryClustering(b.BorrowedAt, b.BorrowID)}
}

// LookupKey resolves a borrow id to its book and user.
func LookupKey(borrowID uuid.UUID) storage.Key {
	return storage.StaticKey(TableBorrowLookup, borrowID.String())
}

// ViewKey returns the row a fan-out view holds for the borrow.
func ViewKey(view lending.View, b lending.Borrow) storage.Key {
	switch view {
	case lending.ViewActiveLoans:
		return ActiveLoanKey(b.UserID, b.ISBN)
	case lending.ViewHistoryByUser:
		return HistoryByUserKey(b)
	case lending.ViewHistoryByBook:
		return HistoryByBookKey(b)
	case lending.ViewBorrowLookup:
		return LookupKey(b.BorrowID)
	default:
		return LedgerKey(b.ISBN, b.BorrowID)
	}
}

// ViewValues returns the columns a fan-out view holds for the borrow.
func ViewValues(view lending.View, b lending.Borrow) storage.Values {
	switch view {
	case lending.ViewActiveLoans:
		return storage.Values{
			ColBorrowID:   b.BorrowID.String(),
			ColISBN:       b.ISBN,
			ColBorrowedAt: b.BorrowedAt,
			ColDueAt:      b.DueAt,
		}
	case lending.ViewBorrowLookup:
		return storage.Values{
			ColBorrowID:   b.BorrowID.String(),
			ColISBN:       b.ISBN,
			ColUserID:     b.UserID,
			ColBorrowedAt: b.BorrowedAt,
			ColDueAt:      b.DueAt,
		}
	default:
		return BorrowValues(b)
	}
}

// BorrowValues is the full set of Borrow columns, used by the ledger and both history views.
func BorrowValues(b lending.Borrow) storage.Values {
	return storage.Values{
		ColBorrowID:   b.BorrowID.String(),
		ColISBN:       b.ISBN,
		ColUserID:     b.UserID,
		ColBorrowedAt: b.BorrowedAt,
		ColDueAt:      b.DueAt,
		ColReturnedAt: b.ReturnedAt,
		ColStatus:     string(b.Status),
	}
}

// BorrowFromRow decodes a ledger or history row.
func BorrowFromRow(row storage.Row) (lending.Borrow, error) {
	id, err := uuid.Parse(row.String(ColBorrowID))
	if err != nil {
		return lending.Borrow{}, fmt.Errorf("%w: borrow id: %v", ErrMalformedRow, err)
	}

	b := lending.Borrow{
		BorrowID: id,
		ISBN:     row.String(ColISBN),
		UserID:   row.String(ColUserID),
		Status:   lending.Status(row.String(ColStatus)),
	}

	if !b.Status.Valid() {
		return lending.Borrow{}, fmt.Errorf("%w: status %q", ErrMalformedRow, b.Status)
	}

	b.BorrowedAt, _ = row.Time(ColBorrowedAt)
	b.DueAt, _ = row.Time(ColDueAt)

	if returnedAt, ok := row.Time(ColReturnedAt); ok {
		b.ReturnedAt = &returnedAt
	}

	return b, nil
}

// LookupFromRow decodes a borrows_by_id row; the status is unknown there and left empty.
func LookupFromRow(row storage.Row) (lending.Borrow, error) {
	id, err := uuid.Parse(row.String(ColBorrowID))
	if err != nil {
		return lending.Borrow{}, fmt.Errorf("%w: borrow id: %v", ErrMalformedRow, err)
	}

	b := lending.Borrow{BorrowID: id, ISBN: row.String(ColISBN), UserID: row.String(ColUserID)}
	b.BorrowedAt, _ = row.Time(ColBorrowedAt)
	b.DueAt, _ = row.Time(ColDueAt)

	return b, nil
}

// Pending is an entry of the pending fan-out index.
type Pending struct {
	Key      storage.Key
	Kind     string
	ISBN     string
	UserID   string
	BorrowID uuid.UUID
	Attempts int
	Age      time.Time
}

// PendingKey buckets entries by hour so that no partition grows without bound.
func PendingKey(age time.Time, borrowID uuid.UUID) storage.Key {
	age = age.UTC()

	return storage.Key{
		Table:      TablePending,
		Partition:  age.Format(pendingBucketLayout),
		Clustering: storage.FormatTime(age) + "#" + borrowID.String(),
	}
}

// NewPending builds the entry recorded before a borrow or return touches the ledger.
func NewPending(kind string, b lending.Borrow, age time.Time) Pending {
	return Pending{
		Key:      PendingKey(age, b.BorrowID),
		Kind:     kind,
		ISBN:     b.ISBN,
		UserID:   b.UserID,
		BorrowID: b.BorrowID,
		Age:      age,
	}
}

// Values returns the columns of the entry.
func (p Pending) Values() storage.Values {
	return storage.Values{
		ColKind:     p.Kind,
		ColISBN:     p.ISBN,
		ColUserID:   p.UserID,
		ColBorrowID: p.BorrowID.String(),
		ColAttempts: p.Attempts,
	}
}

// PendingFromRow decodes a pending_fanout row.
func PendingFromRow(row storage.Row) (Pending, error) {
	id, err := uuid.Parse(row.String(ColBorrowID))
	if err != nil {
		return Pending{}, fmt.Errorf("%w: pending borrow id: %v", ErrMalformedRow, err)
	}

	if row.String(ColISBN) == "" {
		return Pending{}, fmt.Errorf("%w: pending entry without isbn", ErrMalformedRow)
	}

	kind := row.String(ColKind)
	if kind != KindBorrow && kind != KindReturn {
		return Pending{}, fmt.Errorf("%w: pending kind %q", ErrMalformedRow, kind)
	}

	return Pending{
		Key:      row.Key,
		Kind:     kind,
		ISBN:     row.String(ColISBN),
		UserID:   row.String(ColUserID),
		BorrowID: id,
		Attempts: int(row.Int(ColAttempts)),
		Age:      row.Age,
	}, nil
}

// BorrowIDFromClustering extracts the borrow id from a history or pending clustering key.
func BorrowIDFromClustering(clustering string) (uuid.UUID, error) {
	i := strings.LastIndexByte(clustering, '#')
	if i < 0 {
		return uuid.Nil, fmt.Errorf("%w: clustering %q", ErrMalformedRow, clustering)
	}

	return uuid.Parse(clustering[i+1:])
}
