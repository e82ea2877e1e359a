package borrowing

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

// Coordinator owns every conditional batch on a book's availability partition.
// It is the only component that changes available_copies.
type Coordinator struct {
	store    storage.Store
	settings *settings
}

// NewCoordinator returns a Coordinator on top of store.
func NewCoordinator(store storage.Store, options ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}

	return newCoordinator(bound(store, s.storeTimeout), s), nil
}

func newCoordinator(store storage.Store, s *settings) *Coordinator {
	return &Coordinator{store: store, settings: s}
}

// Reserve claims one copy for request and inserts its ledger row in RESERVED, in one conditional batch.
//
// When the borrow id already exists for the same user the call is a replay: the stored borrow is
// returned with replayed set and nothing changes. A FAILED borrow is returned with ErrBorrowFailed.
func (c *Coordinator) Reserve(ctx context.Context, request lending.Borrow) (borrow lending.Borrow, replayed bool, err error) {
	reserved := request
	reserved.Status = lending.StatusReserved
	reserved.ReturnedAt = nil

	id := request.BorrowID.String()

	batch := storage.Batch{
		Table:     layout.TableCopies,
		Partition: request.ISBN,
		Conditions: []storage.Condition{
			storage.ColumnGreaterThan("", layout.ColAvailable, 0),
			storage.RowAbsent(id),
		},
		Mutations: []storage.Mutation{
			{Increment: map[string]int64{layout.ColAvailable: -1}},
			{Clustering: id, Set: layout.BorrowValues(reserved)},
		},
	}

	applied, current, err := c.store.ConditionalWrite(ctx, batch)
	if err != nil {
		return lending.Borrow{}, false, storageFailure(err)
	}

	if applied {
		c.settings.logDebug(ctx, "borrowing: copy reserved", logAttrBorrowID, id, logAttrISBN, request.ISBN)
		return reserved, false, nil
	}

	existing, err := decideRejectedReservation(request, current)
	if err != nil {
		return existing, false, err
	}

	return existing, true, nil
}

// Release compensates a RESERVED borrow by marking it FAILED and restoring its copy.
// It reports whether a copy was put back. Releasing a FAILED borrow is a no-op.
func (c *Coordinator) Release(ctx context.Context, b lending.Borrow) (bool, error) {
	id := b.BorrowID.String()

	applied, current, err := c.store.ConditionalWrite(ctx, storage.Batch{
		Table:     layout.TableCopies,
		Partition: b.ISBN,
		Conditions: []storage.Condition{
			storage.ColumnEquals(id, layout.ColStatus, string(lending.StatusReserved)),
			storage.ColumnLessThanColumn("", layout.ColAvailable, layout.ColTotal),
		},
		Mutations: []storage.Mutation{
			{Clustering: id, Set: storage.Values{layout.ColStatus: string(lending.StatusFailed)}},
			{Increment: map[string]int64{layout.ColAvailable: 1}},
		},
	})
	if err != nil {
		return false, storageFailure(err)
	}

	if applied {
		c.settings.logWarn(ctx, "borrowing: reservation released", logAttrBorrowID, id, logAttrISBN, b.ISBN)
		return true, nil
	}

	row, ok := storage.FindRow(current, id)
	if !ok {
		return false, ErrUnknownBorrow
	}

	existing, err := layout.BorrowFromRow(row)
	if err != nil {
		return false, errors.Join(lending.ErrStorage, err)
	}

	switch existing.Status {
	case lending.StatusFailed:
		return false, nil

	case lending.StatusReserved:
		// availability is already at total, so only the status moves
		c.settings.logError(ctx, "borrowing: releasing a reservation while availability is at total",
			errAvailabilityAtTotal, logAttrBorrowID, id, logAttrISBN, b.ISBN)

		applied, _, err = c.store.ConditionalWrite(ctx, storage.Batch{
			Table:      layout.TableCopies,
			Partition:  b.ISBN,
			Conditions: []storage.Condition{storage.ColumnEquals(id, layout.ColStatus, string(lending.StatusReserved))},
			Mutations:  []storage.Mutation{{Clustering: id, Set: storage.Values{layout.ColStatus: string(lending.StatusFailed)}}},
		})
		if err != nil {
			return false, storageFailure(err)
		}

		if !applied {
			return false, lending.ErrConflict
		}

		return false, nil

	default:
		return false, ErrNoLongerReserved
	}
}

// Return moves an ACTIVE borrow to RETURNED and puts its copy back, in one conditional batch.
// The batch requires returned_at to be unset, so a second return never increments twice.
func (c *Coordinator) Return(ctx context.Context, b lending.Borrow) (lending.Borrow, error) {
	id := b.BorrowID.String()

	returnedAt := c.settings.clock()
	returned := b
	returned.Status = lending.StatusReturned
	returned.ReturnedAt = &returnedAt

	applied, current, err := c.store.ConditionalWrite(ctx, storage.Batch{
		Table:     layout.TableCopies,
		Partition: b.ISBN,
		Conditions: []storage.Condition{
			storage.ColumnEquals(id, layout.ColStatus, string(lending.StatusActive)),
			storage.ColumnIsNull(id, layout.ColReturnedAt),
			storage.ColumnLessThanColumn("", layout.ColAvailable, layout.ColTotal),
		},
		Mutations: []storage.Mutation{
			{Clustering: id, Set: storage.Values{
				layout.ColStatus:     string(lending.StatusReturned),
				layout.ColReturnedAt: returnedAt,
			}},
			{Increment: map[string]int64{layout.ColAvailable: 1}},
		},
	})
	if err != nil {
		return lending.Borrow{}, storageFailure(err)
	}

	if applied {
		return returned, nil
	}

	return decideRejectedReturn(id, current)
}

// Tombstone writes a FAILED ledger row for a pending borrow that never reserved a copy.
// If the ledger row exists after all, it is returned unchanged with applied set to false.
func (c *Coordinator) Tombstone(ctx context.Context, entry layout.Pending) (lending.Borrow, bool, error) {
	id := entry.BorrowID.String()

	failed := lending.Borrow{
		BorrowID:   entry.BorrowID,
		ISBN:       entry.ISBN,
		UserID:     entry.UserID,
		BorrowedAt: entry.Age,
		DueAt:      entry.Age,
		Status:     lending.StatusFailed,
	}

	applied, current, err := c.store.ConditionalWrite(ctx, storage.Batch{
		Table:      layout.TableCopies,
		Partition:  entry.ISBN,
		Conditions: []storage.Condition{storage.RowAbsent(id)},
		Mutations:  []storage.Mutation{{Clustering: id, Set: layout.BorrowValues(failed)}},
	})
	if err != nil {
		return lending.Borrow{}, false, storageFailure(err)
	}

	if applied {
		return failed, true, nil
	}

	row, ok := storage.FindRow(current, id)
	if !ok {
		return lending.Borrow{}, false, lending.ErrConflict
	}

	existing, err := layout.BorrowFromRow(row)
	if err != nil {
		return lending.Borrow{}, false, errors.Join(lending.ErrStorage, err)
	}

	return existing, false, nil
}

// Ledger reads the Borrow row. A missing row is reported as storage.ErrRowNotFound.
func (c *Coordinator) Ledger(ctx context.Context, isbn string, borrowID uuid.UUID) (lending.Borrow, error) {
	row, err := c.store.Read(ctx, layout.LedgerKey(isbn, borrowID))
	if err != nil {
		if isNotFound(err) {
			return lending.Borrow{}, err
		}
		return lending.Borrow{}, storageFailure(err)
	}

	b, err := layout.BorrowFromRow(row)
	if err != nil {
		return lending.Borrow{}, errors.Join(lending.ErrStorage, err)
	}

	return b, nil
}
