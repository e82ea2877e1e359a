package borrowing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

const maxClaimAttempts = 3

// FanOutResult names the views a commit could not write.
type FanOutResult struct {
	Missing []lending.View
}

// Completed reports whether every view was written and the borrow is ACTIVE.
func (r FanOutResult) Completed() bool {
	return len(r.Missing) == 0
}

// FanOutWriter writes a borrow to its denormalized views. Every write is keyed by the borrow id,
// so repeating a fan-out never duplicates a history entry.
type FanOutWriter struct {
	store    storage.Store
	settings *settings
}

// NewFanOutWriter returns a FanOutWriter on top of store.
func NewFanOutWriter(store storage.Store, options ...Option) (*FanOutWriter, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}

	return newFanOutWriter(bound(store, s.storeTimeout), s), nil
}

func newFanOutWriter(store storage.Store, s *settings) *FanOutWriter {
	return &FanOutWriter{store: store, settings: s}
}

// Commit writes all views of a reserved borrow in parallel and then flips its ledger row to ACTIVE.
//
// The flip only happens after every view is written. On a partial failure the result names the
// missing views and the error joins lending.ErrStorage with lending.ErrFanOutIncomplete.
// lending.ErrAlreadyBorrowed means another active borrow of the user holds the book; nothing is flipped.
func (w *FanOutWriter) Commit(ctx context.Context, b lending.Borrow) (FanOutResult, error) {
	active := b
	active.Status = lending.StatusActive
	active.ReturnedAt = nil

	var (
		g               errgroup.Group
		mu              sync.Mutex
		missing         []lending.View
		alreadyBorrowed bool
	)

	for _, view := range lending.FanOutViews() {
		g.Go(func() error {
			err := w.writeView(ctx, view, active)
			if err == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			if errors.Is(err, lending.ErrAlreadyBorrowed) {
				alreadyBorrowed = true
				return err
			}

			missing = append(missing, view)

			return err
		})
	}

	err := g.Wait()

	if alreadyBorrowed {
		return FanOutResult{Missing: sortViews(missing)}, lending.ErrAlreadyBorrowed
	}

	if len(missing) > 0 {
		result := FanOutResult{Missing: sortViews(append(missing, lending.ViewBorrowStatus))}
		return result, errors.Join(lending.ErrStorage, lending.ErrFanOutIncomplete, err)
	}

	if err := w.flip(ctx, b); err != nil {
		if errors.Is(err, lending.ErrBorrowFailed) {
			return FanOutResult{}, err
		}
		return FanOutResult{Missing: []lending.View{lending.ViewBorrowStatus}}, errors.Join(lending.ErrFanOutIncomplete, err)
	}

	return FanOutResult{}, nil
}

func (w *FanOutWriter) writeView(ctx context.Context, view lending.View, b lending.Borrow) error {
	if view == lending.ViewActiveLoans {
		return w.claimActiveLoan(ctx, b)
	}

	if err := w.store.Write(ctx, layout.ViewKey(view, b), layout.ViewValues(view, b), time.Time{}); err != nil {
		return storageFailure(err)
	}

	return nil
}

// claimActiveLoan inserts the (user, book) index entry. An entry left behind by a returned or
// failed borrow is replaced; an entry of a live borrow means the user already has the book.
func (w *FanOutWriter) claimActiveLoan(ctx context.Context, b lending.Borrow) error {
	key := layout.ActiveLoanKey(b.UserID, b.ISBN)
	values := layout.ViewValues(lending.ViewActiveLoans, b)
	condition := storage.RowAbsent(key.Clustering)

	for range maxClaimAttempts {
		applied, current, err := w.store.ConditionalWrite(ctx, storage.Batch{
			Table:      key.Table,
			Partition:  key.Partition,
			Conditions: []storage.Condition{condition},
			Mutations:  []storage.Mutation{{Clustering: key.Clustering, Set: values}},
		})
		if err != nil {
			return storageFailure(err)
		}

		if applied {
			return nil
		}

		row, ok := storage.FindRow(current, key.Clustering)
		if !ok {
			condition = storage.RowAbsent(key.Clustering)
			continue
		}

		holder := row.String(layout.ColBorrowID)
		if holder == b.BorrowID.String() {
			return nil
		}

		stale, err := w.isStaleHolder(ctx, b.ISBN, holder)
		if err != nil {
			return err
		}

		if !stale {
			return lending.ErrAlreadyBorrowed
		}

		w.settings.logWarn(ctx, "borrowing: replacing stale active loan entry",
			logAttrBorrowID, b.BorrowID.String(), logAttrUserID, b.UserID, logAttrISBN, b.ISBN, "stale_borrow_id", holder)

		condition = storage.ColumnEquals(key.Clustering, layout.ColBorrowID, holder)
	}

	return lending.ErrConflict
}

func (w *FanOutWriter) isStaleHolder(ctx context.Context, isbn, holder string) (bool, error) {
	id, err := uuid.Parse(holder)
	if err != nil {
		return true, nil
	}

	row, err := w.store.Read(ctx, layout.LedgerKey(isbn, id))
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, storageFailure(err)
	}

	ledger, err := layout.BorrowFromRow(row)
	if err != nil {
		return true, nil
	}

	return ledger.Status.IsTerminal(), nil
}

// flip moves the ledger row from RESERVED to ACTIVE. A borrow that is already ACTIVE or RETURNED
// is left alone; a FAILED one has its views scrubbed and reports lending.ErrBorrowFailed.
func (w *FanOutWriter) flip(ctx context.Context, b lending.Borrow) error {
	id := b.BorrowID.String()

	applied, current, err := w.store.ConditionalWrite(ctx, storage.Batch{
		Table:      layout.TableCopies,
		Partition:  b.ISBN,
		Conditions: []storage.Condition{storage.ColumnEquals(id, layout.ColStatus, string(lending.StatusReserved))},
		Mutations:  []storage.Mutation{{Clustering: id, Set: storage.Values{layout.ColStatus: string(lending.StatusActive)}}},
	})
	if err != nil {
		return storageFailure(err)
	}

	if applied {
		return nil
	}

	row, ok := storage.FindRow(current, id)
	if ok {
		ledger, err := layout.BorrowFromRow(row)
		if err == nil && (ledger.Status == lending.StatusActive || ledger.Status == lending.StatusReturned) {
			return nil
		}
	}

	// compensated while the views were being written
	if err := w.Scrub(ctx, b); err != nil {
		return errors.Join(lending.ErrBorrowFailed, err)
	}

	return lending.ErrBorrowFailed
}

// RepairActive cross-checks the views of an ACTIVE borrow against its ledger row
// and rewrites the ones that are missing. It returns the views it repaired.
func (w *FanOutWriter) RepairActive(ctx context.Context, b lending.Borrow) ([]lending.View, error) {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		repaired []lending.View
	)

	for _, view := range lending.FanOutViews() {
		g.Go(func() error {
			present, err := w.viewPresent(ctx, view, b)
			if err != nil {
				return err
			}

			if present {
				return nil
			}

			if err := w.writeView(ctx, view, b); err != nil {
				return err
			}

			mu.Lock()
			repaired = append(repaired, view)
			mu.Unlock()

			return nil
		})
	}

	err := g.Wait()

	return sortViews(repaired), err
}

func (w *FanOutWriter) viewPresent(ctx context.Context, view lending.View, b lending.Borrow) (bool, error) {
	row, err := w.store.Read(ctx, layout.ViewKey(view, b))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, storageFailure(err)
	}

	if view == lending.ViewActiveLoans && row.String(layout.ColBorrowID) != b.BorrowID.String() {
		return false, nil
	}

	return true, nil
}

// FinishReturn drives the views of a RETURNED borrow to their final state: the active loan entry
// is removed if it still names this borrow and both history rows carry the return.
func (w *FanOutWriter) FinishReturn(ctx context.Context, b lending.Borrow) error {
	var g errgroup.Group

	g.Go(func() error {
		return w.releaseActiveLoan(ctx, b)
	})

	for _, view := range []lending.View{lending.ViewHistoryByUser, lending.ViewHistoryByBook} {
		g.Go(func() error {
			return w.writeView(ctx, view, b)
		})
	}

	return g.Wait()
}

// Scrub removes every view a FAILED borrow may have left behind.
func (w *FanOutWriter) Scrub(ctx context.Context, b lending.Borrow) error {
	var g errgroup.Group

	g.Go(func() error {
		return w.releaseActiveLoan(ctx, b)
	})

	for _, key := range []storage.Key{layout.HistoryByUserKey(b), layout.HistoryByBookKey(b), layout.LookupKey(b.BorrowID)} {
		g.Go(func() error {
			if err := w.store.Delete(ctx, key); err != nil {
				return storageFailure(err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (w *FanOutWriter) releaseActiveLoan(ctx context.Context, b lending.Borrow) error {
	key := layout.ActiveLoanKey(b.UserID, b.ISBN)

	_, _, err := w.store.ConditionalWrite(ctx, storage.Batch{
		Table:      key.Table,
		Partition:  key.Partition,
		Conditions: []storage.Condition{storage.ColumnEquals(key.Clustering, layout.ColBorrowID, b.BorrowID.String())},
		Mutations:  []storage.Mutation{{Clustering: key.Clustering, Delete: true}},
	})
	if err != nil {
		return storageFailure(err)
	}

	return nil
}

func sortViews(views []lending.View) []lending.View {
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views
}
