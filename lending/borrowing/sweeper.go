package borrowing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

var errDeferred = errors.New("convergence deferred to a later sweep")

// SweepReport summarizes one sweep.
type SweepReport struct {
	// Scanned is the number of pending entries older than the grace period that were picked up.
	Scanned int

	// Converged counts the entries that reached quiescence, by the action that got them there.
	Converged map[Action]int

	// Deferred counts RESERVED borrows whose fan-out failed again and that stay pending.
	Deferred int

	// Failed counts entries that could not be handled at all.
	Failed int
}

// ConvergedTotal sums Converged over all actions.
func (r SweepReport) ConvergedTotal() int {
	total := 0
	for _, n := range r.Converged {
		total += n
	}

	return total
}

// Sweeper drives borrows left behind by interrupted operations to quiescence.
// It keeps no state between runs; the pending fan-out index is its only input.
type Sweeper struct {
	store       storage.Store
	coordinator *Coordinator
	fanOut      *FanOutWriter
	settings    *settings
}

// NewSweeper returns a Sweeper on top of store.
func NewSweeper(store storage.Store, options ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}

	bounded := bound(store, s.storeTimeout)

	return &Sweeper{
		store:       bounded,
		coordinator: newCoordinator(bounded, s),
		fanOut:      newFanOutWriter(bounded, s),
		settings:    s,
	}, nil
}

// Run sweeps until ctx is canceled, pausing for the sweep interval between two passes.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.sweepInterval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.settings.logError(ctx, "borrowing: sweep failed", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce converges the oldest pending entries, at most one batch of them.
// Failures of single entries are counted in the report; the error covers the scan itself.
func (s *Sweeper) SweepOnce(ctx context.Context) (report SweepReport, err error) {
	sp, ctx := s.settings.startSpan(ctx, spanNameSweep, operationSweep, nil)
	defer func() {
		sp.finish(outcomeOf(err), err)
	}()

	cutoff := s.settings.clock().Add(-s.settings.gracePeriod)

	rows, err := s.store.ScanOlderThan(ctx, layout.TablePending, cutoff, s.settings.batchSize)
	if err != nil {
		return SweepReport{}, storageFailure(err)
	}

	report = SweepReport{Scanned: len(rows), Converged: make(map[Action]int)}
	s.settings.recordValue(ctx, lending.MetricSweeperBatchSize, float64(len(rows)), nil)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.settings.workers)

	for _, row := range rows {
		g.Go(func() error {
			action, convergeErr := s.converge(ctx, row)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case convergeErr == nil:
				report.Converged[action]++
				s.settings.incrementCounter(ctx, lending.MetricSweeperConverged, map[string]string{
					lending.LabelOutcome: action.String(),
				})
			case errors.Is(convergeErr, errDeferred):
				report.Deferred++
			default:
				report.Failed++
				s.settings.logError(ctx, "borrowing: converging pending entry failed", convergeErr,
					"partition", row.Key.Partition, "clustering", row.Key.Clustering)
			}

			return nil
		})
	}

	_ = g.Wait()

	if len(rows) > 0 {
		s.settings.logInfo(ctx, "borrowing: sweep finished",
			logAttrScanned, report.Scanned, logAttrConverged, report.ConvergedTotal(),
			logAttrDeferred, report.Deferred, logAttrFailed, report.Failed)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, ctxErr
	}

	return report, nil
}

// Repair converges one borrow on demand, without waiting for the grace period. An empty isbn is
// resolved through the lookup view. Repair does not spend the attempt budget: a RESERVED borrow is
// re-driven once and only compensated when its user already holds the book.
func (s *Sweeper) Repair(ctx context.Context, isbn string, borrowID uuid.UUID) (action Action, err error) {
	if borrowID == uuid.Nil {
		return "", lending.ErrNilBorrowID
	}

	sp, ctx := s.settings.startSpan(ctx, spanNameRepair, operationRepair, map[string]string{
		logAttrBorrowID: borrowID.String(),
	})
	defer func() {
		sp.finish(outcomeOf(err), err)
	}()

	if isbn == "" {
		row, err := s.store.Read(ctx, layout.LookupKey(borrowID))
		if err != nil {
			if isNotFound(err) {
				return "", ErrUnknownBorrow
			}
			return "", storageFailure(err)
		}
		isbn = row.String(layout.ColISBN)
	}

	ledger, err := s.coordinator.Ledger(ctx, isbn, borrowID)
	if err != nil {
		if isNotFound(err) {
			return "", ErrUnknownBorrow
		}
		return "", err
	}

	entry := layout.Pending{Kind: layout.KindBorrow, ISBN: isbn, UserID: ledger.UserID, BorrowID: borrowID}

	action, err = s.resolve(ctx, entry, ledger, false)
	if errors.Is(err, errDeferred) {
		err = errors.Join(lending.ErrStorage, lending.ErrFanOutIncomplete, err)
	}

	return action, err
}

func (s *Sweeper) converge(ctx context.Context, row storage.Row) (Action, error) {
	entry, err := layout.PendingFromRow(row)
	if err != nil {
		s.settings.logError(ctx, "borrowing: dropping malformed pending entry", err,
			"partition", row.Key.Partition, "clustering", row.Key.Clustering)
		if deleteErr := s.store.Delete(ctx, row.Key); deleteErr != nil {
			return "", storageFailure(deleteErr)
		}
		return "", err
	}

	ledger, err := s.coordinator.Ledger(ctx, entry.ISBN, entry.BorrowID)
	switch {
	case isNotFound(err):
		tombstone, applied, tombErr := s.coordinator.Tombstone(ctx, entry)
		if tombErr != nil {
			return ActionTombstone, tombErr
		}
		if applied {
			s.settings.logInfo(ctx, "borrowing: tombstoned borrow that never reserved a copy",
				logAttrBorrowID, entry.BorrowID.String(), logAttrISBN, entry.ISBN)
			return ActionTombstone, s.clear(ctx, entry)
		}
		ledger = tombstone
	case err != nil:
		return "", err
	}

	action, err := s.resolve(ctx, entry, ledger, true)
	if err != nil {
		return action, err
	}

	return action, s.clear(ctx, entry)
}

// resolve applies the converging action for a borrow whose ledger row is known.
func (s *Sweeper) resolve(ctx context.Context, entry layout.Pending, ledger lending.Borrow, mayCompensate bool) (Action, error) {
	action := decideSweep(ledger, entry.Attempts, s.settings.maxAttempts)
	if action == ActionCompensate && !mayCompensate {
		action = ActionRecommit
	}

	s.settings.logDebug(ctx, "borrowing: converging borrow",
		logAttrBorrowID, ledger.BorrowID.String(), logAttrStatus, ledger.Status.String(), logAttrAction, action.String())

	switch action {
	case ActionRecommit:
		return s.recommit(ctx, entry, ledger)

	case ActionCompensate:
		return action, s.compensate(ctx, ledger, entry.Attempts)

	case ActionRepairActive:
		repaired, err := s.fanOut.RepairActive(ctx, ledger)
		if len(repaired) > 0 {
			s.settings.logInfo(ctx, "borrowing: repaired views of active borrow",
				logAttrBorrowID, ledger.BorrowID.String(), logAttrRepaired, viewNames(repaired))
		}
		return action, err

	case ActionFinishReturn:
		return action, s.fanOut.FinishReturn(ctx, ledger)

	default:
		return action, s.fanOut.Scrub(ctx, ledger)
	}
}

func (s *Sweeper) recommit(ctx context.Context, entry layout.Pending, ledger lending.Borrow) (Action, error) {
	if entry.Key.Table != "" {
		entry.Attempts++
		applied, _, err := s.store.ConditionalWrite(ctx, storage.Batch{
			Table:      entry.Key.Table,
			Partition:  entry.Key.Partition,
			Conditions: []storage.Condition{storage.RowExists(entry.Key.Clustering)},
			Mutations: []storage.Mutation{{
				Clustering: entry.Key.Clustering,
				Set:        storage.Values{layout.ColAttempts: entry.Attempts},
			}},
		})
		if err != nil {
			return ActionRecommit, errors.Join(errDeferred, storageFailure(err))
		}
		if !applied {
			// another sweeper converged the borrow and removed the entry
			s.settings.logDebug(ctx, "borrowing: pending entry already converged", logAttrBorrowID, ledger.BorrowID.String())
			return ActionRecommit, nil
		}
	}

	result, err := s.fanOut.Commit(ctx, ledger)

	switch {
	case err == nil:
		return ActionRecommit, nil

	case errors.Is(err, lending.ErrAlreadyBorrowed):
		return ActionCompensate, s.compensate(ctx, ledger, entry.Attempts)

	case errors.Is(err, lending.ErrBorrowFailed):
		return ActionScrub, nil

	default:
		s.settings.logWarn(ctx, "borrowing: fan-out still incomplete",
			logAttrBorrowID, ledger.BorrowID.String(), logAttrAttempts, entry.Attempts,
			logAttrMissing, viewNames(result.Missing), logAttrError, err.Error())
		return ActionRecommit, errors.Join(errDeferred, err)
	}
}

func (s *Sweeper) compensate(ctx context.Context, ledger lending.Borrow, attempts int) error {
	restored, err := s.coordinator.Release(ctx, ledger)
	if errors.Is(err, ErrNoLongerReserved) {
		return nil
	}
	if err != nil {
		return err
	}

	s.settings.logError(ctx, "borrowing: compensated borrow", lending.ErrStuck,
		logAttrBorrowID, ledger.BorrowID.String(), logAttrISBN, ledger.ISBN, logAttrAttempts, attempts, "copy_restored", restored)

	failed := ledger
	failed.Status = lending.StatusFailed

	return s.fanOut.Scrub(ctx, failed)
}

func (s *Sweeper) clear(ctx context.Context, entry layout.Pending) error {
	if err := s.store.Delete(ctx, entry.Key); err != nil {
		return storageFailure(err)
	}

	return nil
}
