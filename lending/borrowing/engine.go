package borrowing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/retry"
	"github.com/librarysys/lending-go/lending/storage"
)

// Engine is the entry point of the borrow lifecycle: it runs the reservation, the fan-out
// and the return path, retrying transient failures within a bounded local budget.
type Engine struct {
	store       storage.Store
	coordinator *Coordinator
	fanOut      *FanOutWriter
	settings    *settings
	retry       retry.Policy
}

// NewEngine returns an Engine on top of store.
func NewEngine(store storage.Store, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}

	policy, err := retry.NewPolicy(s.retryOptions...)
	if err != nil {
		return nil, err
	}

	bounded := bound(store, s.storeTimeout)

	return &Engine{
		store:       bounded,
		coordinator: newCoordinator(bounded, s),
		fanOut:      newFanOutWriter(bounded, s),
		settings:    s,
		retry:       policy,
	}, nil
}

// Borrow lends one copy of the book to the user under a fresh borrow id.
func (e *Engine) Borrow(ctx context.Context, isbn, userID string, loanDays int) (lending.Borrow, error) {
	return e.BorrowWithID(ctx, lending.NewBorrowID(), isbn, userID, loanDays)
}

// BorrowWithID lends one copy of the book under a caller-chosen borrow id.
//
// Calling it again with the same id never claims a second copy: a completed borrow is returned as is
// and an unfinished one is driven forward. When the views could not all be written the RESERVED borrow
// is returned together with an error that joins lending.ErrStorage and lending.ErrFanOutIncomplete.
func (e *Engine) BorrowWithID(
	ctx context.Context,
	borrowID uuid.UUID,
	isbn string,
	userID string,
	loanDays int,
) (borrow lending.Borrow, err error) {
	if err := validateBorrow(borrowID, isbn, userID, loanDays); err != nil {
		return lending.Borrow{}, err
	}

	sp, ctx := e.settings.startSpan(ctx, spanNameBorrow, operationBorrow, map[string]string{
		logAttrBorrowID: borrowID.String(),
		logAttrISBN:     isbn,
		logAttrUserID:   userID,
	})
	defer func() {
		outcome := outcomeOf(err)
		sp.finish(outcome, err)
		e.settings.incrementCounter(ctx, lending.MetricBorrowOutcomes, map[string]string{
			lending.LabelOperation: operationBorrow,
			lending.LabelOutcome:   outcome,
		})
	}()

	now := e.settings.clock()
	request := lending.Borrow{
		BorrowID:   borrowID,
		ISBN:       isbn,
		UserID:     userID,
		BorrowedAt: now,
		DueAt:      now.AddDate(0, 0, loanDays),
		Status:     lending.StatusReserved,
	}

	entry := layout.NewPending(layout.KindBorrow, request, now)
	if err := e.recordPending(ctx, entry); err != nil {
		return lending.Borrow{}, err
	}

	var (
		reserved lending.Borrow
		replayed bool
	)

	_, err = e.retry.Do(ctx, func(ctx context.Context) error {
		var reserveErr error
		reserved, replayed, reserveErr = e.coordinator.Reserve(ctx, request)
		return reserveErr
	}, e.retryMetrics(operationBorrow)...)
	if err != nil {
		if !isUndecided(err) {
			e.clearPending(ctx, entry)
		}
		return lending.Borrow{}, err
	}

	if replayed && reserved.Status != lending.StatusReserved {
		e.settings.logInfo(ctx, "borrowing: borrow replayed", logAttrBorrowID, borrowID.String(), logAttrStatus, reserved.Status.String())
		e.clearPending(ctx, entry)
		return reserved, nil
	}

	var result FanOutResult

	_, err = e.retry.Do(ctx, func(ctx context.Context) error {
		var commitErr error
		result, commitErr = e.fanOut.Commit(ctx, reserved)
		return commitErr
	}, e.retryMetrics(operationCommit)...)

	switch {
	case err == nil:
		active := reserved
		active.Status = lending.StatusActive
		e.clearPending(ctx, entry)
		e.settings.logInfo(ctx, "borrowing: borrow completed",
			logAttrBorrowID, borrowID.String(), logAttrISBN, isbn, logAttrUserID, userID, logAttrReplayed, replayed)
		return active, nil

	case errors.Is(err, lending.ErrAlreadyBorrowed):
		e.undoDuplicate(ctx, reserved, entry)
		return lending.Borrow{}, lending.ErrAlreadyBorrowed

	case errors.Is(err, lending.ErrBorrowFailed):
		e.clearPending(ctx, entry)
		return lending.Borrow{}, err

	default:
		e.settings.recordValue(ctx, lending.MetricFanOutMissing, float64(len(result.Missing)), map[string]string{
			lending.LabelOperation: operationBorrow,
		})
		e.settings.logWarn(ctx, "borrowing: fan-out incomplete, left for the sweeper",
			logAttrBorrowID, borrowID.String(), logAttrMissing, viewNames(result.Missing), logAttrError, err.Error())
		return reserved, err
	}
}

// undoDuplicate compensates a reservation whose user already holds the book.
// Whatever fails here is finished by the sweeper, which finds the same duplicate.
func (e *Engine) undoDuplicate(ctx context.Context, reserved lending.Borrow, entry layout.Pending) {
	if _, err := e.coordinator.Release(ctx, reserved); err != nil {
		e.settings.logError(ctx, "borrowing: releasing duplicate reservation failed", err, logAttrBorrowID, reserved.BorrowID.String())
		return
	}

	failed := reserved
	failed.Status = lending.StatusFailed

	if err := e.fanOut.Scrub(ctx, failed); err != nil {
		e.settings.logError(ctx, "borrowing: scrubbing duplicate reservation failed", err, logAttrBorrowID, reserved.BorrowID.String())
		return
	}

	e.clearPending(ctx, entry)
}

// ReturnBook ends an ACTIVE loan and puts its copy back.
//
// Unknown ids and borrows that are not ACTIVE, including already returned ones, yield lending.ErrNotActive
// and change nothing. When the views could not all be updated the RETURNED borrow is returned together
// with an error that joins lending.ErrStorage and lending.ErrFanOutIncomplete.
func (e *Engine) ReturnBook(ctx context.Context, borrowID uuid.UUID) (borrow lending.Borrow, err error) {
	if borrowID == uuid.Nil {
		return lending.Borrow{}, lending.ErrNilBorrowID
	}

	sp, ctx := e.settings.startSpan(ctx, spanNameReturn, operationReturn, map[string]string{
		logAttrBorrowID: borrowID.String(),
	})
	defer func() {
		outcome := outcomeOf(err)
		sp.finish(outcome, err)
		e.settings.incrementCounter(ctx, lending.MetricBorrowOutcomes, map[string]string{
			lending.LabelOperation: operationReturn,
			lending.LabelOutcome:   outcome,
		})
	}()

	loan, err := e.Lookup(ctx, borrowID)
	if err != nil {
		if errors.Is(err, ErrUnknownBorrow) {
			return lending.Borrow{}, lending.ErrNotActive
		}
		return lending.Borrow{}, err
	}

	if loan.Status != lending.StatusActive {
		return lending.Borrow{}, lending.ErrNotActive
	}

	entry := layout.NewPending(layout.KindReturn, loan, e.settings.clock())
	if err := e.recordPending(ctx, entry); err != nil {
		return lending.Borrow{}, err
	}

	var (
		returned  lending.Borrow
		ambiguous bool
	)

	_, err = e.retry.Do(ctx, func(ctx context.Context) error {
		b, returnErr := e.coordinator.Return(ctx, loan)
		switch {
		case returnErr == nil:
			returned = b
			return nil
		case ambiguous && errors.Is(returnErr, lending.ErrNotActive) && b.Status == lending.StatusReturned:
			// an earlier attempt applied although it reported a failure
			returned = b
			return nil
		case errors.Is(returnErr, lending.ErrStorage):
			ambiguous = true
		}
		return returnErr
	}, e.retryMetrics(operationReturn)...)
	if err != nil {
		if !isUndecided(err) {
			e.clearPending(ctx, entry)
		}
		return lending.Borrow{}, err
	}

	_, err = e.retry.Do(ctx, func(ctx context.Context) error {
		return e.fanOut.FinishReturn(ctx, returned)
	}, e.retryMetrics(operationReturn)...)
	if err != nil {
		e.settings.recordValue(ctx, lending.MetricFanOutMissing, 1, map[string]string{
			lending.LabelOperation: operationReturn,
		})
		e.settings.logWarn(ctx, "borrowing: return fan-out incomplete, left for the sweeper",
			logAttrBorrowID, borrowID.String(), logAttrError, err.Error())
		return returned, errors.Join(lending.ErrStorage, lending.ErrFanOutIncomplete, err)
	}

	e.clearPending(ctx, entry)
	e.settings.logInfo(ctx, "borrowing: book returned", logAttrBorrowID, borrowID.String(), logAttrISBN, returned.ISBN)

	return returned, nil
}

// ReturnBookOf returns the user's active loan of the book, found through the active loan index.
// A user without an active loan of the book gets lending.ErrNotActive.
func (e *Engine) ReturnBookOf(ctx context.Context, userID, isbn string) (lending.Borrow, error) {
	borrowID, err := e.ActiveBorrowOf(ctx, userID, isbn)
	if err != nil {
		return lending.Borrow{}, err
	}

	return e.ReturnBook(ctx, borrowID)
}

// ActiveBorrowOf resolves the borrow id of the user's active loan of the book.
func (e *Engine) ActiveBorrowOf(ctx context.Context, userID, isbn string) (uuid.UUID, error) {
	userID, isbn = strings.TrimSpace(userID), strings.TrimSpace(isbn)

	switch {
	case userID == "":
		return uuid.Nil, lending.ErrEmptyUserID
	case isbn == "":
		return uuid.Nil, lending.ErrEmptyISBN
	}

	row, err := e.store.Read(lending.WithStrongConsistency(ctx), layout.ActiveLoanKey(userID, isbn))
	if err != nil {
		if isNotFound(err) {
			return uuid.Nil, lending.ErrNotActive
		}
		return uuid.Nil, storageFailure(err)
	}

	borrowID, err := uuid.Parse(row.String(layout.ColBorrowID))
	if err != nil {
		return uuid.Nil, errors.Join(lending.ErrStorage, layout.ErrMalformedRow, err)
	}

	return borrowID, nil
}

// Lookup resolves a borrow id to the current ledger state of the borrow.
// Ids without a lookup row, including borrows whose fan-out has not reached it yet, yield ErrUnknownBorrow.
func (e *Engine) Lookup(ctx context.Context, borrowID uuid.UUID) (lending.Borrow, error) {
	row, err := e.store.Read(ctx, layout.LookupKey(borrowID))
	if err != nil {
		if isNotFound(err) {
			return lending.Borrow{}, ErrUnknownBorrow
		}
		return lending.Borrow{}, storageFailure(err)
	}

	ref, err := layout.LookupFromRow(row)
	if err != nil {
		return lending.Borrow{}, errors.Join(lending.ErrStorage, err)
	}

	b, err := e.coordinator.Ledger(ctx, ref.ISBN, borrowID)
	if err != nil {
		if isNotFound(err) {
			return lending.Borrow{}, ErrUnknownBorrow
		}
		return lending.Borrow{}, err
	}

	return b, nil
}

func (e *Engine) recordPending(ctx context.Context, entry layout.Pending) error {
	_, err := e.retry.Do(ctx, func(ctx context.Context) error {
		if err := e.store.Write(ctx, entry.Key, entry.Values(), entry.Age); err != nil {
			return storageFailure(err)
		}
		return nil
	}, e.retryMetrics(operationPending)...)

	return err
}

// clearPending is best effort: an entry that outlives its borrow is removed by the next sweep.
func (e *Engine) clearPending(ctx context.Context, entry layout.Pending) {
	if err := e.store.Delete(ctx, entry.Key); err != nil {
		e.settings.logWarn(ctx, "borrowing: removing pending entry failed",
			logAttrBorrowID, entry.BorrowID.String(), logAttrError, err.Error())
	}
}

func (e *Engine) retryMetrics(operation string) []retry.Option {
	if e.settings.metricsCollector == nil {
		return nil
	}

	return []retry.Option{retry.WithMetrics(e.settings.metricsCollector, operation)}
}

// isUndecided reports whether a failed call may still have applied its write.
func isUndecided(err error) bool {
	return errors.Is(err, lending.ErrStorage) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func validateBorrow(borrowID uuid.UUID, isbn, userID string, loanDays int) error {
	switch {
	case borrowID == uuid.Nil:
		return lending.ErrNilBorrowID
	case strings.TrimSpace(isbn) == "":
		return lending.ErrEmptyISBN
	case strings.TrimSpace(userID) == "":
		return lending.ErrEmptyUserID
	case loanDays <= 0:
		return lending.ErrInvalidLoanPeriod
	default:
		return nil
	}
}

func viewNames(views []lending.View) string {
	names := make([]string, len(views))
	for i, view := range views {
		names[i] = view.String()
	}

	return strings.Join(names, ",")
}
