package borrowing

import (
	"context"
	"errors"
	"time"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
)

// boundedStore applies the per-call timeout to every store operation.
type boundedStore struct {
	store   storage.Store
	timeout time.Duration
}

func (b boundedStore) Read(ctx context.Context, key storage.Key) (storage.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.store.Read(ctx, key)
}

func (b boundedStore) ReadPartition(ctx context.Context, table, partition string) ([]storage.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.store.ReadPartition(ctx, table, partition)
}

func (b boundedStore) Write(ctx context.Context, key storage.Key, values storage.Values, age time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.store.Write(ctx, key, values, age)
}

func (b boundedStore) Delete(ctx context.Context, key storage.Key) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.store.Delete(ctx, key)
}

func (b boundedStore) ConditionalWrite(ctx context.Context, batch storage.Batch) (bool, []storage.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.store.ConditionalWrite(ctx, batch)
}

func (b boundedStore) ScanOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) ([]storage.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.store.ScanOlderThan(ctx, table, cutoff, limit)
}

func bound(store storage.Store, timeout time.Duration) storage.Store {
	if already, ok := store.(boundedStore); ok {
		store = already.store
	}

	return boundedStore{store: store, timeout: timeout}
}

// storageFailure maps an engine error onto the lending error taxonomy.
// Contention becomes a conflict, everything else a transient storage failure.
func storageFailure(err error) error {
	if errors.Is(err, storage.ErrContention) {
		return errors.Join(lending.ErrConflict, err)
	}

	return errors.Join(lending.ErrStorage, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrRowNotFound)
}

// outcomeOf names the result of an operation for metrics and spans.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lending.ErrFanOutIncomplete):
		return "fanout_incomplete"
	case errors.Is(err, lending.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, lending.ErrAlreadyBorrowed):
		return "already_borrowed"
	case errors.Is(err, lending.ErrBorrowFailed):
		return "borrow_failed"
	case errors.Is(err, lending.ErrBookNotFound):
		return "book_not_found"
	case errors.Is(err, lending.ErrNotActive):
		return "not_active"
	case errors.Is(err, lending.ErrConflict):
		return "conflict"
	case errors.Is(err, lending.ErrStorage):
		return "storage"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "invalid"
	}
}
