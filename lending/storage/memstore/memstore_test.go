package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending/storage"
	"github.com/librarysys/lending-go/lending/storage/memstore"
	"github.com/librarysys/lending-go/testutil/storetest"
)

func Test_MemStore_Conformance(t *testing.T) {
	storetest.Run(t, func(_ *testing.T) storage.Store {
		return memstore.New()
	})
}

func Test_MemStore_Fault_Aborts_Operation_Without_Effect(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()
	key := storage.Key{Table: "borrows_by_book", Partition: "isbn-1", Clustering: "c"}
	store.SetFault(func(op memstore.Operation) error {
		if op.Kind == memstore.OpWrite && op.Table == "borrows_by_book" {
			return memstore.ErrInjected
		}
		return nil
	})

	// act
	err := store.Write(ctx, key, storage.Values{"a": "b"}, time.Time{})

	// assert
	assert.ErrorIs(t, err, storage.ErrStoreFailure)
	assert.ErrorIs(t, err, memstore.ErrInjected)

	store.SetFault(nil)
	_, readErr := store.Read(ctx, key)
	assert.ErrorIs(t, readErr, storage.ErrRowNotFound)
	assert.Equal(t, int64(1), store.Calls(memstore.OpWrite, "borrows_by_book"))
}

func Test_MemStore_Honors_Canceled_Context(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := memstore.New().Read(ctx, storage.StaticKey("t", "p"))

	require.ErrorIs(t, err, context.Canceled)
}
