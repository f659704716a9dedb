package fifo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/fifo/store"
)

// withLots runs fn against a LotStore inside one committed transaction.
func withLots(t *testing.T, m *store.Memory, pageSize int, fn func(context.Context, *fifo.LotStore) error) error {
	t.Helper()
	ctx := context.Background()
	return m.WithTx(ctx, func(tx fifo.Tx) error {
		return fn(ctx, fifo.NewLotStore(tx, pageSize))
	})
}

func TestLotStore_AddLotValidation(t *testing.T) {
	m := store.NewMemory()
	err := withLots(t, m, 0, func(ctx context.Context, lots *fifo.LotStore) error {
		_, err := lots.AddLot(ctx, "p", rmb("0"), rate("4"), base)
		assert.ErrorIs(t, err, fifo.ErrInvalidQuantity)
		_, err = lots.AddLot(ctx, "p", rmb("10"), rate("0"), base)
		assert.ErrorIs(t, err, fifo.ErrInvalidQuantity)
		_, err = lots.AddLot(ctx, "p", twd("10"), rate("4"), base)
		assert.ErrorIs(t, err, fifo.ErrCurrencyMismatch)
		return nil
	})
	require.NoError(t, err)
}

func TestLotStore_ReduceRestoreBounds(t *testing.T) {
	m := store.NewMemory()
	err := withLots(t, m, 0, func(ctx context.Context, lots *fifo.LotStore) error {
		lot, err := lots.AddLot(ctx, "p", rmb("100"), rate("4"), base)
		require.NoError(t, err)

		_, err = lots.Reduce(ctx, lot.ID, rmb("100.01"))
		assert.ErrorIs(t, err, fifo.ErrInsufficientLotQuantity)

		got, err := lots.Reduce(ctx, lot.ID, rmb("60"))
		require.NoError(t, err)
		assertAmount(t, rmb("40"), got.Remaining)

		_, err = lots.Restore(ctx, lot.ID, rmb("60.01"))
		var qe *fifo.LotQuantityError
		require.ErrorAs(t, err, &qe)
		assert.ErrorIs(t, err, fifo.ErrOverRestoration)
		assert.Equal(t, lot.ID, qe.LotID)

		_, err = lots.Void(ctx, lot.ID)
		assert.ErrorIs(t, err, fifo.ErrLotPartiallyConsumed)

		got, err = lots.Restore(ctx, lot.ID, rmb("60"))
		require.NoError(t, err)
		assertAmount(t, rmb("100"), got.Remaining)

		got, err = lots.Void(ctx, lot.ID)
		require.NoError(t, err)
		assert.True(t, got.Voided)

		_, err = lots.Reduce(ctx, lot.ID, rmb("1"))
		assert.ErrorIs(t, err, fifo.ErrInsufficientLotQuantity, "voided lots cannot be sold")
		return nil
	})
	require.NoError(t, err)
}

func TestLotStore_AvailablePagesInFIFOOrder(t *testing.T) {
	// GIVEN: five lots inserted out of time order, one drained
	// WHEN: Available is ranged with a page size of 2
	// THEN: remaining lots come back oldest first, across pages, and a
	//       second range restarts from the oldest

	m := store.NewMemory()
	offsets := []time.Duration{3, 1, 4, 1, 5}
	var ids []fifo.LotID
	err := withLots(t, m, 2, func(ctx context.Context, lots *fifo.LotStore) error {
		for _, h := range offsets {
			lot, err := lots.AddLot(ctx, "p", rmb("10"), rate("4"), base.Add(h*time.Hour))
			require.NoError(t, err)
			ids = append(ids, lot.ID)
		}
		_, err := lots.Reduce(ctx, ids[2], rmb("10"))
		return err
	})
	require.NoError(t, err)

	want := []fifo.LotID{ids[1], ids[3], ids[0], ids[4]}
	for range 2 {
		var got []fifo.LotID
		err = withLots(t, m, 2, func(ctx context.Context, lots *fifo.LotStore) error {
			for lot, err := range lots.Available(ctx) {
				if err != nil {
					return err
				}
				got = append(got, lot.ID)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLotStore_RollbackOnError(t *testing.T) {
	m := store.NewMemory()
	var id fifo.LotID
	require.NoError(t, withLots(t, m, 0, func(ctx context.Context, lots *fifo.LotStore) error {
		lot, err := lots.AddLot(ctx, "p", rmb("10"), rate("4"), base)
		id = lot.ID
		return err
	}))

	err := withLots(t, m, 0, func(ctx context.Context, lots *fifo.LotStore) error {
		if _, err := lots.Reduce(ctx, id, rmb("4")); err != nil {
			return err
		}
		_, err := lots.Reduce(ctx, id, rmb("7"))
		return err
	})
	require.ErrorIs(t, err, fifo.ErrInsufficientLotQuantity)

	require.NoError(t, withLots(t, m, 0, func(ctx context.Context, lots *fifo.LotStore) error {
		lot, err := lots.Get(ctx, id)
		assertAmount(t, rmb("10"), lot.Remaining, "first reduce rolled back")
		return err
	}))
}
