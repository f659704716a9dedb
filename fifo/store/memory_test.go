package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/fifo/store"
	"github.com/warp/fxledger/money"
)

func openAccount(ctx context.Context, tx fifo.Tx, id fifo.AccountID) error {
	return tx.InsertAccount(ctx, fifo.Account{
		ID: id, Name: string(id), Currency: money.Home, Balance: money.Zero(money.Home), Active: true,
	})
}

func TestWithTx_ErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.WithTx(ctx, func(tx fifo.Tx) error {
		require.NoError(t, openAccount(ctx, tx, "cash"))
		return errors.New("boom")
	})
	require.Error(t, err)

	err = m.View(ctx, func(tx fifo.Tx) error {
		_, err := tx.GetAccount(ctx, "cash")
		return err
	})
	assert.ErrorIs(t, err, fifo.ErrAccountNotFound)
}

func TestWithTx_PanicRollsBackAndRepanics(t *testing.T) {
	// GIVEN: a transaction that inserts an account and then panics
	// WHEN: the panic propagates out of WithTx
	// THEN: the insert is gone and the store is usable again

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx fifo.Tx) error { return openAccount(ctx, tx, "kept") }))

	assert.PanicsWithValue(t, "mid-transaction", func() {
		_ = m.WithTx(ctx, func(tx fifo.Tx) error {
			if err := openAccount(ctx, tx, "lost"); err != nil {
				return err
			}
			panic("mid-transaction")
		})
	})

	var accounts []fifo.Account
	require.NoError(t, m.View(ctx, func(tx fifo.Tx) error {
		var err error
		accounts, err = tx.ListAccounts(ctx)
		return err
	}))
	require.Len(t, accounts, 1)
	assert.Equal(t, fifo.AccountID("kept"), accounts[0].ID)

	// The write lock was released.
	assert.NoError(t, m.WithTx(ctx, func(tx fifo.Tx) error { return openAccount(ctx, tx, "after") }))
}

func TestView_RejectsWrites(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.View(ctx, func(tx fifo.Tx) error { return openAccount(ctx, tx, "cash") })
	assert.ErrorIs(t, err, store.ErrReadOnly)

	err = m.View(ctx, func(tx fifo.Tx) error {
		_, err := tx.InsertProfitEntry(ctx, fifo.ProfitEntry{ID: "p"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestProfitEntries_SeqOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	twd := func(s string) money.Amount { return money.MustParse(s, money.Home) }

	require.NoError(t, m.WithTx(ctx, func(tx fifo.Tx) error {
		for _, e := range []fifo.ProfitEntry{
			{ID: "a", Kind: fifo.ProfitEarned, SaleID: "s1", Amount: twd("10")},
			{ID: "b", Kind: fifo.ProfitWithdrawn, Amount: twd("-4")},
			{ID: "c", Kind: fifo.ProfitReversal, SaleID: "s1", ReversesID: "a", Amount: twd("-10")},
		} {
			if _, err := tx.InsertProfitEntry(ctx, e); err != nil {
				return err
			}
		}
		_, err := tx.InsertProfitEntry(ctx, fifo.ProfitEntry{ID: "a"})
		assert.ErrorIs(t, err, fifo.ErrDuplicateID)
		return nil
	}))

	require.NoError(t, m.View(ctx, func(tx fifo.Tx) error {
		all, err := tx.ListProfitEntries(ctx, fifo.ProfitFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Less(t, all[0].Seq, all[1].Seq)
		assert.Less(t, all[1].Seq, all[2].Seq)

		sale, err := tx.ListProfitEntries(ctx, fifo.ProfitFilter{SaleID: "s1"})
		require.NoError(t, err)
		assert.Len(t, sale, 2)

		rev, err := tx.ListProfitEntries(ctx, fifo.ProfitFilter{ReversesID: "a"})
		require.NoError(t, err)
		require.Len(t, rev, 1)
		assert.Equal(t, fifo.ProfitEntryID("c"), rev[0].ID)

		_, err = tx.GetProfitEntry(ctx, "missing")
		assert.ErrorIs(t, err, fifo.ErrProfitEntryNotFound)
		return nil
	}))
}
