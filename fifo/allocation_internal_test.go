package fifo

import (
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/money"
)

func seqOf(lots ...Lot) iter.Seq2[Lot, error] {
	return func(yield func(Lot, error) bool) {
		for _, l := range lots {
			if !yield(l, nil) {
				return
			}
		}
	}
}

func testLot(id string, qty, cost string) Lot {
	return Lot{
		ID:         LotID(id),
		AcquiredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Original:   money.MustParse(qty, money.Foreign),
		Remaining:  money.MustParse(qty, money.Foreign),
		UnitCost:   money.MustParseRate(cost),
	}
}

func TestMatchFIFO_StopsWhenCovered(t *testing.T) {
	plan, err := matchFIFO(seqOf(testLot("a", "1000", "4.0"), testLot("b", "500", "4.5"), testLot("c", "10", "9")),
		money.MustParse("1200", money.Foreign))
	require.NoError(t, err)

	require.Len(t, plan.Lines, 2)
	assert.Equal(t, LotID("a"), plan.Lines[0].LotID)
	assert.True(t, plan.Lines[1].Quantity.Equal(money.MustParse("200", money.Foreign)))
	assert.True(t, plan.CostOfGoods.Equal(money.MustParse("4900", money.Home)))
}

func TestMatchFIFO_ReportsTrueAvailability(t *testing.T) {
	_, err := matchFIFO(seqOf(testLot("a", "100", "4"), testLot("b", "50", "4")), money.MustParse("400", money.Foreign))

	var inv *InsufficientInventoryError
	require.ErrorAs(t, err, &inv)
	assert.True(t, inv.Available.Equal(money.MustParse("150", money.Foreign)))
	assert.True(t, inv.Shortfall.Equal(money.MustParse("250", money.Foreign)))
}

func TestMatchFIFO_PropagatesIteratorError(t *testing.T) {
	boom := errors.New("boom")
	lots := func(yield func(Lot, error) bool) {
		if !yield(testLot("a", "10", "4"), nil) {
			return
		}
		yield(Lot{}, boom)
	}
	_, err := matchFIFO(lots, money.MustParse("50", money.Foreign))
	assert.ErrorIs(t, err, boom)
}

func TestLotCursor_After(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := LotCursor{AcquiredAt: at, Seq: 5}

	assert.True(t, LotCursor{}.After(Lot{AcquiredAt: at, Seq: 1}))
	assert.False(t, c.After(Lot{AcquiredAt: at, Seq: 5}))
	assert.True(t, c.After(Lot{AcquiredAt: at, Seq: 6}))
	assert.False(t, c.After(Lot{AcquiredAt: at.Add(-time.Second), Seq: 9}))
	assert.True(t, c.After(Lot{AcquiredAt: at.Add(time.Second), Seq: 1}))
}
