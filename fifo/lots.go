/*
lots.go - Lot Store

PURPOSE:
  Ordered collection of purchase lots. Each lot knows its original quantity,
  its unit cost and how much is still unsold. The Allocation Engine consumes
  lots oldest-first through Available(); reversals put quantity back through
  Restore().

ORDERING:
  Lots are totally ordered by (AcquiredAt, Seq). Seq is the store-assigned
  insertion sequence, so two lots bought at the same instant are consumed in
  the order they were recorded - never by id or size.

ITERATION:
  Available() is lazy (keyset pages of PageSize lots), restartable (every
  range starts again from the oldest lot) and finite. Reducing the lot that
  was just yielded does not disturb the scan: the cursor is already past it.

INVARIANT:
  0 <= Remaining <= Original, enforced on every Reduce and Restore.
*/
package fifo

import (
	"context"
	"iter"
	"time"

	"github.com/warp/fxledger/money"
)

// DefaultLotPageSize is used when a LotStore is created with a non-positive page size.
const DefaultLotPageSize = 64

type LotStore struct {
	tx       Tx
	pageSize int
}

func NewLotStore(tx Tx, pageSize int) *LotStore {
	if pageSize <= 0 {
		pageSize = DefaultLotPageSize
	}
	return &LotStore{tx: tx, pageSize: pageSize}
}

// AddLot creates a lot with Remaining == Original.
func (s *LotStore) AddLot(ctx context.Context, purchaseID PurchaseID, quantity money.Amount, unitCost money.Rate, at time.Time) (Lot, error) {
	if !quantity.IsPositive() || !unitCost.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	if quantity.Currency != money.Foreign {
		return Lot{}, ErrCurrencyMismatch
	}
	return s.tx.InsertLot(ctx, Lot{
		ID:         LotID(NewID()),
		PurchaseID: purchaseID,
		AcquiredAt: at.UTC(),
		Original:   quantity,
		Remaining:  quantity,
		UnitCost:   unitCost,
	})
}

func (s *LotStore) Get(ctx context.Context, id LotID) (Lot, error) {
	return s.tx.GetLot(ctx, id)
}

// Available yields lots with remaining > 0 in FIFO order.
// On a store error it yields (Lot{}, err) once and stops.
func (s *LotStore) Available(ctx context.Context) iter.Seq2[Lot, error] {
	return func(yield func(Lot, error) bool) {
		var cursor LotCursor
		for {
			page, err := s.tx.LotsAfter(ctx, cursor, s.pageSize)
			if err != nil {
				yield(Lot{}, err)
				return
			}
			for _, lot := range page {
				if !yield(lot, nil) {
					return
				}
				cursor = LotCursor{AcquiredAt: lot.AcquiredAt, Seq: lot.Seq}
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Reduce takes amount out of a lot.
func (s *LotStore) Reduce(ctx context.Context, id LotID, amount money.Amount) (Lot, error) {
	if !amount.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	lot, err := s.tx.GetLot(ctx, id)
	if err != nil {
		return Lot{}, err
	}
	if lot.Voided || amount.GreaterThan(lot.Remaining) {
		return Lot{}, &LotQuantityError{
			LotID: id, Amount: amount, Remaining: lot.Remaining, Original: lot.Original,
			cause: ErrInsufficientLotQuantity,
		}
	}
	lot.Remaining = lot.Remaining.Sub(amount)
	return lot, s.tx.UpdateLot(ctx, lot)
}

// Restore puts amount back into a lot. Only reversals call this.
func (s *LotStore) Restore(ctx context.Context, id LotID, amount money.Amount) (Lot, error) {
	if !amount.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	lot, err := s.tx.GetLot(ctx, id)
	if err != nil {
		return Lot{}, err
	}
	if lot.Remaining.Add(amount).GreaterThan(lot.Original) {
		return Lot{}, &LotQuantityError{
			LotID: id, Amount: amount, Remaining: lot.Remaining, Original: lot.Original,
			cause: ErrOverRestoration,
		}
	}
	lot.Remaining = lot.Remaining.Add(amount)
	return lot, s.tx.UpdateLot(ctx, lot)
}

// Void retires an untouched lot when its purchase is reversed.
func (s *LotStore) Void(ctx context.Context, id LotID) (Lot, error) {
	lot, err := s.tx.GetLot(ctx, id)
	if err != nil {
		return Lot{}, err
	}
	if lot.Voided {
		return lot, nil
	}
	if !lot.Remaining.Equal(lot.Original) {
		return Lot{}, &LotQuantityError{
			LotID: id, Remaining: lot.Remaining, Original: lot.Original, Amount: lot.Consumed(),
			cause: ErrLotPartiallyConsumed,
		}
	}
	lot.Voided = true
	return lot, s.tx.UpdateLot(ctx, lot)
}

// InventorySummary is the value of unsold lots.
type InventorySummary struct {
	Lots          int
	Remaining     money.Amount // foreign
	RemainingCost money.Amount // home, at each lot's unit cost
	AverageCost   money.Rate   // RemainingCost / Remaining
}

// Summary totals the available lots.
func (s *LotStore) Summary(ctx context.Context) (InventorySummary, error) {
	sum := InventorySummary{
		Remaining:     money.Zero(money.Foreign),
		RemainingCost: money.Zero(money.Home),
	}
	for lot, err := range s.Available(ctx) {
		if err != nil {
			return InventorySummary{}, err
		}
		sum.Lots++
		sum.Remaining = sum.Remaining.Add(lot.Remaining)
		sum.RemainingCost = sum.RemainingCost.Add(lot.UnitCost.Convert(lot.Remaining))
	}
	sum.AverageCost = money.RateOf(sum.RemainingCost, sum.Remaining)
	return sum, nil
}
