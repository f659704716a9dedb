/*
allocation.go - FIFO Allocation Engine

PURPOSE:
  Converts a sale quantity into a deterministic, minimal set of allocations
  against the oldest available lots, and rejects the sale outright when the
  lots cannot cover it.

ALGORITHM (deterministic FIFO):
  need := sale.Quantity
  for lot in LotStore.Available():       // (AcquiredAt, Seq) ascending
      take := min(need, lot.Remaining)
      allocation(lot, take, take x lot.UnitCost); LotStore.Reduce(lot, take)
      need -= take
      stop when need == 0
  need > 0 after the last lot -> InsufficientInventoryError

ALL-OR-NOTHING:
  Allocate runs inside the caller's transaction. On InsufficientInventory the
  caller's WithTx rolls back every Reduce and every allocation already made.

ACCOUNT RULE:
  The foreign quantity always leaves Sale.AccountID - one "sale" ledger entry
  per allocation, all against that account. The account that originally
  received a lot is never consulted.

EXAMPLE:
  Lot A 1000 @ 4.0, lot B 500 @ 4.5 (later). Sale 1200:
    A: take 1000, cost 4000
    B: take  200, cost  900
  Cost of goods 4900.
*/
package fifo

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/warp/fxledger/money"
)

// =============================================================================
// PLAN - pure FIFO matching, no mutation
// =============================================================================

type PlanLine struct {
	LotID    LotID
	Quantity money.Amount
	UnitCost money.Rate
	Cost     money.Amount
}

type AllocationPlan struct {
	Quantity    money.Amount
	Lines       []PlanLine
	CostOfGoods money.Amount
}

// matchFIFO walks lots in order and takes what is needed.
// When the lots run out it keeps counting so the error reports the true availability.
func matchFIFO(lots iter.Seq2[Lot, error], quantity money.Amount) (AllocationPlan, error) {
	plan := AllocationPlan{Quantity: quantity, CostOfGoods: money.Zero(money.Home)}
	need := quantity
	available := money.Zero(money.Foreign)

	for lot, err := range lots {
		if err != nil {
			return AllocationPlan{}, err
		}
		available = available.Add(lot.Remaining)
		if !need.IsPositive() {
			continue
		}
		take := need.Min(lot.Remaining)
		if !take.IsPositive() {
			continue
		}
		cost := lot.UnitCost.Convert(take)
		plan.Lines = append(plan.Lines, PlanLine{LotID: lot.ID, Quantity: take, UnitCost: lot.UnitCost, Cost: cost})
		plan.CostOfGoods = plan.CostOfGoods.Add(cost)
		need = need.Sub(take)
	}

	if need.IsPositive() {
		return AllocationPlan{}, &InsufficientInventoryError{
			Requested: quantity,
			Available: available,
			Shortfall: need,
		}
	}
	return plan, nil
}

// =============================================================================
// ENGINE
// =============================================================================

type AllocationEngine struct {
	tx     Tx
	lots   *LotStore
	ledger *Ledger
	clock  func() time.Time
}

func NewAllocationEngine(tx Tx, lots *LotStore, ledger *Ledger, clock func() time.Time) *AllocationEngine {
	if clock == nil {
		clock = time.Now
	}
	return &AllocationEngine{tx: tx, lots: lots, ledger: ledger, clock: clock}
}

// Plan previews the allocation of quantity without touching any lot.
func (e *AllocationEngine) Plan(ctx context.Context, quantity money.Amount) (AllocationPlan, error) {
	if !quantity.IsPositive() || quantity.Currency != money.Foreign {
		return AllocationPlan{}, ErrInvalidQuantity
	}
	return matchFIFO(e.lots.Available(ctx), quantity)
}

// Allocate consumes lots for a persisted sale, records the allocations and
// posts one sale entry per allocation against sale.AccountID.
func (e *AllocationEngine) Allocate(ctx context.Context, sale Sale) ([]Allocation, error) {
	if !sale.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	var (
		allocations []Allocation
		need        = sale.Quantity
		now         = e.clock().UTC()
	)
	for lot, err := range e.lots.Available(ctx) {
		if err != nil {
			return nil, err
		}
		take := need.Min(lot.Remaining)
		if !take.IsPositive() {
			continue
		}
		if _, err := e.lots.Reduce(ctx, lot.ID, take); err != nil {
			return nil, err
		}
		a := Allocation{
			ID:        AllocationID(NewID()),
			SaleID:    sale.ID,
			LotID:     lot.ID,
			Quantity:  take,
			Cost:      lot.UnitCost.Convert(take),
			CreatedAt: now,
		}
		if err := e.tx.InsertAllocation(ctx, a); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)

		need = need.Sub(take)
		if need.IsZero() {
			break
		}
	}

	if need.IsPositive() {
		return nil, &InsufficientInventoryError{
			Requested: sale.Quantity,
			Available: sale.Quantity.Sub(need),
			Shortfall: need,
		}
	}

	for _, a := range allocations {
		_, err := e.ledger.Post(ctx, Posting{
			AccountID:   sale.AccountID,
			Kind:        EntrySale,
			Amount:      a.Quantity.Neg(),
			Description: fmt.Sprintf("sale %s from lot %s @ %s", sale.ID, a.LotID, a.Cost.Round()),
			At:          sale.At,
			Actor:       sale.Actor,
			Ref:         Ref{Type: RefSale, ID: string(sale.ID)},
		})
		if err != nil {
			return nil, err
		}
	}
	return allocations, nil
}
