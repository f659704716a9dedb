/*
reversal.go - Reversal Coordinator

PURPOSE:
  Undoes a committed sale, purchase or settlement as one atomic operation,
  restoring every quantity the original operation touched. This is the
  audited replacement for ad-hoc repair scripts: corrections are a normal,
  tested code path.

SALE REVERSAL:
  1. Load the sale's allocations; Restore each lot by the allocated quantity.
  2. Compensate the exact sale entries (not a recomputation from balances).
  3. Unwind settlements applied to the sale (two-step unwind). A settlement
     that also paid other sales, or that carries unapplied credit, cannot be
     split automatically: SettlementAlreadyAppliedConflict.
  4. Remove the proceeds from the receivable.
  5. Negate the profit the sale earned.
  6. Tombstone the allocations and mark the sale reversed.

PURCHASE REVERSAL:
  Only while nothing has been sold from the lot (Remaining == Original);
  otherwise LotPartiallyConsumed - reverse the downstream sales first. The
  funding and receipt entries are compensated and the lot is voided.

IDEMPOTENCE:
  Reversing something already reversed is a successful no-op.

STATE MACHINE (sale):
  pending -> allocated -> settled
                 |           |
                 +-----------+--> reversed (terminal)
*/
package fifo

import (
	"context"
	"fmt"
	"time"
)

type ReversalCoordinator struct {
	tx          Tx
	lots        *LotStore
	ledger      *Ledger
	receivables *Receivables
	profit      *ProfitBook
	clock       func() time.Time
}

func NewReversalCoordinator(tx Tx, lots *LotStore, ledger *Ledger, receivables *Receivables, profit *ProfitBook, clock func() time.Time) *ReversalCoordinator {
	if clock == nil {
		clock = time.Now
	}
	return &ReversalCoordinator{tx: tx, lots: lots, ledger: ledger, receivables: receivables, profit: profit, clock: clock}
}

// ReverseSale undoes a sale. Returns the sale in its final state.
func (c *ReversalCoordinator) ReverseSale(ctx context.Context, id SaleID, actor string) (Sale, error) {
	sale, err := c.tx.GetSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	switch sale.Status {
	case SaleReversed:
		return sale, nil
	case SaleAllocated, SaleSettled:
	default:
		return Sale{}, fmt.Errorf("sale %s is %s: %w", id, sale.Status, ErrInvalidState)
	}

	// Settlement shape is checked before anything is mutated.
	settlements, err := c.receivables.unwindable(ctx, sale)
	if err != nil {
		return Sale{}, err
	}

	allocations, err := c.tx.ListAllocations(ctx, AllocationFilter{SaleID: id})
	if err != nil {
		return Sale{}, err
	}
	for _, a := range allocations {
		if _, err := c.lots.Restore(ctx, a.LotID, a.Quantity); err != nil {
			return Sale{}, err
		}
	}

	if err := c.compensateRef(ctx, Ref{Type: RefSale, ID: string(id)}, "reversal of sale "+string(id), actor); err != nil {
		return Sale{}, err
	}

	for _, s := range settlements {
		if err := c.reverseSettlement(ctx, s, actor); err != nil {
			return Sale{}, err
		}
	}
	if err := c.receivables.ReverseSale(ctx, sale); err != nil {
		return Sale{}, err
	}
	if err := c.profit.ReverseSale(ctx, id, actor); err != nil {
		return Sale{}, err
	}

	if err := c.tx.MarkAllocationsReversed(ctx, id); err != nil {
		return Sale{}, err
	}
	now := c.clock().UTC()
	sale.Status = SaleReversed
	sale.ReversedAt = &now
	if err := c.tx.UpdateSale(ctx, sale); err != nil {
		return Sale{}, err
	}
	return sale, nil
}

// ReversePurchase undoes a purchase whose lot is untouched.
func (c *ReversalCoordinator) ReversePurchase(ctx context.Context, id PurchaseID, actor string) (Purchase, error) {
	p, err := c.tx.GetPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if p.Status == PurchaseReversed {
		return p, nil
	}

	if _, err := c.lots.Void(ctx, p.LotID); err != nil {
		return Purchase{}, err
	}
	if err := c.compensateRef(ctx, Ref{Type: RefPurchase, ID: string(id)}, "reversal of purchase "+string(id), actor); err != nil {
		return Purchase{}, err
	}

	now := c.clock().UTC()
	p.Status = PurchaseReversed
	p.ReversedAt = &now
	if err := c.tx.UpdatePurchase(ctx, p); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

// ReverseSettlement undoes a customer payment. Sales it paid return to
// allocated; remaining credit of other settlements is re-applied FIFO.
func (c *ReversalCoordinator) ReverseSettlement(ctx context.Context, id SettlementID, actor string) (Settlement, error) {
	s, err := c.tx.GetSettlement(ctx, id)
	if err != nil {
		return Settlement{}, err
	}
	if s.Reversed {
		return s, nil
	}
	if err := c.reverseSettlement(ctx, s, actor); err != nil {
		return Settlement{}, err
	}
	if err := c.receivables.Apply(ctx, s.CustomerID); err != nil {
		return Settlement{}, err
	}
	s.Reversed = true
	return s, nil
}

func (c *ReversalCoordinator) reverseSettlement(ctx context.Context, s Settlement, actor string) error {
	if _, err := c.ledger.Compensate(ctx, s.EntryID, "reversal of settlement "+string(s.ID), actor); err != nil {
		return err
	}
	return c.receivables.ReverseSettlement(ctx, s)
}

// compensateRef negates every original entry of an operation exactly once.
func (c *ReversalCoordinator) compensateRef(ctx context.Context, ref Ref, description, actor string) error {
	entries, err := c.ledger.Entries(ctx, EntryFilter{Ref: &ref})
	if err != nil {
		return err
	}
	reversed := make(map[EntryID]bool)
	for _, e := range entries {
		if e.ReversesID != "" {
			reversed[e.ReversesID] = true
		}
	}
	for _, e := range entries {
		if e.Kind == EntryReversalAdjustment || reversed[e.ID] {
			continue
		}
		if _, err := c.ledger.Compensate(ctx, e.ID, description, actor); err != nil {
			return err
		}
	}
	return nil
}
