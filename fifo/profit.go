/*
profit.go - Profit Book

PURPOSE:
  Realized profit is tracked apart from cash. Every allocated sale earns
  proceeds - cost of goods; the operator may withdraw up to what has been
  earned and not yet withdrawn. Withdrawals also debit a home cash account
  through the Ledger, so the two books can be cross-checked.

RUNNING BALANCE:
  Entries chain in Seq order: BalanceBefore of each entry is BalanceAfter of
  the previous one, and BalanceAfter = BalanceBefore + Amount.

    earned     +profit of one sale (negative for a loss-making sale)
    withdrawn  -amount paid out
    reversal   -Amount of the entry it negates (a reversed sale, a reversed
               withdrawal)

WITHDRAWAL RULE:
  amount <= current balance, else ErrInsufficientProfit. Reversing a sale
  is never blocked by profit already withdrawn; the balance may go negative
  and further withdrawals are refused until sales restore it.

SEE ALSO:
  - service.go:   WithdrawProfit, ReverseProfitWithdrawal, ProfitSummary
  - reconcile.go: profit check (balance == earned - withdrawn)
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/fxledger/money"
)

type ProfitBook struct {
	tx    Tx
	clock func() time.Time
}

func NewProfitBook(tx Tx, clock func() time.Time) *ProfitBook {
	if clock == nil {
		clock = time.Now
	}
	return &ProfitBook{tx: tx, clock: clock}
}

// Balance is the BalanceAfter of the latest entry, zero when there is none.
func (b *ProfitBook) Balance(ctx context.Context) (money.Amount, error) {
	entries, err := b.tx.ListProfitEntries(ctx, ProfitFilter{})
	if err != nil {
		return money.Amount{}, err
	}
	if len(entries) == 0 {
		return money.Zero(money.Home), nil
	}
	return entries[len(entries)-1].BalanceAfter, nil
}

// record chains e onto the running balance and inserts it.
func (b *ProfitBook) record(ctx context.Context, e ProfitEntry) (ProfitEntry, error) {
	before, err := b.Balance(ctx)
	if err != nil {
		return ProfitEntry{}, err
	}
	if e.ID == "" {
		e.ID = ProfitEntryID(NewID())
	}
	if e.At.IsZero() {
		e.At = b.clock()
	}
	e.At = e.At.UTC()
	e.BalanceBefore = before
	e.BalanceAfter = before.Add(e.Amount)
	return b.tx.InsertProfitEntry(ctx, e)
}

// Earn books the profit of an allocated sale. sale.Allocations must be loaded.
func (b *ProfitBook) Earn(ctx context.Context, sale Sale) (ProfitEntry, error) {
	return b.record(ctx, ProfitEntry{
		Kind:        ProfitEarned,
		Amount:      sale.Profit(),
		SaleID:      sale.ID,
		Description: fmt.Sprintf("profit of sale %s", sale.ID),
		At:          sale.At,
		Actor:       sale.Actor,
	})
}

// ReverseSale negates the profit earned by a sale. Idempotent.
func (b *ProfitBook) ReverseSale(ctx context.Context, id SaleID, actor string) error {
	earned, err := b.tx.ListProfitEntries(ctx, ProfitFilter{Kind: ProfitEarned, SaleID: id})
	if err != nil {
		return err
	}
	for _, e := range earned {
		if _, err := b.reverse(ctx, e, "reversal of sale "+string(id), actor); err != nil && !errors.Is(err, ErrAlreadyReversed) {
			return err
		}
	}
	return nil
}

// Withdraw books a payout of amount (positive, home currency).
// id and entryID tie it to the cash ledger entry posted by the caller.
func (b *ProfitBook) Withdraw(ctx context.Context, id ProfitEntryID, amount money.Amount, account AccountID, entryID EntryID, description, actor string, at time.Time) (ProfitEntry, error) {
	if !amount.IsPositive() || amount.Currency != money.Home {
		return ProfitEntry{}, ErrInvalidQuantity
	}
	bal, err := b.Balance(ctx)
	if err != nil {
		return ProfitEntry{}, err
	}
	if amount.GreaterThan(bal) {
		return ProfitEntry{}, fmt.Errorf("withdraw %s of %s realized: %w", amount.Round(), bal.Round(), ErrInsufficientProfit)
	}
	if description == "" {
		description = "profit withdrawal to " + string(account)
	}
	return b.record(ctx, ProfitEntry{
		ID:          id,
		Kind:        ProfitWithdrawn,
		Amount:      amount.Neg(),
		AccountID:   account,
		EntryID:     entryID,
		Description: description,
		At:          at,
		Actor:       actor,
	})
}

// ReverseWithdrawal puts a withdrawal back into the balance. The caller
// compensates its cash entry. Reports whether anything was reversed.
func (b *ProfitBook) ReverseWithdrawal(ctx context.Context, id ProfitEntryID, actor string) (ProfitEntry, bool, error) {
	orig, err := b.tx.GetProfitEntry(ctx, id)
	if err != nil {
		return ProfitEntry{}, false, err
	}
	if orig.Kind != ProfitWithdrawn {
		return ProfitEntry{}, false, fmt.Errorf("profit entry %s is %s: %w", id, orig.Kind, ErrInvalidState)
	}
	_, err = b.reverse(ctx, orig, "reversal of profit withdrawal "+string(id), actor)
	switch {
	case errors.Is(err, ErrAlreadyReversed):
		return orig, false, nil
	case err != nil:
		return ProfitEntry{}, false, err
	}
	return orig, true, nil
}

// reverse negates one entry exactly once.
func (b *ProfitBook) reverse(ctx context.Context, orig ProfitEntry, description, actor string) (ProfitEntry, error) {
	if orig.Kind == ProfitReversal {
		return ProfitEntry{}, fmt.Errorf("profit entry %s is itself a reversal: %w", orig.ID, ErrInvalidState)
	}
	done, err := b.tx.ListProfitEntries(ctx, ProfitFilter{ReversesID: orig.ID})
	if err != nil {
		return ProfitEntry{}, err
	}
	if len(done) > 0 {
		return ProfitEntry{}, fmt.Errorf("profit entry %s: %w", orig.ID, ErrAlreadyReversed)
	}
	return b.record(ctx, ProfitEntry{
		Kind:        ProfitReversal,
		Amount:      orig.Amount.Neg(),
		SaleID:      orig.SaleID,
		AccountID:   orig.AccountID,
		EntryID:     orig.EntryID,
		ReversesID:  orig.ID,
		Description: description,
		Actor:       actor,
	})
}

func (b *ProfitBook) Entries(ctx context.Context, filter ProfitFilter) ([]ProfitEntry, error) {
	return b.tx.ListProfitEntries(ctx, filter)
}
