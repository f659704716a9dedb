/*
ledger.go - Append-only record of balance-affecting events

PURPOSE:
  The Ledger is the only writer of Account.Balance. Every balance change is
  one LedgerEntry plus an incremental update of the running balance, in the
  same transaction, so the two can never drift apart.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. DERIVATION: BalanceOf(account) == sum of the account's entry amounts
  3. NO FUNDS CHECK: Post never rejects for "insufficient funds"; overdraft
     policy belongs to the caller (purchase funding legitimately dips below
     zero inside a transaction)
  4. INACTIVE ACCOUNTS: reject every posting except reversal_adjustment, so
     operations posted before deactivation can still be unwound

CORRECTIONS:
  A mis-posted entry is never edited. Compensate posts an equal-and-opposite
  reversal_adjustment pointing at the original; Correct does that and then
  posts the corrected amount. Both entries stay in the audit history.

SEE ALSO:
  - reversal.go: compensates the exact entries of a sale or purchase
  - reconcile.go: verifies the derivation invariant
*/
package fifo

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/fxledger/money"
)

type Ledger struct {
	tx    Tx
	clock func() time.Time
}

func NewLedger(tx Tx, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{tx: tx, clock: clock}
}

// Posting is the input of Post.
type Posting struct {
	AccountID   AccountID
	Kind        EntryKind
	Amount      money.Amount // signed
	Description string
	At          time.Time // defaults to now
	Actor       string
	Ref         Ref
	ReversesID  EntryID
}

// Post appends an entry and moves the account's running balance by its amount.
func (l *Ledger) Post(ctx context.Context, p Posting) (LedgerEntry, error) {
	acct, err := l.tx.GetAccount(ctx, p.AccountID)
	if err != nil {
		return LedgerEntry{}, err
	}
	// Compensation must stay possible after an account is closed.
	if !acct.Active && p.Kind != EntryReversalAdjustment {
		return LedgerEntry{}, fmt.Errorf("post %s to %s: %w", p.Kind, acct.ID, ErrAccountInactive)
	}
	if p.Amount.Currency != acct.Currency {
		return LedgerEntry{}, &CurrencyError{AccountID: acct.ID, Want: acct.Currency, Got: p.Amount.Currency}
	}

	at := p.At
	if at.IsZero() {
		at = l.clock()
	}
	entry, err := l.tx.InsertEntry(ctx, LedgerEntry{
		ID:          EntryID(NewID()),
		Kind:        p.Kind,
		AccountID:   acct.ID,
		Amount:      p.Amount,
		Description: p.Description,
		At:          at.UTC(),
		Actor:       p.Actor,
		Ref:         p.Ref,
		ReversesID:  p.ReversesID,
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	acct.Balance = acct.Balance.Add(p.Amount)
	if err := l.tx.UpdateAccount(ctx, acct); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// BalanceOf returns the maintained running balance.
func (l *Ledger) BalanceOf(ctx context.Context, id AccountID) (money.Amount, error) {
	acct, err := l.tx.GetAccount(ctx, id)
	if err != nil {
		return money.Amount{}, err
	}
	return acct.Balance, nil
}

// DerivedBalance replays the account's entries.
func (l *Ledger) DerivedBalance(ctx context.Context, id AccountID) (money.Amount, error) {
	acct, err := l.tx.GetAccount(ctx, id)
	if err != nil {
		return money.Amount{}, err
	}
	entries, err := l.tx.ListEntries(ctx, EntryFilter{AccountID: id})
	if err != nil {
		return money.Amount{}, err
	}
	total := money.Zero(acct.Currency)
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total, nil
}

// IsCompensated reports whether a reversal_adjustment already points at the entry.
func (l *Ledger) IsCompensated(ctx context.Context, id EntryID) (bool, error) {
	rev, err := l.tx.ListEntries(ctx, EntryFilter{ReversesID: id})
	if err != nil {
		return false, err
	}
	return len(rev) > 0, nil
}

// Compensate posts the exact negation of an entry.
func (l *Ledger) Compensate(ctx context.Context, id EntryID, description, actor string) (LedgerEntry, error) {
	orig, err := l.tx.GetEntry(ctx, id)
	if err != nil {
		return LedgerEntry{}, err
	}
	if orig.Kind == EntryReversalAdjustment {
		return LedgerEntry{}, fmt.Errorf("entry %s is itself a reversal: %w", id, ErrInvalidState)
	}
	done, err := l.IsCompensated(ctx, id)
	if err != nil {
		return LedgerEntry{}, err
	}
	if done {
		return LedgerEntry{}, fmt.Errorf("entry %s: %w", id, ErrAlreadyReversed)
	}
	if description == "" {
		description = "reversal of " + string(orig.Kind) + " " + string(orig.ID)
	}
	return l.Post(ctx, Posting{
		AccountID:   orig.AccountID,
		Kind:        EntryReversalAdjustment,
		Amount:      orig.Amount.Neg(),
		Description: description,
		Actor:       actor,
		Ref:         orig.Ref,
		ReversesID:  orig.ID,
	})
}

// Correct compensates an entry and posts the corrected amount in its place.
func (l *Ledger) Correct(ctx context.Context, id EntryID, corrected money.Amount, description, actor string) (LedgerEntry, LedgerEntry, error) {
	orig, err := l.tx.GetEntry(ctx, id)
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	// Entries owned by an operation are corrected by reversing that operation.
	switch orig.Ref.Type {
	case RefPurchase, RefSale, RefSettlement, RefTransfer, RefProfit:
		return LedgerEntry{}, LedgerEntry{}, fmt.Errorf("entry %s belongs to %s %s: %w", id, orig.Ref.Type, orig.Ref.ID, ErrInvalidState)
	}
	rev, err := l.Compensate(ctx, id, "correction of "+string(id), actor)
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	fixed, err := l.Post(ctx, Posting{
		AccountID:   orig.AccountID,
		Kind:        orig.Kind,
		Amount:      corrected,
		Description: description,
		Actor:       actor,
		Ref:         Ref{Type: RefEntry, ID: string(orig.ID)},
	})
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	return rev, fixed, nil
}

func (l *Ledger) Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	return l.tx.ListEntries(ctx, filter)
}
