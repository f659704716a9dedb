/*
Package fifo provides the lot-allocation engine and the ledger it must stay
consistent with.

PURPOSE:
  Foreign currency (RMB) is bought in discrete lots and sold to customers.
  At the moment of sale the engine answers "what did these units cost us" by
  matching the sale against the oldest lots first (FIFO), and records every
  resulting balance change in an append-only ledger.

THE FOUR QUANTITIES THAT MUST AGREE:
  1. Remaining lot inventory        (Lot.Remaining)
  2. Sale-to-lot allocations        (Allocation.Quantity)
  3. Cash-account balances          (Account.Balance == sum of ledger entries)
  4. Customer receivables           (Customer.Receivable == proceeds - settlements)

KEY CONCEPTS IN THIS FILE (types.go):
  - Lot / Purchase:    one purchase creates exactly one lot
  - Sale / Allocation: one sale links to one or more lots through allocations
  - Account / LedgerEntry: balances change only through posted entries
  - Customer / Settlement: receivables change only through sales and settlements
  - ProfitEntry: realized profit earned by sales and withdrawn as cash

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, only compensated
  2. Precision: every quantity is a money.Amount (decimal)
  3. Atomicity: every operation runs in one store transaction
  4. Explicitness: a sale's account is a required field, never inferred

SEE ALSO:
  - lots.go:       Lot Store
  - allocation.go: Allocation Engine
  - ledger.go:     Ledger
  - reversal.go:   Reversal Coordinator
  - profit.go:     Profit Book
  - reconcile.go:  Invariant Checker
  - service.go:    Operation set exposed to collaborators
*/
package fifo

import (
	"time"

	"github.com/google/uuid"

	"github.com/warp/fxledger/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LotID string
type SaleID string
type PurchaseID string
type AllocationID string
type AccountID string
type CustomerID string
type SettlementID string
type EntryID string
type ProfitEntryID string

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// =============================================================================
// LOT - one purchase batch of foreign currency
// =============================================================================

// Lot is owned by the Lot Store. Only Remaining changes after creation
// (and Voided, when its purchase is reversed before anything was sold).
//
// INVARIANT: 0 <= Remaining <= Original
type Lot struct {
	ID         LotID
	PurchaseID PurchaseID
	Seq        int64 // insertion sequence, assigned by the store
	AcquiredAt time.Time
	Original   money.Amount
	Remaining  money.Amount
	UnitCost   money.Rate
	Voided     bool
}

// Consumed is the quantity allocated to sales.
func (l Lot) Consumed() money.Amount { return l.Original.Sub(l.Remaining) }

// Before reports FIFO order: acquisition time, then insertion sequence.
func (l Lot) Before(o Lot) bool {
	if !l.AcquiredAt.Equal(o.AcquiredAt) {
		return l.AcquiredAt.Before(o.AcquiredAt)
	}
	return l.Seq < o.Seq
}

// LotCursor is a keyset position in FIFO order. The zero cursor starts at the oldest lot.
type LotCursor struct {
	AcquiredAt time.Time
	Seq        int64
}

func (c LotCursor) IsZero() bool { return c.AcquiredAt.IsZero() && c.Seq == 0 }

// After reports whether the lot sorts strictly after the cursor.
func (c LotCursor) After(l Lot) bool {
	if c.IsZero() {
		return true
	}
	return Lot{AcquiredAt: c.AcquiredAt, Seq: c.Seq}.Before(l)
}

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseStatus string

const (
	PurchaseActive   PurchaseStatus = "active"
	PurchaseReversed PurchaseStatus = "reversed"
)

type Purchase struct {
	ID                 PurchaseID
	LotID              LotID
	Quantity           money.Amount // foreign
	UnitCost           money.Rate
	Cost               money.Amount // home, Quantity x UnitCost
	FundingAccountID   AccountID    // home currency, debited Cost
	ReceivingAccountID AccountID    // foreign currency, credited Quantity
	At                 time.Time
	Status             PurchaseStatus
	Actor              string
	Note               string
	ReversedAt         *time.Time
}

// =============================================================================
// SALE + ALLOCATION
// =============================================================================

// SaleStatus: pending -> allocated -> (settled | reversed).
type SaleStatus string

const (
	SalePending   SaleStatus = "pending"
	SaleAllocated SaleStatus = "allocated"
	SaleSettled   SaleStatus = "settled"
	SaleReversed  SaleStatus = "reversed"
)

type Sale struct {
	ID         SaleID
	Seq        int64
	Quantity   money.Amount // foreign
	Proceeds   money.Amount // home
	CustomerID CustomerID
	AccountID  AccountID // the foreign account the quantity leaves from
	At         time.Time
	Status     SaleStatus
	Actor      string
	Note       string
	ReversedAt *time.Time

	// Loaded with the sale; empty for reversed sales.
	Allocations []Allocation
}

func (s Sale) Settled() bool  { return s.Status == SaleSettled }
func (s Sale) Reversed() bool { return s.Status == SaleReversed }

// Rate is the effective selling rate (proceeds per unit).
func (s Sale) Rate() money.Rate { return money.RateOf(s.Proceeds, s.Quantity) }

// CostOfGoods sums the allocated cost.
func (s Sale) CostOfGoods() money.Amount {
	total := money.Zero(money.Home)
	for _, a := range s.Allocations {
		total = total.Add(a.Cost)
	}
	return total
}

func (s Sale) Profit() money.Amount { return s.Proceeds.Sub(s.CostOfGoods()) }

// Allocation links one sale to one lot.
type Allocation struct {
	ID        AllocationID
	SaleID    SaleID
	LotID     LotID
	Quantity  money.Amount // foreign
	Cost      money.Amount // home, Quantity x lot.UnitCost
	CreatedAt time.Time
	Reversed  bool
}

// =============================================================================
// ACCOUNT + LEDGER ENTRY
// =============================================================================

type Account struct {
	ID       AccountID
	Name     string
	Holder   string
	Currency money.Currency
	Balance  money.Amount // maintained by Ledger.Post only
	Active   bool
}

type EntryKind string

const (
	EntryDeposit            EntryKind = "deposit"
	EntryWithdrawal         EntryKind = "withdrawal"
	EntryTransferIn         EntryKind = "transfer_in"
	EntryTransferOut        EntryKind = "transfer_out"
	EntryPurchaseFunding    EntryKind = "purchase_funding"  // home debit for a purchase
	EntryPurchaseReceipt    EntryKind = "purchase_receipt"  // foreign credit for a purchase
	EntrySale               EntryKind = "sale"              // foreign debit, one per allocation
	EntrySettlement         EntryKind = "settlement"        // home credit from a customer
	EntryProfitWithdrawal   EntryKind = "profit_withdrawal" // home debit paying out realized profit
	EntryReversalAdjustment EntryKind = "reversal_adjustment"
)

// RefType names what an entry belongs to.
type RefType string

const (
	RefNone       RefType = ""
	RefPurchase   RefType = "purchase"
	RefSale       RefType = "sale"
	RefSettlement RefType = "settlement"
	RefTransfer   RefType = "transfer"
	RefEntry      RefType = "entry"  // a correction of another entry
	RefProfit     RefType = "profit" // a profit withdrawal
)

type Ref struct {
	Type RefType
	ID   string
}

// LedgerEntry is immutable once written.
type LedgerEntry struct {
	ID          EntryID
	Seq         int64
	Kind        EntryKind
	AccountID   AccountID
	Amount      money.Amount // signed, in the account's currency
	Description string
	At          time.Time
	Actor       string
	Ref         Ref
	ReversesID  EntryID // set on reversal_adjustment entries
}

// =============================================================================
// CUSTOMER + SETTLEMENT
// =============================================================================

type Customer struct {
	ID         CustomerID
	Name       string
	Receivable money.Amount // home; maintained by Receivables, reconciled by Checker
	Active     bool
}

type Settlement struct {
	ID         SettlementID
	CustomerID CustomerID
	AccountID  AccountID
	Amount     money.Amount // home
	At         time.Time
	EntryID    EntryID
	Actor      string
	Reversed   bool
}

// SettlementApplication records how much of a settlement paid down a sale.
type SettlementApplication struct {
	SettlementID SettlementID
	SaleID       SaleID
	Amount       money.Amount
}

// =============================================================================
// PROFIT ENTRY - realized profit, separate from cash
// =============================================================================

type ProfitKind string

const (
	ProfitEarned    ProfitKind = "earned"    // proceeds - cost of goods of one sale
	ProfitWithdrawn ProfitKind = "withdrawn" // paid out of a home account
	ProfitReversal  ProfitKind = "reversal"  // negates an earned or withdrawn entry
)

// ProfitEntry is one movement of the realized-profit balance. Like ledger
// entries it is insert-only; BalanceBefore/BalanceAfter chain in Seq order.
type ProfitEntry struct {
	ID            ProfitEntryID
	Seq           int64
	Kind          ProfitKind
	Amount        money.Amount // home, signed
	BalanceBefore money.Amount
	BalanceAfter  money.Amount
	SaleID        SaleID    // earned, and reversals of earned
	AccountID     AccountID // withdrawn, and reversals of withdrawn
	EntryID       EntryID   // the cash ledger entry of a withdrawal
	ReversesID    ProfitEntryID
	Description   string
	At            time.Time
	Actor         string
}

// =============================================================================
// RECONCILIATION RUN - persisted by the scheduler
// =============================================================================

type RunStatus string

const (
	RunOK       RunStatus = "ok"
	RunMismatch RunStatus = "mismatch"
	RunError    RunStatus = "error"
)

type ReconciliationRun struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      RunStatus
	Mismatches  int
	Error       string
}
