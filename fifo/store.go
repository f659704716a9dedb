/*
store.go - Persistence interface for lots, sales, accounts and the ledger

PURPOSE:
  Defines the boundary between the engine and the backing store. The engine
  never touches a table directly; it runs a function inside a transaction
  and talks to the Tx handed to it.

KEY INTERFACES:
  Store:    WithTx (read-write, atomic) and View (read-only)
  Tx:       row-level operations available inside a transaction
  RunStore: reconciliation run history (scheduler audit)

TRANSACTION CONTRACT:
  - WithTx: if fn returns an error, NOTHING fn did is visible afterwards.
  - Rows read through a write Tx are locked until commit (SELECT ... FOR
    UPDATE on Postgres; a single serialized writer on SQLite and in memory),
    so two concurrent sales can never both see the same Lot.Remaining.
  - Ledger entries are insert-only. There is no UpdateEntry or DeleteEntry.

IMPLEMENTATIONS:
  - fifo/store/memory.go: in-memory, copy-on-write (tests, dev)
  - store/sqlite:         SQLite and Postgres via database/sql

SEE ALSO:
  - service.go: the only caller of WithTx/View
*/
package fifo

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// View executes fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
}

// RunStore records reconciliation runs.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}

// =============================================================================
// TX - operations inside one transaction
// =============================================================================

type Tx interface {
	// Lots. InsertLot assigns Seq. LotsAfter returns available lots
	// (remaining > 0, not voided) strictly after the cursor in FIFO order.
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	GetLot(ctx context.Context, id LotID) (Lot, error)
	LotsAfter(ctx context.Context, after LotCursor, limit int) ([]Lot, error)
	ListLots(ctx context.Context) ([]Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error

	InsertPurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id PurchaseID) (Purchase, error)
	UpdatePurchase(ctx context.Context, p Purchase) error
	ListPurchases(ctx context.Context) ([]Purchase, error)

	// Sales. InsertSale assigns Seq. GetSale does not load allocations.
	InsertSale(ctx context.Context, s Sale) (Sale, error)
	GetSale(ctx context.Context, id SaleID) (Sale, error)
	UpdateSale(ctx context.Context, s Sale) error
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)

	InsertAllocation(ctx context.Context, a Allocation) error
	ListAllocations(ctx context.Context, filter AllocationFilter) ([]Allocation, error)
	MarkAllocationsReversed(ctx context.Context, saleID SaleID) error

	InsertAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	UpdateAccount(ctx context.Context, a Account) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// Ledger entries. InsertEntry assigns Seq. Insert-only.
	InsertEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	GetEntry(ctx context.Context, id EntryID) (LedgerEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	InsertCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)
	UpdateCustomer(ctx context.Context, c Customer) error
	ListCustomers(ctx context.Context) ([]Customer, error)

	InsertSettlement(ctx context.Context, s Settlement) error
	GetSettlement(ctx context.Context, id SettlementID) (Settlement, error)
	UpdateSettlement(ctx context.Context, s Settlement) error
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]Settlement, error)

	InsertApplication(ctx context.Context, a SettlementApplication) error
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]SettlementApplication, error)
	DeleteApplications(ctx context.Context, settlementID SettlementID) error

	// Profit entries. InsertProfitEntry assigns Seq; lists are in Seq order.
	InsertProfitEntry(ctx context.Context, e ProfitEntry) (ProfitEntry, error)
	GetProfitEntry(ctx context.Context, id ProfitEntryID) (ProfitEntry, error)
	ListProfitEntries(ctx context.Context, filter ProfitFilter) ([]ProfitEntry, error)
}

// =============================================================================
// FILTERS - zero value matches everything
// =============================================================================

type SaleFilter struct {
	CustomerID CustomerID
	Statuses   []SaleStatus
}

func (f SaleFilter) Match(s Sale) bool {
	if f.CustomerID != "" && s.CustomerID != f.CustomerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

type AllocationFilter struct {
	SaleID          SaleID
	LotID           LotID
	IncludeReversed bool
}

func (f AllocationFilter) Match(a Allocation) bool {
	return (f.SaleID == "" || a.SaleID == f.SaleID) &&
		(f.LotID == "" || a.LotID == f.LotID) &&
		(f.IncludeReversed || !a.Reversed)
}

type EntryFilter struct {
	AccountID  AccountID
	Ref        *Ref
	ReversesID EntryID
}

func (f EntryFilter) Match(e LedgerEntry) bool {
	return (f.AccountID == "" || e.AccountID == f.AccountID) &&
		(f.Ref == nil || e.Ref == *f.Ref) &&
		(f.ReversesID == "" || e.ReversesID == f.ReversesID)
}

type SettlementFilter struct {
	CustomerID      CustomerID
	IncludeReversed bool
}

func (f SettlementFilter) Match(s Settlement) bool {
	return (f.CustomerID == "" || s.CustomerID == f.CustomerID) &&
		(f.IncludeReversed || !s.Reversed)
}

type ApplicationFilter struct {
	SettlementID SettlementID
	SaleID       SaleID
}

func (f ApplicationFilter) Match(a SettlementApplication) bool {
	return (f.SettlementID == "" || a.SettlementID == f.SettlementID) &&
		(f.SaleID == "" || a.SaleID == f.SaleID)
}

type ProfitFilter struct {
	Kind       ProfitKind
	SaleID     SaleID
	ReversesID ProfitEntryID
}

func (f ProfitFilter) Match(e ProfitEntry) bool {
	return (f.Kind == "" || e.Kind == f.Kind) &&
		(f.SaleID == "" || e.SaleID == f.SaleID) &&
		(f.ReversesID == "" || e.ReversesID == f.ReversesID)
}
