/*
reconcile.go - Invariant Checker

PURPOSE:
  Recomputes every derived quantity from first principles and compares it to
  the maintained value. Read-only: a mismatch is reported, never corrected.
  Invariant drift is a signal to investigate, not something to paper over.

CHECKS:
  lot_conservation       Original == Remaining + sum(live allocations on the lot)
  lot_bounds             0 <= Remaining <= Original; voided lots untouched
  sale_completeness      live sale: sum(allocations) == Quantity
                         reversed sale: no live allocations
  allocation_cost        Cost == Quantity x lot.UnitCost
  ledger_balance         Account.Balance == sum(entries)
  sale_account           net sale entries on Sale.AccountID == -Quantity
                         (0 once reversed)
  receivable             Customer.Receivable == sum(live proceeds) - sum(live settlements)
  settlement_application applied <= amount per settlement, <= proceeds per
                         sale, == proceeds for settled sales
  holdings               sum(foreign balances) == sum(remaining of live lots)
  profit                 profit entries chain (before + amount == after);
                         booked profit per sale == proceeds - cost (0 once
                         reversed); balance == earned - withdrawn, where
                         withdrawn is read from the cash ledger

SEE ALSO:
  - service.go: Reconcile, and VerifyBalances on reads
*/
package fifo

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/fxledger/money"
)

type Check string

const (
	CheckLotConservation       Check = "lot_conservation"
	CheckLotBounds             Check = "lot_bounds"
	CheckSaleCompleteness      Check = "sale_completeness"
	CheckAllocationCost        Check = "allocation_cost"
	CheckLedgerBalance         Check = "ledger_balance"
	CheckSaleAccount           Check = "sale_account"
	CheckReceivable            Check = "receivable"
	CheckSettlementApplication Check = "settlement_application"
	CheckHoldings              Check = "holdings"
	CheckProfit                Check = "profit"
)

// Mismatch is one failed invariant.
type Mismatch struct {
	Check    Check
	Subject  string // e.g. "lot 3f2a..." or "account ..."
	Expected money.Amount
	Actual   money.Amount
	Detail   string
}

func (m Mismatch) String() string {
	s := fmt.Sprintf("%s %s: expected %s, got %s", m.Check, m.Subject, m.Expected, m.Actual)
	if m.Detail != "" {
		s += " (" + m.Detail + ")"
	}
	return s
}

type ReconciliationReport struct {
	At          time.Time
	Lots        int
	Sales       int
	Accounts    int
	Customers   int
	Settlements int
	Profit      money.Amount // profit balance as stored
	Mismatches  []Mismatch
}

func (r ReconciliationReport) OK() bool { return len(r.Mismatches) == 0 }

// Err returns a *MismatchError when the report has findings, nil otherwise.
func (r ReconciliationReport) Err() error {
	if r.OK() {
		return nil
	}
	return &MismatchError{Mismatches: r.Mismatches}
}

// Checker verifies invariants inside a (read-only) transaction.
type Checker struct {
	tx     Tx
	ledger *Ledger
	clock  func() time.Time

	report ReconciliationReport
}

func NewChecker(tx Tx, ledger *Ledger, clock func() time.Time) *Checker {
	if clock == nil {
		clock = time.Now
	}
	return &Checker{tx: tx, ledger: ledger, clock: clock}
}

// Run executes every check. The error is reserved for store failures;
// findings are in the report.
func (c *Checker) Run(ctx context.Context) (ReconciliationReport, error) {
	c.report = ReconciliationReport{At: c.clock().UTC()}

	lots, err := c.tx.ListLots(ctx)
	if err != nil {
		return ReconciliationReport{}, err
	}
	allocations, err := c.tx.ListAllocations(ctx, AllocationFilter{IncludeReversed: true})
	if err != nil {
		return ReconciliationReport{}, err
	}
	sales, err := c.tx.ListSales(ctx, SaleFilter{})
	if err != nil {
		return ReconciliationReport{}, err
	}
	accounts, err := c.tx.ListAccounts(ctx)
	if err != nil {
		return ReconciliationReport{}, err
	}
	c.report.Lots, c.report.Sales, c.report.Accounts = len(lots), len(sales), len(accounts)

	c.checkLots(lots, allocations)
	c.checkSales(sales, allocations, lots)
	if err := c.checkAccounts(ctx, accounts, lots); err != nil {
		return ReconciliationReport{}, err
	}
	if err := c.checkSaleEntries(ctx, sales); err != nil {
		return ReconciliationReport{}, err
	}
	if err := c.checkCustomers(ctx, sales); err != nil {
		return ReconciliationReport{}, err
	}
	if err := c.checkProfit(ctx, sales, allocations); err != nil {
		return ReconciliationReport{}, err
	}
	return c.report, nil
}

func (c *Checker) add(check Check, subject string, expected, actual money.Amount, detail string) {
	c.report.Mismatches = append(c.report.Mismatches, Mismatch{
		Check: check, Subject: subject, Expected: expected, Actual: actual, Detail: detail,
	})
}

// =============================================================================
// LOTS + ALLOCATIONS
// =============================================================================

func (c *Checker) checkLots(lots []Lot, allocations []Allocation) {
	consumed := make(map[LotID]money.Amount)
	for _, a := range allocations {
		if a.Reversed {
			continue
		}
		consumed[a.LotID] = consumed[a.LotID].Add(a.Quantity)
	}

	for _, lot := range lots {
		subject := "lot " + string(lot.ID)
		if lot.Remaining.IsNegative() || lot.Remaining.GreaterThan(lot.Original) {
			c.add(CheckLotBounds, subject, lot.Original, lot.Remaining, "remaining out of [0, original]")
		}
		used := consumed[lot.ID]
		if used.Currency == "" {
			used = money.Zero(money.Foreign)
		}
		if lot.Voided && !used.IsZero() {
			c.add(CheckLotBounds, subject, money.Zero(money.Foreign), used, "voided lot has live allocations")
		}
		if !lot.Original.Equal(lot.Remaining.Add(used)) {
			c.add(CheckLotConservation, subject, lot.Original, lot.Remaining.Add(used), "remaining + allocated")
		}
	}
}

func (c *Checker) checkSales(sales []Sale, allocations []Allocation, lots []Lot) {
	byLot := make(map[LotID]Lot, len(lots))
	for _, l := range lots {
		byLot[l.ID] = l
	}
	live := make(map[SaleID]money.Amount)
	for _, a := range allocations {
		if a.Reversed {
			continue
		}
		live[a.SaleID] = live[a.SaleID].Add(a.Quantity)

		lot, ok := byLot[a.LotID]
		if !ok {
			c.add(CheckAllocationCost, "allocation "+string(a.ID), a.Cost, money.Zero(money.Home), "unknown lot "+string(a.LotID))
			continue
		}
		if want := lot.UnitCost.Convert(a.Quantity); !want.Equal(a.Cost) {
			c.add(CheckAllocationCost, "allocation "+string(a.ID), want, a.Cost, "")
		}
	}

	for _, s := range sales {
		subject := "sale " + string(s.ID)
		got := live[s.ID]
		if got.Currency == "" {
			got = money.Zero(money.Foreign)
		}
		switch s.Status {
		case SaleReversed:
			if !got.IsZero() {
				c.add(CheckSaleCompleteness, subject, money.Zero(money.Foreign), got, "reversed sale has live allocations")
			}
		case SalePending:
			c.add(CheckSaleCompleteness, subject, s.Quantity, got, "sale left pending")
		default:
			if !got.Equal(s.Quantity) {
				c.add(CheckSaleCompleteness, subject, s.Quantity, got, "")
			}
		}
	}
}

// =============================================================================
// ACCOUNTS + LEDGER
// =============================================================================

func (c *Checker) checkAccounts(ctx context.Context, accounts []Account, lots []Lot) error {
	held := money.Zero(money.Foreign)
	for _, a := range accounts {
		derived, err := c.ledger.DerivedBalance(ctx, a.ID)
		if err != nil {
			return err
		}
		if !derived.Equal(a.Balance) {
			c.add(CheckLedgerBalance, "account "+string(a.ID), derived, a.Balance, "running balance vs entries")
		}
		if a.Currency == money.Foreign {
			held = held.Add(a.Balance)
		}
	}

	remaining := money.Zero(money.Foreign)
	for _, l := range lots {
		if !l.Voided {
			remaining = remaining.Add(l.Remaining)
		}
	}
	if !held.Equal(remaining) {
		c.add(CheckHoldings, "foreign accounts", remaining, held, "sum of balances vs unsold lots")
	}
	return nil
}

func (c *Checker) checkSaleEntries(ctx context.Context, sales []Sale) error {
	for _, s := range sales {
		if s.Status == SalePending {
			continue
		}
		ref := Ref{Type: RefSale, ID: string(s.ID)}
		entries, err := c.tx.ListEntries(ctx, EntryFilter{Ref: &ref})
		if err != nil {
			return err
		}
		net := money.Zero(s.Quantity.Currency)
		for _, e := range entries {
			if e.AccountID != s.AccountID {
				c.add(CheckSaleAccount, "sale "+string(s.ID), money.Zero(e.Amount.Currency), e.Amount,
					"entry on account "+string(e.AccountID))
				continue
			}
			net = net.Add(e.Amount)
		}
		want := s.Quantity.Neg()
		if s.Status == SaleReversed {
			want = money.Zero(s.Quantity.Currency)
		}
		if !net.Equal(want) {
			c.add(CheckSaleAccount, "sale "+string(s.ID), want, net, "net sale entries")
		}
	}
	return nil
}

// =============================================================================
// CUSTOMERS + SETTLEMENTS
// =============================================================================

func (c *Checker) checkCustomers(ctx context.Context, sales []Sale) error {
	customers, err := c.tx.ListCustomers(ctx)
	if err != nil {
		return err
	}
	settlements, err := c.tx.ListSettlements(ctx, SettlementFilter{IncludeReversed: true})
	if err != nil {
		return err
	}
	apps, err := c.tx.ListApplications(ctx, ApplicationFilter{})
	if err != nil {
		return err
	}
	c.report.Customers, c.report.Settlements = len(customers), len(settlements)

	owed := make(map[CustomerID]money.Amount)
	for _, s := range sales {
		if s.Status != SaleReversed && s.Status != SalePending {
			owed[s.CustomerID] = owed[s.CustomerID].Add(s.Proceeds)
		}
	}
	for _, s := range settlements {
		if !s.Reversed {
			owed[s.CustomerID] = owed[s.CustomerID].Sub(s.Amount)
		}
	}
	for _, cu := range customers {
		want := owed[cu.ID]
		if want.Currency == "" {
			want = money.Zero(money.Home)
		}
		if !want.Equal(cu.Receivable) {
			c.add(CheckReceivable, "customer "+string(cu.ID), want, cu.Receivable, "proceeds - settlements")
		}
	}

	bySettlement := make(map[SettlementID]money.Amount)
	bySale := make(map[SaleID]money.Amount)
	for _, a := range apps {
		bySettlement[a.SettlementID] = bySettlement[a.SettlementID].Add(a.Amount)
		bySale[a.SaleID] = bySale[a.SaleID].Add(a.Amount)
	}
	for _, s := range settlements {
		applied := bySettlement[s.ID]
		if applied.Currency == "" {
			applied = money.Zero(money.Home)
		}
		subject := "settlement " + string(s.ID)
		if s.Reversed && !applied.IsZero() {
			c.add(CheckSettlementApplication, subject, money.Zero(money.Home), applied, "reversed settlement still applied")
		}
		if applied.GreaterThan(s.Amount) {
			c.add(CheckSettlementApplication, subject, s.Amount, applied, "over-applied")
		}
	}
	for _, s := range sales {
		applied := bySale[s.ID]
		if applied.Currency == "" {
			applied = money.Zero(money.Home)
		}
		subject := "sale " + string(s.ID)
		switch {
		case s.Status == SaleReversed && !applied.IsZero():
			c.add(CheckSettlementApplication, subject, money.Zero(money.Home), applied, "reversed sale still settled")
		case s.Status == SaleSettled && !applied.Equal(s.Proceeds):
			c.add(CheckSettlementApplication, subject, s.Proceeds, applied, "settled sale not fully paid")
		case applied.GreaterThan(s.Proceeds):
			c.add(CheckSettlementApplication, subject, s.Proceeds, applied, "over-applied")
		}
	}
	return nil
}

// =============================================================================
// PROFIT
// =============================================================================

func (c *Checker) checkProfit(ctx context.Context, sales []Sale, allocations []Allocation) error {
	entries, err := c.tx.ListProfitEntries(ctx, ProfitFilter{})
	if err != nil {
		return err
	}

	running := money.Zero(money.Home)
	for _, e := range entries {
		subject := "profit entry " + string(e.ID)
		if !e.BalanceBefore.Equal(running) {
			c.add(CheckProfit, subject, running, e.BalanceBefore, "balance before vs previous balance after")
		}
		if want := e.BalanceBefore.Add(e.Amount); !want.Equal(e.BalanceAfter) {
			c.add(CheckProfit, subject, want, e.BalanceAfter, "balance before + amount")
		}
		running = e.BalanceAfter
	}
	c.report.Profit = running

	cost := make(map[SaleID]money.Amount)
	for _, a := range allocations {
		if !a.Reversed {
			cost[a.SaleID] = cost[a.SaleID].Add(a.Cost)
		}
	}
	booked := make(map[SaleID]money.Amount)
	for _, e := range entries {
		if e.SaleID != "" {
			booked[e.SaleID] = booked[e.SaleID].Add(e.Amount)
		}
	}
	earned := money.Zero(money.Home)
	for _, s := range sales {
		want := money.Zero(money.Home)
		switch s.Status {
		case SalePending:
			continue
		case SaleAllocated, SaleSettled:
			want = s.Proceeds.Sub(cost[s.ID])
			earned = earned.Add(want)
		}
		got := booked[s.ID]
		if got.Currency == "" {
			got = money.Zero(money.Home)
		}
		if !got.Equal(want) {
			c.add(CheckProfit, "sale "+string(s.ID), want, got, "booked profit vs proceeds - cost")
		}
	}

	withdrawn := money.Zero(money.Home)
	for _, e := range entries {
		if e.Kind != ProfitWithdrawn {
			continue
		}
		ref := Ref{Type: RefProfit, ID: string(e.ID)}
		cash, err := c.tx.ListEntries(ctx, EntryFilter{Ref: &ref})
		if err != nil {
			return err
		}
		for _, ce := range cash {
			withdrawn = withdrawn.Sub(ce.Amount)
		}
	}
	if want := earned.Sub(withdrawn); !want.Equal(running) {
		c.add(CheckProfit, "profit balance", want, running, "earned - withdrawn")
	}
	return nil
}
