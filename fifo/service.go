/*
service.go - Operation set exposed to collaborators

PURPOSE:
  The narrow interface through which HTTP handlers, CLIs and schedulers
  touch the engine. Collaborators never mutate lots, allocations, balances
  or receivables directly; every change goes through one of these
  operations, each in exactly one store transaction.

OPERATIONS:
  Core:     RecordPurchase, RecordSale, ReverseSale, ReversePurchase,
            PostSettlement, AccountBalance, CustomerReceivable, Reconcile
  Accounts: OpenAccount, DeactivateAccount, Deposit, Withdraw, Transfer,
            CorrectEntry, Entries, Accounts
  Customers and settlements: AddCustomer, ReverseSettlement, Customers
  Queries:  PlanSale, Sale, Purchase, Lots, InventorySummary, ProfitSummary
  Profit:   WithdrawProfit, ReverseProfitWithdrawal, ProfitEntries

LOCKING:
  Mutating operations take Options.Locker (if any) before opening the
  transaction. The store already serializes writers within one process;
  the locker extends that to several processes sharing a database.

FUNDS POLICY:
  Withdrawals, transfers, sales, profit withdrawals and corrections that
  lower a balance are rejected with ErrInsufficientFunds when they would
  leave the account negative, unless Options.AllowOverdraft is set.
  Purchases and reversals are never funds-checked.

SEE ALSO:
  - store.go: transaction contract
  - lock/:    Locker implementations
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/fxledger/money"
)

// WriterLockKey is the key mutating operations acquire on Options.Locker.
const WriterLockKey = "fxledger:writer"

// Locker serializes writers across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type Options struct {
	LotPageSize    int
	VerifyBalances bool // compare maintained balances with the ledger on every read
	AllowOverdraft bool
	Clock          func() time.Time
	Logger         logrus.FieldLogger
	Locker         Locker
}

type Service struct {
	store Store
	opts  Options
	log   logrus.FieldLogger
}

func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.LotPageSize <= 0 {
		opts.LotPageSize = DefaultLotPageSize
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Service{store: store, opts: opts, log: log}
}

// components is the per-transaction object graph.
type components struct {
	tx          Tx
	lots        *LotStore
	ledger      *Ledger
	engine      *AllocationEngine
	receivables *Receivables
	profit      *ProfitBook
	reversals   *ReversalCoordinator
}

func (s *Service) wire(tx Tx) *components {
	lots := NewLotStore(tx, s.opts.LotPageSize)
	ledger := NewLedger(tx, s.opts.Clock)
	receivables := NewReceivables(tx)
	profit := NewProfitBook(tx, s.opts.Clock)
	return &components{
		tx:          tx,
		lots:        lots,
		ledger:      ledger,
		engine:      NewAllocationEngine(tx, lots, ledger, s.opts.Clock),
		receivables: receivables,
		profit:      profit,
		reversals:   NewReversalCoordinator(tx, lots, ledger, receivables, profit, s.opts.Clock),
	}
}

// update runs fn in a write transaction under the writer lock and logs the outcome.
func (s *Service) update(ctx context.Context, op string, fields logrus.Fields, fn func(*components) error) error {
	log := s.log.WithFields(fields).WithField("op", op)

	if s.opts.Locker != nil {
		release, err := s.opts.Locker.Acquire(ctx, WriterLockKey)
		if err != nil {
			log.WithError(err).Error("acquire writer lock")
			return fmt.Errorf("%s: acquire writer lock: %w", op, err)
		}
		defer release()
	}

	start := s.opts.Clock()
	err := s.store.WithTx(ctx, func(tx Tx) error { return fn(s.wire(tx)) })
	log = log.WithField("duration", s.opts.Clock().Sub(start))
	switch {
	case err == nil:
		log.Info("committed")
	case IsClientError(err) || IsConflict(err) || IsNotFound(err):
		log.WithError(err).Warn("rejected")
	default:
		log.WithError(err).Error("failed")
	}
	return err
}

func (s *Service) view(ctx context.Context, fn func(*components) error) error {
	return s.store.View(ctx, func(tx Tx) error { return fn(s.wire(tx)) })
}

// =============================================================================
// INPUTS
// =============================================================================

type AccountInput struct {
	ID       AccountID // optional
	Name     string
	Holder   string
	Currency money.Currency
}

type CustomerInput struct {
	ID   CustomerID // optional
	Name string
}

type PurchaseInput struct {
	Quantity           money.Amount // foreign
	UnitCost           money.Rate
	FundingAccountID   AccountID
	ReceivingAccountID AccountID
	At                 time.Time
	Actor              string
	Note               string
}

type SaleInput struct {
	Quantity   money.Amount // foreign
	Proceeds   money.Amount // home
	AccountID  AccountID
	CustomerID CustomerID
	At         time.Time
	Actor      string
	Note       string
}

type SettlementInput struct {
	CustomerID CustomerID
	AccountID  AccountID
	Amount     money.Amount // home
	At         time.Time
	Actor      string
}

type DepositInput struct {
	AccountID   AccountID
	Amount      money.Amount
	Description string
	At          time.Time
	Actor       string
}

type TransferInput struct {
	FromAccountID AccountID
	ToAccountID   AccountID
	Amount        money.Amount
	Description   string
	At            time.Time
	Actor         string
}

// =============================================================================
// ACCOUNTS + CUSTOMERS
// =============================================================================

func (s *Service) OpenAccount(ctx context.Context, in AccountInput) (Account, error) {
	if !in.Currency.Valid() {
		return Account{}, fmt.Errorf("%w: unknown currency %q", ErrCurrencyMismatch, in.Currency)
	}
	if strings.TrimSpace(in.Name) == "" {
		return Account{}, fmt.Errorf("%w: account name required", ErrInvalidInput)
	}
	acct := Account{
		ID:       in.ID,
		Name:     in.Name,
		Holder:   in.Holder,
		Currency: in.Currency,
		Balance:  money.Zero(in.Currency),
		Active:   true,
	}
	if acct.ID == "" {
		acct.ID = AccountID(NewID())
	}
	err := s.update(ctx, "open_account", logrus.Fields{"account_id": acct.ID, "currency": acct.Currency}, func(c *components) error {
		return c.tx.InsertAccount(ctx, acct)
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// DeactivateAccount stops further postings. Operations already posted to the
// account can still be reversed. Idempotent.
func (s *Service) DeactivateAccount(ctx context.Context, id AccountID) (Account, error) {
	var acct Account
	err := s.update(ctx, "deactivate_account", logrus.Fields{"account_id": id}, func(c *components) error {
		var err error
		if acct, err = c.tx.GetAccount(ctx, id); err != nil {
			return err
		}
		if !acct.Active {
			return nil
		}
		acct.Active = false
		return c.tx.UpdateAccount(ctx, acct)
	})
	return acct, err
}

func (s *Service) AddCustomer(ctx context.Context, in CustomerInput) (Customer, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Customer{}, fmt.Errorf("%w: customer name required", ErrInvalidInput)
	}
	cu := Customer{ID: in.ID, Name: in.Name, Receivable: money.Zero(money.Home), Active: true}
	if cu.ID == "" {
		cu.ID = CustomerID(NewID())
	}
	err := s.update(ctx, "add_customer", logrus.Fields{"customer_id": cu.ID}, func(c *components) error {
		return c.tx.InsertCustomer(ctx, cu)
	})
	if err != nil {
		return Customer{}, err
	}
	return cu, nil
}

func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := s.view(ctx, func(c *components) error {
		var err error
		out, err = c.tx.ListAccounts(ctx)
		return err
	})
	return out, err
}

func (s *Service) Customers(ctx context.Context) ([]Customer, error) {
	var out []Customer
	err := s.view(ctx, func(c *components) error {
		var err error
		out, err = c.tx.ListCustomers(ctx)
		return err
	})
	return out, err
}

// =============================================================================
// CASH MOVEMENTS
// =============================================================================

// Deposit credits a home-currency account.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (LedgerEntry, error) {
	return s.cash(ctx, "deposit", EntryDeposit, in, 1)
}

// Withdraw debits a home-currency account.
func (s *Service) Withdraw(ctx context.Context, in DepositInput) (LedgerEntry, error) {
	return s.cash(ctx, "withdraw", EntryWithdrawal, in, -1)
}

// cash posts a deposit or withdrawal. Foreign holdings move only through
// purchases, sales and transfers, so every foreign unit stays traceable to a lot.
func (s *Service) cash(ctx context.Context, op string, kind EntryKind, in DepositInput, sign int) (LedgerEntry, error) {
	amount := in.Amount
	if amount.Currency == "" {
		amount.Currency = money.Home
	}
	if !amount.IsPositive() {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	if sign < 0 {
		amount = amount.Neg()
	}

	var entry LedgerEntry
	err := s.update(ctx, op, logrus.Fields{"account_id": in.AccountID, "amount": amount.String()}, func(c *components) error {
		acct, err := c.tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if acct.Currency != money.Home {
			return &CurrencyError{AccountID: acct.ID, Want: money.Home, Got: acct.Currency}
		}
		entry, err = c.ledger.Post(ctx, Posting{
			AccountID:   acct.ID,
			Kind:        kind,
			Amount:      amount,
			Description: in.Description,
			At:          in.At,
			Actor:       in.Actor,
		})
		if err != nil || sign > 0 {
			return err
		}
		return s.checkFunds(ctx, c, acct.ID)
	})
	return entry, err
}

// Transfer moves money between two accounts of the same currency.
func (s *Service) Transfer(ctx context.Context, in TransferInput) ([]LedgerEntry, error) {
	if in.FromAccountID == in.ToAccountID {
		return nil, fmt.Errorf("%w: transfer to the same account", ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	ref := Ref{Type: RefTransfer, ID: NewID()}
	var entries []LedgerEntry
	err := s.update(ctx, "transfer", logrus.Fields{"from": in.FromAccountID, "to": in.ToAccountID, "transfer_id": ref.ID}, func(c *components) error {
		from, err := c.tx.GetAccount(ctx, in.FromAccountID)
		if err != nil {
			return err
		}
		to, err := c.tx.GetAccount(ctx, in.ToAccountID)
		if err != nil {
			return err
		}
		if from.Currency != to.Currency {
			return &CurrencyError{AccountID: to.ID, Want: from.Currency, Got: to.Currency}
		}
		amount := in.Amount
		if amount.Currency == "" {
			amount.Currency = from.Currency
		}
		out, err := c.ledger.Post(ctx, Posting{
			AccountID: from.ID, Kind: EntryTransferOut, Amount: amount.Neg(),
			Description: in.Description, At: in.At, Actor: in.Actor, Ref: ref,
		})
		if err != nil {
			return err
		}
		inn, err := c.ledger.Post(ctx, Posting{
			AccountID: to.ID, Kind: EntryTransferIn, Amount: amount,
			Description: in.Description, At: in.At, Actor: in.Actor, Ref: ref,
		})
		if err != nil {
			return err
		}
		entries = []LedgerEntry{out, inn}
		return s.checkFunds(ctx, c, from.ID)
	})
	return entries, err
}

// CorrectEntry replaces a mis-posted deposit or withdrawal with a compensating
// entry and a corrected one. Entries owned by a purchase, sale, settlement,
// transfer or profit withdrawal are corrected by reversing that operation
// instead. A correction that lowers the balance is funds-checked.
func (s *Service) CorrectEntry(ctx context.Context, id EntryID, corrected money.Amount, description, actor string) (LedgerEntry, LedgerEntry, error) {
	var rev, fixed LedgerEntry
	err := s.update(ctx, "correct_entry", logrus.Fields{"entry_id": id}, func(c *components) error {
		orig, err := c.tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		amount := corrected
		if amount.Currency == "" {
			amount.Currency = orig.Amount.Currency
		}
		rev, fixed, err = c.ledger.Correct(ctx, id, amount, description, actor)
		if err != nil {
			return err
		}
		if amount.LessThan(orig.Amount) {
			return s.checkFunds(ctx, c, orig.AccountID)
		}
		return nil
	})
	return rev, fixed, err
}

func (s *Service) Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := s.view(ctx, func(c *components) error {
		var err error
		out, err = c.ledger.Entries(ctx, filter)
		return err
	})
	return out, err
}

func (s *Service) checkFunds(ctx context.Context, c *components, id AccountID) error {
	if s.opts.AllowOverdraft {
		return nil
	}
	bal, err := c.ledger.BalanceOf(ctx, id)
	if err != nil {
		return err
	}
	if bal.IsNegative() {
		return fmt.Errorf("account %s would be %s: %w", id, bal.Round(), ErrInsufficientFunds)
	}
	return nil
}

// =============================================================================
// PURCHASES
// =============================================================================

// RecordPurchase creates a lot and posts the funding debit and the receipt credit.
func (s *Service) RecordPurchase(ctx context.Context, in PurchaseInput) (Purchase, error) {
	qty := in.Quantity
	if qty.Currency == "" {
		qty.Currency = money.Foreign
	}
	if !qty.IsPositive() || !in.UnitCost.IsPositive() {
		return Purchase{}, ErrInvalidQuantity
	}
	if qty.Currency != money.Foreign {
		return Purchase{}, fmt.Errorf("%w: purchase quantity must be %s", ErrCurrencyMismatch, money.Foreign)
	}
	at := in.At
	if at.IsZero() {
		at = s.opts.Clock()
	}

	p := Purchase{
		ID:                 PurchaseID(NewID()),
		Quantity:           qty,
		UnitCost:           in.UnitCost,
		Cost:               in.UnitCost.Convert(qty),
		FundingAccountID:   in.FundingAccountID,
		ReceivingAccountID: in.ReceivingAccountID,
		At:                 at.UTC(),
		Status:             PurchaseActive,
		Actor:              in.Actor,
		Note:               in.Note,
	}
	fields := logrus.Fields{"purchase_id": p.ID, "quantity": qty.String(), "unit_cost": in.UnitCost.String()}
	err := s.update(ctx, "record_purchase", fields, func(c *components) error {
		lot, err := c.lots.AddLot(ctx, p.ID, qty, in.UnitCost, p.At)
		if err != nil {
			return err
		}
		p.LotID = lot.ID
		if err := c.tx.InsertPurchase(ctx, p); err != nil {
			return err
		}

		ref := Ref{Type: RefPurchase, ID: string(p.ID)}
		_, err = c.ledger.Post(ctx, Posting{
			AccountID:   p.FundingAccountID,
			Kind:        EntryPurchaseFunding,
			Amount:      p.Cost.Neg(),
			Description: fmt.Sprintf("purchase %s of %s @ %s", p.ID, qty, in.UnitCost),
			At:          p.At,
			Actor:       p.Actor,
			Ref:         ref,
		})
		if err != nil {
			return err
		}
		_, err = c.ledger.Post(ctx, Posting{
			AccountID:   p.ReceivingAccountID,
			Kind:        EntryPurchaseReceipt,
			Amount:      qty,
			Description: fmt.Sprintf("purchase %s into lot %s", p.ID, lot.ID),
			At:          p.At,
			Actor:       p.Actor,
			Ref:         ref,
		})
		return err
	})
	if err != nil {
		return Purchase{}, err
	}
	return p, nil
}

// ReversePurchase voids the purchase's lot and compensates its entries.
func (s *Service) ReversePurchase(ctx context.Context, id PurchaseID, actor string) (Purchase, error) {
	var p Purchase
	err := s.update(ctx, "reverse_purchase", logrus.Fields{"purchase_id": id, "actor": actor}, func(c *components) error {
		var err error
		p, err = c.reversals.ReversePurchase(ctx, id, actor)
		return err
	})
	return p, err
}

func (s *Service) Purchase(ctx context.Context, id PurchaseID) (Purchase, error) {
	var p Purchase
	err := s.view(ctx, func(c *components) error {
		var err error
		p, err = c.tx.GetPurchase(ctx, id)
		return err
	})
	return p, err
}

func (s *Service) Lots(ctx context.Context) ([]Lot, error) {
	var out []Lot
	err := s.view(ctx, func(c *components) error {
		var err error
		out, err = c.tx.ListLots(ctx)
		return err
	})
	return out, err
}

func (s *Service) InventorySummary(ctx context.Context) (InventorySummary, error) {
	var sum InventorySummary
	err := s.view(ctx, func(c *components) error {
		var err error
		sum, err = c.lots.Summary(ctx)
		return err
	})
	return sum, err
}

// =============================================================================
// SALES
// =============================================================================

// RecordSale allocates the quantity FIFO, posts the sale entries against
// in.AccountID and raises the customer's receivable, atomically.
func (s *Service) RecordSale(ctx context.Context, in SaleInput) (Sale, error) {
	qty, proceeds := in.Quantity, in.Proceeds
	if qty.Currency == "" {
		qty.Currency = money.Foreign
	}
	if proceeds.Currency == "" {
		proceeds.Currency = money.Home
	}
	if !qty.IsPositive() || !proceeds.IsPositive() {
		return Sale{}, ErrInvalidQuantity
	}
	if qty.Currency != money.Foreign || proceeds.Currency != money.Home {
		return Sale{}, fmt.Errorf("%w: sale is %s for %s", ErrCurrencyMismatch, money.Foreign, money.Home)
	}
	at := in.At
	if at.IsZero() {
		at = s.opts.Clock()
	}

	sale := Sale{
		ID:         SaleID(NewID()),
		Quantity:   qty,
		Proceeds:   proceeds,
		CustomerID: in.CustomerID,
		AccountID:  in.AccountID,
		At:         at.UTC(),
		Status:     SalePending,
		Actor:      in.Actor,
		Note:       in.Note,
	}
	fields := logrus.Fields{"sale_id": sale.ID, "quantity": qty.String(), "account_id": in.AccountID, "customer_id": in.CustomerID}
	err := s.update(ctx, "record_sale", fields, func(c *components) error {
		acct, err := c.tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if acct.Currency != money.Foreign {
			return &CurrencyError{AccountID: acct.ID, Want: money.Foreign, Got: acct.Currency}
		}
		if !acct.Active {
			return fmt.Errorf("sale from %s: %w", acct.ID, ErrAccountInactive)
		}
		if _, err := c.tx.GetCustomer(ctx, in.CustomerID); err != nil {
			return err
		}

		if sale, err = c.tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		allocations, err := c.engine.Allocate(ctx, sale)
		if err != nil {
			return err
		}
		if err := s.checkFunds(ctx, c, acct.ID); err != nil {
			return err
		}
		sale.Allocations = allocations
		if _, err := c.profit.Earn(ctx, sale); err != nil {
			return err
		}
		sale.Status = SaleAllocated
		if err := c.tx.UpdateSale(ctx, sale); err != nil {
			return err
		}
		if err := c.receivables.RecordSale(ctx, sale); err != nil {
			return err
		}
		// Open customer credit may have settled it already.
		if sale, err = c.tx.GetSale(ctx, sale.ID); err != nil {
			return err
		}
		sale.Allocations = allocations
		return nil
	})
	if err != nil {
		return Sale{}, err
	}
	return sale, nil
}

// ReverseSale undoes a sale: lots restored, entries compensated, receivable
// reduced, settlements paid only towards this sale reversed with it.
func (s *Service) ReverseSale(ctx context.Context, id SaleID, actor string) (Sale, error) {
	var sale Sale
	err := s.update(ctx, "reverse_sale", logrus.Fields{"sale_id": id, "actor": actor}, func(c *components) error {
		var err error
		sale, err = c.reversals.ReverseSale(ctx, id, actor)
		return err
	})
	return sale, err
}

// PlanSale previews the FIFO allocation without changing anything.
func (s *Service) PlanSale(ctx context.Context, quantity money.Amount) (AllocationPlan, error) {
	if quantity.Currency == "" {
		quantity.Currency = money.Foreign
	}
	var plan AllocationPlan
	err := s.view(ctx, func(c *components) error {
		var err error
		plan, err = c.engine.Plan(ctx, quantity)
		return err
	})
	return plan, err
}

// Sale returns a sale with its live allocations.
func (s *Service) Sale(ctx context.Context, id SaleID) (Sale, error) {
	var sale Sale
	err := s.view(ctx, func(c *components) error {
		var err error
		if sale, err = c.tx.GetSale(ctx, id); err != nil {
			return err
		}
		sale.Allocations, err = c.tx.ListAllocations(ctx, AllocationFilter{SaleID: id})
		return err
	})
	return sale, err
}

// ProfitSummary totals non-reversed sales and the profit paid out of them.
type ProfitSummary struct {
	Sales       int
	Quantity    money.Amount
	Proceeds    money.Amount
	CostOfGoods money.Amount
	Profit      money.Amount // realized: Proceeds - CostOfGoods
	Withdrawn   money.Amount // net of reversed withdrawals
	Net         money.Amount // Profit - Withdrawn, what WithdrawProfit may still pay out
}

func (s *Service) ProfitSummary(ctx context.Context) (ProfitSummary, error) {
	sum := ProfitSummary{
		Quantity:    money.Zero(money.Foreign),
		Proceeds:    money.Zero(money.Home),
		CostOfGoods: money.Zero(money.Home),
		Withdrawn:   money.Zero(money.Home),
	}
	err := s.view(ctx, func(c *components) error {
		sales, err := c.tx.ListSales(ctx, SaleFilter{Statuses: []SaleStatus{SaleAllocated, SaleSettled}})
		if err != nil {
			return err
		}
		for _, sale := range sales {
			allocations, err := c.tx.ListAllocations(ctx, AllocationFilter{SaleID: sale.ID})
			if err != nil {
				return err
			}
			sale.Allocations = allocations
			sum.Sales++
			sum.Quantity = sum.Quantity.Add(sale.Quantity)
			sum.Proceeds = sum.Proceeds.Add(sale.Proceeds)
			sum.CostOfGoods = sum.CostOfGoods.Add(sale.CostOfGoods())
		}
		entries, err := c.profit.Entries(ctx, ProfitFilter{})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Kind == ProfitWithdrawn || (e.Kind == ProfitReversal && e.SaleID == "") {
				sum.Withdrawn = sum.Withdrawn.Sub(e.Amount)
			}
		}
		return nil
	})
	if err != nil {
		return ProfitSummary{}, err
	}
	sum.Profit = sum.Proceeds.Sub(sum.CostOfGoods)
	sum.Net = sum.Profit.Sub(sum.Withdrawn)
	return sum, nil
}

// =============================================================================
// PROFIT WITHDRAWALS
// =============================================================================

type ProfitWithdrawalInput struct {
	AccountID   AccountID // home account the payout leaves from
	Amount      money.Amount
	Description string
	At          time.Time
	Actor       string
}

// WithdrawProfit pays out realized profit from a home account. The amount
// may not exceed realized profit net of earlier withdrawals.
func (s *Service) WithdrawProfit(ctx context.Context, in ProfitWithdrawalInput) (ProfitEntry, error) {
	amount := in.Amount
	if amount.Currency == "" {
		amount.Currency = money.Home
	}
	if !amount.IsPositive() {
		return ProfitEntry{}, ErrInvalidQuantity
	}
	if amount.Currency != money.Home {
		return ProfitEntry{}, fmt.Errorf("%w: profit is paid in %s", ErrCurrencyMismatch, money.Home)
	}
	at := in.At
	if at.IsZero() {
		at = s.opts.Clock()
	}

	id := ProfitEntryID(NewID())
	var pe ProfitEntry
	fields := logrus.Fields{"profit_entry_id": id, "account_id": in.AccountID, "amount": amount.String()}
	err := s.update(ctx, "withdraw_profit", fields, func(c *components) error {
		acct, err := c.tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if acct.Currency != money.Home {
			return &CurrencyError{AccountID: acct.ID, Want: money.Home, Got: acct.Currency}
		}
		entry, err := c.ledger.Post(ctx, Posting{
			AccountID:   acct.ID,
			Kind:        EntryProfitWithdrawal,
			Amount:      amount.Neg(),
			Description: in.Description,
			At:          at,
			Actor:       in.Actor,
			Ref:         Ref{Type: RefProfit, ID: string(id)},
		})
		if err != nil {
			return err
		}
		if pe, err = c.profit.Withdraw(ctx, id, amount, acct.ID, entry.ID, in.Description, in.Actor, at); err != nil {
			return err
		}
		return s.checkFunds(ctx, c, acct.ID)
	})
	if err != nil {
		return ProfitEntry{}, err
	}
	return pe, nil
}

// ReverseProfitWithdrawal returns a withdrawal to the profit balance and
// compensates its cash entry. Idempotent.
func (s *Service) ReverseProfitWithdrawal(ctx context.Context, id ProfitEntryID, actor string) (ProfitEntry, error) {
	var pe ProfitEntry
	err := s.update(ctx, "reverse_profit_withdrawal", logrus.Fields{"profit_entry_id": id, "actor": actor}, func(c *components) error {
		var (
			reversed bool
			err      error
		)
		if pe, reversed, err = c.profit.ReverseWithdrawal(ctx, id, actor); err != nil || !reversed {
			return err
		}
		_, err = c.ledger.Compensate(ctx, pe.EntryID, "reversal of profit withdrawal "+string(id), actor)
		return err
	})
	return pe, err
}

// ProfitEntries returns the profit history in posting order.
func (s *Service) ProfitEntries(ctx context.Context, filter ProfitFilter) ([]ProfitEntry, error) {
	var out []ProfitEntry
	err := s.view(ctx, func(c *components) error {
		var err error
		out, err = c.profit.Entries(ctx, filter)
		return err
	})
	return out, err
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// PostSettlement records a customer payment into a home-currency account
// and applies it to the customer's oldest outstanding sales.
func (s *Service) PostSettlement(ctx context.Context, in SettlementInput) (LedgerEntry, error) {
	amount := in.Amount
	if amount.Currency == "" {
		amount.Currency = money.Home
	}
	if !amount.IsPositive() {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	at := in.At
	if at.IsZero() {
		at = s.opts.Clock()
	}

	st := Settlement{
		ID:         SettlementID(NewID()),
		CustomerID: in.CustomerID,
		AccountID:  in.AccountID,
		Amount:     amount,
		At:         at.UTC(),
		Actor:      in.Actor,
	}
	var entry LedgerEntry
	fields := logrus.Fields{"settlement_id": st.ID, "customer_id": in.CustomerID, "account_id": in.AccountID, "amount": amount.String()}
	err := s.update(ctx, "post_settlement", fields, func(c *components) error {
		if _, err := c.tx.GetCustomer(ctx, in.CustomerID); err != nil {
			return err
		}
		var err error
		entry, err = c.ledger.Post(ctx, Posting{
			AccountID:   in.AccountID,
			Kind:        EntrySettlement,
			Amount:      amount,
			Description: fmt.Sprintf("settlement %s from customer %s", st.ID, in.CustomerID),
			At:          st.At,
			Actor:       in.Actor,
			Ref:         Ref{Type: RefSettlement, ID: string(st.ID)},
		})
		if err != nil {
			return err
		}
		st.EntryID = entry.ID
		return c.receivables.RecordSettlement(ctx, st)
	})
	return entry, err
}

// ReverseSettlement undoes a customer payment. Idempotent.
func (s *Service) ReverseSettlement(ctx context.Context, id SettlementID, actor string) (Settlement, error) {
	var st Settlement
	err := s.update(ctx, "reverse_settlement", logrus.Fields{"settlement_id": id, "actor": actor}, func(c *components) error {
		var err error
		st, err = c.reversals.ReverseSettlement(ctx, id, actor)
		return err
	})
	return st, err
}

// =============================================================================
// BALANCES + RECONCILIATION
// =============================================================================

// AccountBalance returns the maintained balance. With VerifyBalances it is
// compared against the ledger and a drift is returned as *MismatchError.
func (s *Service) AccountBalance(ctx context.Context, id AccountID) (money.Amount, error) {
	var bal money.Amount
	err := s.view(ctx, func(c *components) error {
		var err error
		if bal, err = c.ledger.BalanceOf(ctx, id); err != nil {
			return err
		}
		if !s.opts.VerifyBalances {
			return nil
		}
		derived, err := c.ledger.DerivedBalance(ctx, id)
		if err != nil {
			return err
		}
		if !derived.Equal(bal) {
			return &MismatchError{Mismatches: []Mismatch{{
				Check: CheckLedgerBalance, Subject: "account " + string(id), Expected: derived, Actual: bal,
			}}}
		}
		return nil
	})
	return bal, err
}

// CustomerReceivable returns what the customer still owes.
func (s *Service) CustomerReceivable(ctx context.Context, id CustomerID) (money.Amount, error) {
	var owed money.Amount
	err := s.view(ctx, func(c *components) error {
		cu, err := c.tx.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		owed = cu.Receivable
		if !s.opts.VerifyBalances {
			return nil
		}
		derived, err := derivedReceivable(ctx, c.tx, id)
		if err != nil {
			return err
		}
		if !derived.Equal(owed) {
			return &MismatchError{Mismatches: []Mismatch{{
				Check: CheckReceivable, Subject: "customer " + string(id), Expected: derived, Actual: owed,
			}}}
		}
		return nil
	})
	return owed, err
}

func derivedReceivable(ctx context.Context, tx Tx, id CustomerID) (money.Amount, error) {
	total := money.Zero(money.Home)
	sales, err := tx.ListSales(ctx, SaleFilter{CustomerID: id, Statuses: []SaleStatus{SaleAllocated, SaleSettled}})
	if err != nil {
		return money.Amount{}, err
	}
	for _, sale := range sales {
		total = total.Add(sale.Proceeds)
	}
	settlements, err := tx.ListSettlements(ctx, SettlementFilter{CustomerID: id})
	if err != nil {
		return money.Amount{}, err
	}
	for _, st := range settlements {
		total = total.Sub(st.Amount)
	}
	return total, nil
}

// Reconcile runs every invariant check against a consistent snapshot.
// Findings are in the report; the error is reserved for store failures.
func (s *Service) Reconcile(ctx context.Context) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := s.view(ctx, func(c *components) error {
		var err error
		report, err = NewChecker(c.tx, c.ledger, s.opts.Clock).Run(ctx)
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("op", "reconcile").Error("reconciliation failed")
		return ReconciliationReport{}, err
	}
	log := s.log.WithFields(logrus.Fields{"op": "reconcile", "lots": report.Lots, "sales": report.Sales, "accounts": report.Accounts})
	if report.OK() {
		log.Info("reconciled")
	} else {
		for _, m := range report.Mismatches {
			log.WithField("check", m.Check).Warn(m.String())
		}
	}
	return report, nil
}

// IsMismatch reports whether err carries reconciliation findings.
func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}
