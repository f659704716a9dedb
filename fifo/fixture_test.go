package fifo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/fifo/store"
	"github.com/warp/fxledger/money"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var base = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func rmb(s string) money.Amount { return money.MustParse(s, money.Foreign) }
func twd(s string) money.Amount { return money.MustParse(s, money.Home) }
func rate(s string) money.Rate   { return money.MustParseRate(s) }

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	svc      *fifo.Service
	cash     fifo.AccountID // TWD
	wallet   fifo.AccountID // RMB
	customer fifo.CustomerID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: store.NewMemory()}
	f.svc = fifo.NewService(f.store, fifo.Options{
		LotPageSize:    2, // force several pages in every allocation
		VerifyBalances: true,
		Clock:          func() time.Time { return base.Add(24 * time.Hour) },
	})

	cash, err := f.svc.OpenAccount(f.ctx, fifo.AccountInput{ID: "cash", Name: "Bank TWD", Currency: money.Home})
	require.NoError(t, err)
	wallet, err := f.svc.OpenAccount(f.ctx, fifo.AccountInput{ID: "wallet", Name: "Alipay RMB", Currency: money.Foreign})
	require.NoError(t, err)
	cu, err := f.svc.AddCustomer(f.ctx, fifo.CustomerInput{ID: "cust-1", Name: "Chen"})
	require.NoError(t, err)
	f.cash, f.wallet, f.customer = cash.ID, wallet.ID, cu.ID

	_, err = f.svc.Deposit(f.ctx, fifo.DepositInput{AccountID: f.cash, Amount: twd("100000"), Description: "opening"})
	require.NoError(t, err)
	return f
}

func (f *fixture) purchase(qty, cost string, at time.Time) fifo.Purchase {
	f.t.Helper()
	p, err := f.svc.RecordPurchase(f.ctx, fifo.PurchaseInput{
		Quantity:           rmb(qty),
		UnitCost:           rate(cost),
		FundingAccountID:   f.cash,
		ReceivingAccountID: f.wallet,
		At:                 at,
		Actor:              "test",
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) saleInput(qty, proceeds string) fifo.SaleInput {
	return fifo.SaleInput{
		Quantity:   rmb(qty),
		Proceeds:   twd(proceeds),
		AccountID:  f.wallet,
		CustomerID: f.customer,
		At:         base.Add(12 * time.Hour),
		Actor:      "test",
	}
}

func (f *fixture) sell(qty, proceeds string) fifo.Sale {
	f.t.Helper()
	s, err := f.svc.RecordSale(f.ctx, f.saleInput(qty, proceeds))
	require.NoError(f.t, err)
	return s
}

func (f *fixture) settle(amount string) fifo.LedgerEntry {
	f.t.Helper()
	e, err := f.svc.PostSettlement(f.ctx, fifo.SettlementInput{
		CustomerID: f.customer, AccountID: f.cash, Amount: twd(amount), Actor: "test",
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) lot(id fifo.LotID) fifo.Lot {
	f.t.Helper()
	lots, err := f.svc.Lots(f.ctx)
	require.NoError(f.t, err)
	for _, l := range lots {
		if l.ID == id {
			return l
		}
	}
	f.t.Fatalf("lot %s not found", id)
	return fifo.Lot{}
}

func (f *fixture) balance(id fifo.AccountID) money.Amount {
	f.t.Helper()
	b, err := f.svc.AccountBalance(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) receivable() money.Amount {
	f.t.Helper()
	r, err := f.svc.CustomerReceivable(f.ctx, f.customer)
	require.NoError(f.t, err)
	return r
}

// requireReconciled asserts every invariant holds.
func (f *fixture) requireReconciled() {
	f.t.Helper()
	report, err := f.svc.Reconcile(f.ctx)
	require.NoError(f.t, err)
	require.Empty(f.t, report.Mismatches)
}

// twoLots sets up 1000 @ 4.0 followed by 500 @ 4.5.
func (f *fixture) twoLots() (fifo.Purchase, fifo.Purchase) {
	a := f.purchase("1000", "4.0", base)
	b := f.purchase("500", "4.5", base.Add(time.Hour))
	return a, b
}
