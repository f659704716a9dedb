/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Purchase, sale, settlement and reversal round trips over HTTP
- Error status mapping (400 / 404 / 409)
- Request validation
- Reconciliation report and run history
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/fifo/store"
)

var base = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	t      *testing.T
	store  *store.Memory
	svc    *fifo.Service
	server *httptest.Server
	logs   *test.Hook
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	mem := store.NewMemory()
	svc := fifo.NewService(mem, fifo.Options{
		VerifyBalances: true,
		Logger:         logger,
		Clock:          func() time.Time { return base.Add(24 * time.Hour) },
	})
	srv := httptest.NewServer(NewRouter(NewHandler(svc, mem, logger), nil))
	t.Cleanup(srv.Close)

	f := &apiFixture{t: t, store: mem, svc: svc, server: srv, logs: hook}
	f.do(http.MethodPost, "/api/accounts", map[string]any{"id": "cash", "name": "Bank", "currency": "TWD"}, http.StatusCreated, nil)
	f.do(http.MethodPost, "/api/accounts", map[string]any{"id": "wallet", "name": "Alipay", "currency": "rmb"}, http.StatusCreated, nil)
	f.do(http.MethodPost, "/api/customers", map[string]any{"id": "cust-1", "name": "Chen"}, http.StatusCreated, nil)
	f.do(http.MethodPost, "/api/accounts/cash/deposit", map[string]any{"amount": "100000"}, http.StatusCreated, nil)
	return f
}

// do sends body as JSON, asserts the status and decodes the response into out.
func (f *apiFixture) do(method, path string, body any, wantStatus int, out any) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	if !assert.Equal(f.t, wantStatus, resp.StatusCode, "%s %s", method, path) {
		var e ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		f.t.Logf("error body: %+v", e)
		return
	}
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func (f *apiFixture) purchase(qty, cost string, at time.Time) PurchaseDTO {
	f.t.Helper()
	var p PurchaseDTO
	f.do(http.MethodPost, "/api/purchases", map[string]any{
		"quantity": qty, "unit_cost": cost,
		"funding_account_id": "cash", "receiving_account_id": "wallet",
		"at": at,
	}, http.StatusCreated, &p)
	return p
}

func (f *apiFixture) sale(qty, proceeds string, wantStatus int) SaleDTO {
	f.t.Helper()
	var s SaleDTO
	f.do(http.MethodPost, "/api/sales", map[string]any{
		"quantity": qty, "proceeds": proceeds, "account_id": "wallet", "customer_id": "cust-1",
		"at": base.Add(12 * time.Hour),
	}, wantStatus, &s)
	return s
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestAPI_SaleAllocatesFIFO(t *testing.T) {
	// GIVEN: two lots
	f := newAPIFixture(t)
	a := f.purchase("1000", "4.0", base)
	b := f.purchase("500", "4.5", base.Add(time.Hour))

	// WHEN: a plan is requested, then the sale is posted
	var plan PlanDTO
	f.do(http.MethodPost, "/api/sales/plan", map[string]any{"quantity": "1200"}, http.StatusOK, &plan)
	sale := f.sale("1200", "6000", http.StatusCreated)

	// THEN: plan and sale agree on the FIFO split
	require.Len(t, plan.Lines, 2)
	assert.Equal(t, "4900", plan.CostOfGoods)
	require.Len(t, sale.Allocations, 2)
	assert.Equal(t, a.LotID, sale.Allocations[0].LotID)
	assert.Equal(t, "1000", sale.Allocations[0].Quantity)
	assert.Equal(t, b.LotID, sale.Allocations[1].LotID)
	assert.Equal(t, "200", sale.Allocations[1].Quantity)
	assert.Equal(t, "4900", sale.CostOfGoods)
	assert.Equal(t, "1100", sale.Profit)

	var bal BalanceDTO
	f.do(http.MethodGet, "/api/accounts/wallet/balance", nil, http.StatusOK, &bal)
	assert.Equal(t, "300", bal.Balance)
	assert.Equal(t, "RMB", bal.Currency)

	var inv InventoryDTO
	f.do(http.MethodGet, "/api/inventory", nil, http.StatusOK, &inv)
	assert.Equal(t, 1, inv.Lots)
	assert.Equal(t, "300", inv.Remaining)
}

func TestAPI_SettlementAndReversal(t *testing.T) {
	// GIVEN: a sale of 400 for 2000
	f := newAPIFixture(t)
	f.purchase("1000", "4.0", base)
	sale := f.sale("400", "2000", http.StatusCreated)

	// WHEN: the customer pays half
	var entry EntryDTO
	f.do(http.MethodPost, "/api/settlements", map[string]any{
		"customer_id": "cust-1", "account_id": "cash", "amount": "1000",
	}, http.StatusCreated, &entry)

	// THEN: the receivable drops
	assert.Equal(t, "settlement", entry.Kind)
	assert.Equal(t, "settlement", entry.RefType)
	var rec ReceivableDTO
	f.do(http.MethodGet, "/api/customers/cust-1/receivable", nil, http.StatusOK, &rec)
	assert.Equal(t, "1000", rec.Receivable)

	// WHEN: the settlement is reversed, then the sale
	var st SettlementDTO
	f.do(http.MethodDelete, "/api/settlements/"+entry.RefID+"?actor=ops", nil, http.StatusOK, &st)
	assert.True(t, st.Reversed)
	var reversed SaleDTO
	f.do(http.MethodDelete, "/api/sales/"+sale.ID+"?actor=ops", nil, http.StatusOK, &reversed)

	// THEN: nothing is owed and the lot is whole
	assert.Equal(t, "reversed", reversed.Status)
	f.do(http.MethodGet, "/api/customers/cust-1/receivable", nil, http.StatusOK, &rec)
	assert.Equal(t, "0", rec.Receivable)

	var lots []LotDTO
	f.do(http.MethodGet, "/api/lots", nil, http.StatusOK, &lots)
	require.Len(t, lots, 1)
	assert.Equal(t, "1000", lots[0].Remaining)

	var report ReportDTO
	f.do(http.MethodGet, "/api/reconcile", nil, http.StatusOK, &report)
	assert.True(t, report.OK)
}

func TestAPI_TransferAndCorrection(t *testing.T) {
	f := newAPIFixture(t)
	f.do(http.MethodPost, "/api/accounts", map[string]any{"id": "cash2", "name": "Second bank", "currency": "TWD"}, http.StatusCreated, nil)

	var entries []EntryDTO
	f.do(http.MethodPost, "/api/transfers", map[string]any{
		"from_account_id": "cash", "to_account_id": "cash2", "amount": "250",
	}, http.StatusCreated, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "-250", entries[0].Amount)
	assert.Equal(t, "TWD", entries[1].Currency)

	// A deposit posted as 500 instead of 50.
	var dep EntryDTO
	f.do(http.MethodPost, "/api/accounts/cash2/deposit", map[string]any{"amount": "500"}, http.StatusCreated, &dep)
	var fixed []EntryDTO
	f.do(http.MethodPost, "/api/entries/"+dep.ID+"/correct", map[string]any{"amount": "50", "actor": "ops"}, http.StatusCreated, &fixed)
	require.Len(t, fixed, 2)
	assert.Equal(t, dep.ID, fixed[0].ReversesID)

	var bal BalanceDTO
	f.do(http.MethodGet, "/api/accounts/cash2/balance", nil, http.StatusOK, &bal)
	assert.Equal(t, "300", bal.Balance)
}

func TestAPI_ProfitWithdrawal(t *testing.T) {
	// GIVEN: a sale of 1200 for 5400 against lots costing 4900
	f := newAPIFixture(t)
	f.purchase("1000", "4.0", base)
	f.purchase("500", "4.5", base.Add(time.Hour))
	f.sale("1200", "5400", http.StatusCreated)

	// WHEN: more than the realized profit is withdrawn
	var e ErrorResponse
	f.do(http.MethodPost, "/api/profit/withdraw", map[string]any{
		"account_id": "cash", "amount": "600",
	}, http.StatusBadRequest, &e)

	// THEN: it is refused
	assert.Contains(t, e.Details, "insufficient realized profit")

	// WHEN: part of it is withdrawn
	var w ProfitEntryDTO
	f.do(http.MethodPost, "/api/profit/withdraw", map[string]any{
		"account_id": "cash", "amount": "300", "actor": "owner",
	}, http.StatusCreated, &w)

	// THEN: the profit book and the summary both show the payout
	assert.Equal(t, "withdrawn", w.Kind)
	assert.Equal(t, "-300", w.Amount)
	assert.Equal(t, "500", w.BalanceBefore)
	assert.Equal(t, "200", w.BalanceAfter)
	assert.NotEmpty(t, w.EntryID)

	var profit ProfitDTO
	f.do(http.MethodGet, "/api/profit", nil, http.StatusOK, &profit)
	assert.Equal(t, "500", profit.Profit)
	assert.Equal(t, "300", profit.Withdrawn)
	assert.Equal(t, "200", profit.Net)

	var history []ProfitEntryDTO
	f.do(http.MethodGet, "/api/profit/history", nil, http.StatusOK, &history)
	require.Len(t, history, 2)
	assert.Equal(t, "earned", history[0].Kind)
	f.do(http.MethodGet, "/api/profit/history?kind=withdrawn", nil, http.StatusOK, &history)
	require.Len(t, history, 1)
	assert.Equal(t, w.ID, history[0].ID)

	// WHEN: the withdrawal is reversed
	f.do(http.MethodDelete, "/api/profit/withdrawals/"+w.ID+"?actor=ops", nil, http.StatusOK, nil)

	// THEN: the full profit is available again and the books agree
	f.do(http.MethodGet, "/api/profit", nil, http.StatusOK, &profit)
	assert.Equal(t, "0", profit.Withdrawn)
	assert.Equal(t, "500", profit.Net)

	var report ReportDTO
	f.do(http.MethodGet, "/api/reconcile", nil, http.StatusOK, &report)
	assert.True(t, report.OK)
	assert.Equal(t, "500", report.Profit)

	t.Run("missing account is 400", func(t *testing.T) {
		f.do(http.MethodPost, "/api/profit/withdraw", map[string]any{"amount": "1"}, http.StatusBadRequest, nil)
	})

	t.Run("unknown withdrawal is 404", func(t *testing.T) {
		f.do(http.MethodDelete, "/api/profit/withdrawals/nope", nil, http.StatusNotFound, nil)
	})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorStatuses(t *testing.T) {
	f := newAPIFixture(t)
	p := f.purchase("100", "4.0", base)

	t.Run("insufficient inventory is 400", func(t *testing.T) {
		var e ErrorResponse
		f.do(http.MethodPost, "/api/sales", map[string]any{
			"quantity": "500", "proceeds": "2500", "account_id": "wallet", "customer_id": "cust-1",
		}, http.StatusBadRequest, &e)
		assert.Contains(t, e.Details, "insufficient inventory")
	})

	t.Run("unknown sale is 404", func(t *testing.T) {
		f.do(http.MethodGet, "/api/sales/nope", nil, http.StatusNotFound, nil)
	})

	t.Run("reversing a partly sold purchase is 409", func(t *testing.T) {
		f.sale("10", "50", http.StatusCreated)
		f.do(http.MethodDelete, "/api/purchases/"+p.ID, nil, http.StatusConflict, nil)
	})

	t.Run("withdrawing from a foreign account is 400", func(t *testing.T) {
		f.do(http.MethodPost, "/api/accounts/wallet/withdraw", map[string]any{"amount": "1"}, http.StatusBadRequest, nil)
	})

	t.Run("duplicate account is 409", func(t *testing.T) {
		f.do(http.MethodPost, "/api/accounts", map[string]any{"id": "cash", "name": "again", "currency": "TWD"}, http.StatusConflict, nil)
	})
}

func TestAPI_Validation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		path string
		body map[string]any
	}{
		{"missing quantity", "/api/sales", map[string]any{"proceeds": "1", "account_id": "wallet", "customer_id": "cust-1"}},
		{"non-numeric amount", "/api/settlements", map[string]any{"customer_id": "cust-1", "account_id": "cash", "amount": "ten"}},
		{"unsupported currency", "/api/accounts", map[string]any{"name": "x", "currency": "USD"}},
		{"transfer to itself", "/api/transfers", map[string]any{"from_account_id": "cash", "to_account_id": "cash", "amount": "1"}},
		{"unknown field", "/api/customers", map[string]any{"name": "x", "email": "x@example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e ErrorResponse
			f.do(http.MethodPost, tc.path, tc.body, http.StatusBadRequest, &e)
			assert.NotEmpty(t, e.Error)
		})
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestAPI_ReconcileReportsDrift(t *testing.T) {
	// GIVEN: a book whose cash balance was tampered with behind the ledger
	f := newAPIFixture(t)
	f.purchase("100", "4.0", base)
	require.NoError(t, f.store.WithTx(context.Background(), func(tx fifo.Tx) error {
		a, err := tx.GetAccount(context.Background(), "cash")
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Add(a.Balance)
		return tx.UpdateAccount(context.Background(), a)
	}))

	// WHEN: reconciliation runs
	var report ReportDTO
	f.do(http.MethodGet, "/api/reconcile", nil, http.StatusInternalServerError, &report)

	// THEN: the drift is reported and logged
	assert.False(t, report.OK)
	require.NotEmpty(t, report.Mismatches)
	assert.Equal(t, string(fifo.CheckLedgerBalance), report.Mismatches[0].Check)

	warned := false
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["check"] == fifo.CheckLedgerBalance {
			warned = true
		}
	}
	assert.True(t, warned, "mismatch should be logged at warn")
}

func TestAPI_ReconciliationRuns(t *testing.T) {
	f := newAPIFixture(t)
	sched := NewReconciliationScheduler(f.svc, f.store, nil)
	sched.RunNow(context.Background())

	var runs []RunDTO
	f.do(http.MethodGet, "/api/reconcile/runs?limit=5", nil, http.StatusOK, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Status)

	f.do(http.MethodGet, "/api/reconcile/runs?limit=abc", nil, http.StatusBadRequest, nil)
}
