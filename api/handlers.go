/*
handlers.go - HTTP API handlers for the FX lot ledger

PURPOSE:
  Exposes fifo.Service via REST. Handlers parse and validate the request,
  call exactly one service operation and serialize the result. No ledger
  rule lives here.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                  List accounts
    POST   /api/accounts                  Open account
    GET    /api/accounts/{id}/balance     Maintained balance
    GET    /api/accounts/{id}/entries     Ledger entries of the account
    POST   /api/accounts/{id}/deposit     Home-currency deposit
    POST   /api/accounts/{id}/withdraw    Home-currency withdrawal
    DELETE /api/accounts/{id}             Deactivate
    POST   /api/transfers                 Same-currency transfer
    POST   /api/entries/{id}/correct      Compensate a manual entry

  Inventory:
    POST   /api/purchases                 Record purchase (creates a lot)
    GET    /api/purchases/{id}
    DELETE /api/purchases/{id}            Reverse purchase
    GET    /api/lots                      All lots in FIFO order
    GET    /api/inventory                 Remaining quantity and cost

  Sales:
    POST   /api/sales                     Record sale (FIFO allocation)
    POST   /api/sales/plan                Preview allocation
    GET    /api/sales/{id}
    DELETE /api/sales/{id}                Reverse sale
    GET    /api/profit                    Profit over live sales, withdrawn, net
    GET    /api/profit/history            Profit entries in posting order
    POST   /api/profit/withdraw           Pay out realized profit
    DELETE /api/profit/withdrawals/{id}   Reverse a profit withdrawal

  Receivables:
    GET    /api/customers                 List customers
    POST   /api/customers                 Add customer
    GET    /api/customers/{id}/receivable Outstanding receivable
    POST   /api/settlements               Post customer payment
    DELETE /api/settlements/{id}          Reverse payment

  Reconciliation:
    GET    /api/reconcile                 Run every check now
    GET    /api/reconcile/runs            Scheduler history

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient inventory/funds/profit
  - 404: Resource not found
  - 409: Conflict (already settled, partially consumed lot, duplicate id)
  - 500: Reconciliation mismatch, internal errors

SECURITY NOTE:
  No authentication. Actor names are taken from the request as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/money"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *fifo.Service
	Runs    fifo.RunStore

	log      logrus.FieldLogger
	validate *validator.Validate
}

// NewHandler creates a handler. runs may be nil when no history is kept.
func NewHandler(svc *fifo.Service, runs fifo.RunStore, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service:  svc,
		Runs:     runs,
		log:      log.WithField("component", "api"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Service.Accounts(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list accounts", err)
		return
	}
	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, toAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid currency", err)
		return
	}

	account, err := h.Service.OpenAccount(r.Context(), fifo.AccountInput{
		ID:       fifo.AccountID(req.ID),
		Name:     req.Name,
		Holder:   req.Holder,
		Currency: currency,
	})
	if err != nil {
		h.fail(w, r, "Failed to open account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Service.DeactivateAccount(r.Context(), fifo.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to deactivate account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := fifo.AccountID(chi.URLParam(r, "id"))
	bal, err := h.Service.AccountBalance(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{AccountID: string(id), Balance: dec(bal), Currency: string(bal.Currency)})
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Entries(r.Context(), fifo.EntryFilter{AccountID: fifo.AccountID(chi.URLParam(r, "id"))})
	if err != nil {
		h.fail(w, r, "Failed to get entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.cash(w, r, h.Service.Deposit)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.cash(w, r, h.Service.Withdraw)
}

func (h *Handler) cash(w http.ResponseWriter, r *http.Request, op func(context.Context, fifo.DepositInput) (fifo.LedgerEntry, error)) {
	var req CashRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount, money.Home)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := op(r.Context(), fifo.DepositInput{
		AccountID:   fifo.AccountID(chi.URLParam(r, "id")),
		Amount:      amount,
		Description: req.Description,
		At:          timeOrZero(req.At),
		Actor:       req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to post entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	// Currency is taken from the source account.
	amount, err := money.Parse(req.Amount, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entries, err := h.Service.Transfer(r.Context(), fifo.TransferInput{
		FromAccountID: fifo.AccountID(req.FromAccountID),
		ToAccountID:   fifo.AccountID(req.ToAccountID),
		Amount:        amount,
		Description:   req.Description,
		At:            timeOrZero(req.At),
		Actor:         req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTOs(entries))
}

// CorrectEntry returns the compensating entry and the corrected one.
func (h *Handler) CorrectEntry(w http.ResponseWriter, r *http.Request) {
	var req CorrectEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	rev, fixed, err := h.Service.CorrectEntry(r.Context(), fifo.EntryID(chi.URLParam(r, "id")), amount, req.Description, req.Actor)
	if err != nil {
		h.fail(w, r, "Failed to correct entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTOs([]fifo.LedgerEntry{rev, fixed}))
}

// =============================================================================
// PURCHASE + LOT HANDLERS
// =============================================================================

func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := money.Parse(req.Quantity, money.Foreign)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	unitCost, err := money.ParseRate(req.UnitCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_cost", err)
		return
	}

	p, err := h.Service.RecordPurchase(r.Context(), fifo.PurchaseInput{
		Quantity:           qty,
		UnitCost:           unitCost,
		FundingAccountID:   fifo.AccountID(req.FundingAccountID),
		ReceivingAccountID: fifo.AccountID(req.ReceivingAccountID),
		At:                 timeOrZero(req.At),
		Actor:              req.Actor,
		Note:               req.Note,
	})
	if err != nil {
		h.fail(w, r, "Failed to record purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(p))
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Purchase(r.Context(), fifo.PurchaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p))
}

func (h *Handler) ReversePurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.ReversePurchase(r.Context(), fifo.PurchaseID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reverse purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p))
}

func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Service.Lots(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list lots", err)
		return
	}
	dtos := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		dtos = append(dtos, toLotDTO(l))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Service.InventorySummary(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to summarize inventory", err)
		return
	}
	writeJSON(w, http.StatusOK, InventoryDTO{
		Lots:          sum.Lots,
		Remaining:     dec(sum.Remaining),
		RemainingCost: dec(sum.RemainingCost),
		AverageCost:   sum.AverageCost.String(),
	})
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := money.Parse(req.Quantity, money.Foreign)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	proceeds, err := money.Parse(req.Proceeds, money.Home)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid proceeds", err)
		return
	}

	sale, err := h.Service.RecordSale(r.Context(), fifo.SaleInput{
		Quantity:   qty,
		Proceeds:   proceeds,
		AccountID:  fifo.AccountID(req.AccountID),
		CustomerID: fifo.CustomerID(req.CustomerID),
		At:         timeOrZero(req.At),
		Actor:      req.Actor,
		Note:       req.Note,
	})
	if err != nil {
		h.fail(w, r, "Failed to record sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(sale))
}

func (h *Handler) PlanSale(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := money.Parse(req.Quantity, money.Foreign)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	plan, err := h.Service.PlanSale(r.Context(), qty)
	if err != nil {
		h.fail(w, r, "Failed to plan sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Service.Sale(r.Context(), fifo.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

func (h *Handler) ReverseSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Service.ReverseSale(r.Context(), fifo.SaleID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reverse sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

func (h *Handler) GetProfit(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Service.ProfitSummary(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to summarize profit", err)
		return
	}
	writeJSON(w, http.StatusOK, ProfitDTO{
		Sales:       sum.Sales,
		Quantity:    dec(sum.Quantity),
		Proceeds:    dec(sum.Proceeds),
		CostOfGoods: dec(sum.CostOfGoods),
		Profit:      dec(sum.Profit),
		Withdrawn:   dec(sum.Withdrawn),
		Net:         dec(sum.Net),
	})
}

func (h *Handler) ProfitHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.ProfitEntries(r.Context(), fifo.ProfitFilter{
		Kind:   fifo.ProfitKind(r.URL.Query().Get("kind")),
		SaleID: fifo.SaleID(r.URL.Query().Get("sale_id")),
	})
	if err != nil {
		h.fail(w, r, "Failed to list profit entries", err)
		return
	}
	out := make([]ProfitEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toProfitEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) WithdrawProfit(w http.ResponseWriter, r *http.Request) {
	var req ProfitWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount, money.Home)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := h.Service.WithdrawProfit(r.Context(), fifo.ProfitWithdrawalInput{
		AccountID:   fifo.AccountID(req.AccountID),
		Amount:      amount,
		Description: req.Description,
		At:          timeOrZero(req.At),
		Actor:       req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to withdraw profit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProfitEntryDTO(entry))
}

func (h *Handler) ReverseProfitWithdrawal(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Service.ReverseProfitWithdrawal(r.Context(), fifo.ProfitEntryID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reverse profit withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfitEntryDTO(entry))
}

// =============================================================================
// CUSTOMER + SETTLEMENT HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Service.Customers(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list customers", err)
		return
	}
	dtos := make([]CustomerDTO, 0, len(customers))
	for _, c := range customers {
		dtos = append(dtos, toCustomerDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Service.AddCustomer(r.Context(), fifo.CustomerInput{ID: fifo.CustomerID(req.ID), Name: req.Name})
	if err != nil {
		h.fail(w, r, "Failed to add customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

func (h *Handler) GetReceivable(w http.ResponseWriter, r *http.Request) {
	id := fifo.CustomerID(chi.URLParam(r, "id"))
	amount, err := h.Service.CustomerReceivable(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get receivable", err)
		return
	}
	writeJSON(w, http.StatusOK, ReceivableDTO{CustomerID: string(id), Receivable: dec(amount)})
}

// PostSettlement returns the settlement's ledger entry; ref_id is the settlement id.
func (h *Handler) PostSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount, money.Home)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := h.Service.PostSettlement(r.Context(), fifo.SettlementInput{
		CustomerID: fifo.CustomerID(req.CustomerID),
		AccountID:  fifo.AccountID(req.AccountID),
		Amount:     amount,
		At:         timeOrZero(req.At),
		Actor:      req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to post settlement", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) ReverseSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.ReverseSettlement(r.Context(), fifo.SettlementID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reverse settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(st))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// Reconcile answers 200 on a clean book and 500 with the findings otherwise.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Reconcile(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to reconcile", err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toReportDTO(report))
}

func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []RunDTO{})
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to get reconciliation runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, RunDTO{
			ID:          run.ID,
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
			Status:      string(run.Status),
			Mismatches:  run.Mismatches,
			Error:       run.Error,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into req and validates it. On failure it has
// already written the 400 response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	if err := d.Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps the engine's error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case fifo.IsMismatch(err):
		return http.StatusInternalServerError
	case fifo.IsNotFound(err):
		return http.StatusNotFound
	case fifo.IsClientError(err):
		return http.StatusBadRequest
	case fifo.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error(message)
	}
	writeError(w, status, message, err)
}

func actor(r *http.Request) string {
	return r.URL.Query().Get("actor")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
