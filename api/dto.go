/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO:     Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount and rate travels as a decimal string ("1234.5"), never as a
  JSON number, so no precision is lost on either side. The currency of an
  amount is implied by the field (quantities are RMB, costs and proceeds TWD)
  except for entries and balances, which carry it explicitly.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call decode(),
  which rejects malformed JSON and failed tags with 400 before the service
  sees the request. Semantic checks (positive amounts, active accounts)
  stay in fifo.Service.

SEE ALSO:
  - handlers.go: Uses these types
  - fifo/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/money"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateAccountRequest struct {
	ID       string `json:"id" validate:"omitempty,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
	Holder   string `json:"holder" validate:"max=200"`
	Currency string `json:"currency" validate:"required,oneof=TWD RMB twd rmb"`
}

type CreateCustomerRequest struct {
	ID   string `json:"id" validate:"omitempty,max=64"`
	Name string `json:"name" validate:"required,max=200"`
}

type PurchaseRequest struct {
	Quantity           string     `json:"quantity" validate:"required,numeric"`
	UnitCost           string     `json:"unit_cost" validate:"required,numeric"`
	FundingAccountID   string     `json:"funding_account_id" validate:"required"`
	ReceivingAccountID string     `json:"receiving_account_id" validate:"required"`
	At                 *time.Time `json:"at"`
	Actor              string     `json:"actor"`
	Note               string     `json:"note"`
}

type SaleRequest struct {
	Quantity   string     `json:"quantity" validate:"required,numeric"`
	Proceeds   string     `json:"proceeds" validate:"required,numeric"`
	AccountID  string     `json:"account_id" validate:"required"`
	CustomerID string     `json:"customer_id" validate:"required"`
	At         *time.Time `json:"at"`
	Actor      string     `json:"actor"`
	Note       string     `json:"note"`
}

type PlanRequest struct {
	Quantity string `json:"quantity" validate:"required,numeric"`
}

type SettlementRequest struct {
	CustomerID string     `json:"customer_id" validate:"required"`
	AccountID  string     `json:"account_id" validate:"required"`
	Amount     string     `json:"amount" validate:"required,numeric"`
	At         *time.Time `json:"at"`
	Actor      string     `json:"actor"`
}

// CashRequest is the body of deposit and withdraw.
type CashRequest struct {
	Amount      string     `json:"amount" validate:"required,numeric"`
	Description string     `json:"description"`
	At          *time.Time `json:"at"`
	Actor       string     `json:"actor"`
}

type TransferRequest struct {
	FromAccountID string     `json:"from_account_id" validate:"required"`
	ToAccountID   string     `json:"to_account_id" validate:"required,nefield=FromAccountID"`
	Amount        string     `json:"amount" validate:"required,numeric"`
	Description   string     `json:"description"`
	At            *time.Time `json:"at"`
	Actor         string     `json:"actor"`
}

type CorrectEntryRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	Description string `json:"description"`
	Actor       string `json:"actor"`
}

// ProfitWithdrawalRequest pays realized profit out of a TWD account.
type ProfitWithdrawalRequest struct {
	AccountID   string     `json:"account_id" validate:"required"`
	Amount      string     `json:"amount" validate:"required,numeric"`
	Description string     `json:"description" validate:"max=200"`
	At          *time.Time `json:"at"`
	Actor       string     `json:"actor"`
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type AccountDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Holder   string `json:"holder,omitempty"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Active   bool   `json:"active"`
}

func toAccountDTO(a fifo.Account) AccountDTO {
	return AccountDTO{
		ID: string(a.ID), Name: a.Name, Holder: a.Holder,
		Currency: string(a.Currency), Balance: dec(a.Balance), Active: a.Active,
	}
}

type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
}

type CustomerDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Receivable string `json:"receivable"`
	Active     bool   `json:"active"`
}

func toCustomerDTO(c fifo.Customer) CustomerDTO {
	return CustomerDTO{ID: string(c.ID), Name: c.Name, Receivable: dec(c.Receivable), Active: c.Active}
}

type ReceivableDTO struct {
	CustomerID string `json:"customer_id"`
	Receivable string `json:"receivable"`
}

type PurchaseDTO struct {
	ID                 string     `json:"id"`
	LotID              string     `json:"lot_id"`
	Quantity           string     `json:"quantity"`
	UnitCost           string     `json:"unit_cost"`
	Cost               string     `json:"cost"`
	FundingAccountID   string     `json:"funding_account_id"`
	ReceivingAccountID string     `json:"receiving_account_id"`
	At                 time.Time  `json:"at"`
	Status             string     `json:"status"`
	Actor              string     `json:"actor,omitempty"`
	Note               string     `json:"note,omitempty"`
	ReversedAt         *time.Time `json:"reversed_at,omitempty"`
}

func toPurchaseDTO(p fifo.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:                 string(p.ID),
		LotID:              string(p.LotID),
		Quantity:           dec(p.Quantity),
		UnitCost:           p.UnitCost.String(),
		Cost:               dec(p.Cost),
		FundingAccountID:   string(p.FundingAccountID),
		ReceivingAccountID: string(p.ReceivingAccountID),
		At:                 p.At,
		Status:             string(p.Status),
		Actor:              p.Actor,
		Note:               p.Note,
		ReversedAt:         p.ReversedAt,
	}
}

type AllocationDTO struct {
	ID       string `json:"id"`
	LotID    string `json:"lot_id"`
	Quantity string `json:"quantity"`
	Cost     string `json:"cost"`
}

type SaleDTO struct {
	ID          string          `json:"id"`
	Quantity    string          `json:"quantity"`
	Proceeds    string          `json:"proceeds"`
	Rate        string          `json:"rate"`
	CostOfGoods string          `json:"cost_of_goods"`
	Profit      string          `json:"profit"`
	CustomerID  string          `json:"customer_id"`
	AccountID   string          `json:"account_id"`
	At          time.Time       `json:"at"`
	Status      string          `json:"status"`
	Actor       string          `json:"actor,omitempty"`
	Note        string          `json:"note,omitempty"`
	ReversedAt  *time.Time      `json:"reversed_at,omitempty"`
	Allocations []AllocationDTO `json:"allocations"`
}

func toSaleDTO(s fifo.Sale) SaleDTO {
	dto := SaleDTO{
		ID:          string(s.ID),
		Quantity:    dec(s.Quantity),
		Proceeds:    dec(s.Proceeds),
		Rate:        s.Rate().String(),
		CostOfGoods: dec(s.CostOfGoods()),
		Profit:      dec(s.Profit()),
		CustomerID:  string(s.CustomerID),
		AccountID:   string(s.AccountID),
		At:          s.At,
		Status:      string(s.Status),
		Actor:       s.Actor,
		Note:        s.Note,
		ReversedAt:  s.ReversedAt,
		Allocations: make([]AllocationDTO, 0, len(s.Allocations)),
	}
	for _, a := range s.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			ID: string(a.ID), LotID: string(a.LotID), Quantity: dec(a.Quantity), Cost: dec(a.Cost),
		})
	}
	return dto
}

type PlanLineDTO struct {
	LotID    string `json:"lot_id"`
	Quantity string `json:"quantity"`
	UnitCost string `json:"unit_cost"`
	Cost     string `json:"cost"`
}

type PlanDTO struct {
	Quantity    string        `json:"quantity"`
	CostOfGoods string        `json:"cost_of_goods"`
	Lines       []PlanLineDTO `json:"lines"`
}

func toPlanDTO(p fifo.AllocationPlan) PlanDTO {
	dto := PlanDTO{Quantity: dec(p.Quantity), CostOfGoods: dec(p.CostOfGoods), Lines: make([]PlanLineDTO, 0, len(p.Lines))}
	for _, l := range p.Lines {
		dto.Lines = append(dto.Lines, PlanLineDTO{
			LotID: string(l.LotID), Quantity: dec(l.Quantity), UnitCost: l.UnitCost.String(), Cost: dec(l.Cost),
		})
	}
	return dto
}

type SettlementDTO struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	AccountID  string    `json:"account_id"`
	Amount     string    `json:"amount"`
	At         time.Time `json:"at"`
	EntryID    string    `json:"entry_id"`
	Reversed   bool      `json:"reversed"`
}

func toSettlementDTO(s fifo.Settlement) SettlementDTO {
	return SettlementDTO{
		ID: string(s.ID), CustomerID: string(s.CustomerID), AccountID: string(s.AccountID),
		Amount: dec(s.Amount), At: s.At, EntryID: string(s.EntryID), Reversed: s.Reversed,
	}
}

type EntryDTO struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Kind        string    `json:"kind"`
	AccountID   string    `json:"account_id"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
	Actor       string    `json:"actor,omitempty"`
	RefType     string    `json:"ref_type,omitempty"`
	RefID       string    `json:"ref_id,omitempty"`
	ReversesID  string    `json:"reverses_id,omitempty"`
}

func toEntryDTO(e fifo.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Seq:         e.Seq,
		Kind:        string(e.Kind),
		AccountID:   string(e.AccountID),
		Amount:      dec(e.Amount),
		Currency:    string(e.Amount.Currency),
		Description: e.Description,
		At:          e.At,
		Actor:       e.Actor,
		RefType:     string(e.Ref.Type),
		RefID:       e.Ref.ID,
		ReversesID:  string(e.ReversesID),
	}
}

func toEntryDTOs(entries []fifo.LedgerEntry) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	return out
}

type LotDTO struct {
	ID         string    `json:"id"`
	PurchaseID string    `json:"purchase_id"`
	Seq        int64     `json:"seq"`
	AcquiredAt time.Time `json:"acquired_at"`
	Original   string    `json:"original"`
	Remaining  string    `json:"remaining"`
	UnitCost   string    `json:"unit_cost"`
	Voided     bool      `json:"voided"`
}

func toLotDTO(l fifo.Lot) LotDTO {
	return LotDTO{
		ID: string(l.ID), PurchaseID: string(l.PurchaseID), Seq: l.Seq, AcquiredAt: l.AcquiredAt,
		Original: dec(l.Original), Remaining: dec(l.Remaining), UnitCost: l.UnitCost.String(), Voided: l.Voided,
	}
}

type InventoryDTO struct {
	Lots          int    `json:"lots"`
	Remaining     string `json:"remaining"`
	RemainingCost string `json:"remaining_cost"`
	AverageCost   string `json:"average_cost"`
}

type ProfitDTO struct {
	Sales       int    `json:"sales"`
	Quantity    string `json:"quantity"`
	Proceeds    string `json:"proceeds"`
	CostOfGoods string `json:"cost_of_goods"`
	Profit      string `json:"profit"`
	Withdrawn   string `json:"withdrawn"`
	Net         string `json:"net"`
}

type ProfitEntryDTO struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	SaleID        string    `json:"sale_id,omitempty"`
	AccountID     string    `json:"account_id,omitempty"`
	EntryID       string    `json:"entry_id,omitempty"`
	ReversesID    string    `json:"reverses_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	At            time.Time `json:"at"`
	Actor         string    `json:"actor,omitempty"`
}

func toProfitEntryDTO(e fifo.ProfitEntry) ProfitEntryDTO {
	return ProfitEntryDTO{
		ID:            string(e.ID),
		Kind:          string(e.Kind),
		Amount:        dec(e.Amount),
		BalanceBefore: dec(e.BalanceBefore),
		BalanceAfter:  dec(e.BalanceAfter),
		SaleID:        string(e.SaleID),
		AccountID:     string(e.AccountID),
		EntryID:       string(e.EntryID),
		ReversesID:    string(e.ReversesID),
		Description:   e.Description,
		At:            e.At,
		Actor:         e.Actor,
	}
}

type MismatchDTO struct {
	Check    string `json:"check"`
	Subject  string `json:"subject"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Detail   string `json:"detail,omitempty"`
}

type ReportDTO struct {
	At          time.Time     `json:"at"`
	OK          bool          `json:"ok"`
	Lots        int           `json:"lots"`
	Sales       int           `json:"sales"`
	Accounts    int           `json:"accounts"`
	Customers   int           `json:"customers"`
	Settlements int           `json:"settlements"`
	Profit      string        `json:"profit"`
	Mismatches  []MismatchDTO `json:"mismatches"`
}

func toReportDTO(r fifo.ReconciliationReport) ReportDTO {
	dto := ReportDTO{
		At: r.At, OK: r.OK(), Lots: r.Lots, Sales: r.Sales, Accounts: r.Accounts,
		Customers: r.Customers, Settlements: r.Settlements, Profit: dec(r.Profit),
		Mismatches: make([]MismatchDTO, 0, len(r.Mismatches)),
	}
	for _, m := range r.Mismatches {
		dto.Mismatches = append(dto.Mismatches, MismatchDTO{
			Check: string(m.Check), Subject: m.Subject, Expected: m.Expected.String(), Actual: m.Actual.String(), Detail: m.Detail,
		})
	}
	return dto
}

type RunDTO struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Status      string    `json:"status"`
	Mismatches  int       `json:"mismatches"`
	Error       string    `json:"error,omitempty"`
}

// dec renders an amount without its currency suffix.
func dec(a money.Amount) string { return a.Value.String() }
