/*
errors.go - Error taxonomy for the engine

PURPOSE:
  Every rejection is an explicit error value. Nothing is silently corrected:
  a failure inside a multi-step operation aborts the whole transaction.

ERROR CATEGORIES:
  1. Input errors     - InvalidQuantity, InvalidInput, CurrencyMismatch,
                        InsufficientFunds, InsufficientProfit
  2. Inventory errors - InsufficientInventory, InsufficientLotQuantity,
                        OverRestoration, LotPartiallyConsumed
  3. State errors     - AccountInactive, SettlementAlreadyAppliedConflict,
                        AlreadyReversed, InvalidState
  4. Integrity errors - ReconciliationMismatch (reported, never auto-fixed)
  5. Lookup errors    - *NotFound

USAGE:
  if errors.Is(err, fifo.ErrInsufficientInventory) {
      var inv *fifo.InsufficientInventoryError
      errors.As(err, &inv) // inv.Shortfall
  }
*/
package fifo

import (
	"errors"
	"fmt"

	"github.com/warp/fxledger/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidQuantity                  = errors.New("invalid quantity")
	ErrInsufficientInventory            = errors.New("insufficient inventory")
	ErrInsufficientLotQuantity          = errors.New("insufficient lot quantity")
	ErrOverRestoration                  = errors.New("lot over-restoration")
	ErrLotPartiallyConsumed             = errors.New("lot partially consumed")
	ErrSettlementAlreadyAppliedConflict = errors.New("settlement already applied")
	ErrAccountInactive                  = errors.New("account inactive")
	ErrReconciliationMismatch           = errors.New("reconciliation mismatch")

	ErrInvalidInput       = errors.New("invalid input")
	ErrCurrencyMismatch   = errors.New("currency mismatch")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientProfit = errors.New("insufficient realized profit")
	ErrAlreadyReversed    = errors.New("already reversed")
	ErrInvalidState       = errors.New("invalid state")
	ErrDuplicateID        = errors.New("duplicate id")

	ErrAccountNotFound     = errors.New("account not found")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrSaleNotFound        = errors.New("sale not found")
	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrLotNotFound         = errors.New("lot not found")
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrProfitEntryNotFound = errors.New("profit entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientInventoryError is returned when the lots cannot cover a sale.
type InsufficientInventoryError struct {
	Requested money.Amount
	Available money.Amount
	Shortfall money.Amount
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory: requested %s, available %s, shortfall %s",
		e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// LotQuantityError describes a rejected Reduce or Restore.
type LotQuantityError struct {
	LotID     LotID
	Amount    money.Amount
	Remaining money.Amount
	Original  money.Amount
	cause     error
}

func (e *LotQuantityError) Error() string {
	return fmt.Sprintf("%v: lot %s, amount %s, remaining %s of %s",
		e.cause, e.LotID, e.Amount, e.Remaining, e.Original)
}

func (e *LotQuantityError) Unwrap() error { return e.cause }

// CurrencyError reports an account of the wrong currency for an operation.
type CurrencyError struct {
	AccountID AccountID
	Want      money.Currency
	Got       money.Currency
}

func (e *CurrencyError) Error() string {
	return fmt.Sprintf("currency mismatch: account %s is %s, want %s", e.AccountID, e.Got, e.Want)
}

func (e *CurrencyError) Unwrap() error { return ErrCurrencyMismatch }

// SettlementConflictError names the settlements that block an automatic unwind.
type SettlementConflictError struct {
	SaleID      SaleID
	Settlements []SettlementID
	Reason      string
}

func (e *SettlementConflictError) Error() string {
	return fmt.Sprintf("settlement already applied: sale %s (%v): %s", e.SaleID, e.Settlements, e.Reason)
}

func (e *SettlementConflictError) Unwrap() error { return ErrSettlementAlreadyAppliedConflict }

// MismatchError wraps a failing reconciliation report.
type MismatchError struct {
	Mismatches []Mismatch
}

func (e *MismatchError) Error() string {
	if len(e.Mismatches) == 1 {
		return fmt.Sprintf("reconciliation mismatch: %s", e.Mismatches[0])
	}
	return fmt.Sprintf("reconciliation mismatch: %d findings, first: %s", len(e.Mismatches), e.Mismatches[0])
}

func (e *MismatchError) Unwrap() error { return ErrReconciliationMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the request itself is invalid.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientProfit) ||
		errors.Is(err, ErrAccountInactive)
}

// IsConflict returns true if the request clashes with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrLotPartiallyConsumed) ||
		errors.Is(err, ErrSettlementAlreadyAppliedConflict) ||
		errors.Is(err, ErrInsufficientLotQuantity) ||
		errors.Is(err, ErrOverRestoration) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateID)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrSaleNotFound) ||
		errors.Is(err, ErrPurchaseNotFound) ||
		errors.Is(err, ErrLotNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrProfitEntryNotFound)
}
