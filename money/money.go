/*
Package money provides the fixed-precision amount types used by the ledger.

PURPOSE:
  Every quantity in the system is either a foreign-currency quantity (RMB held
  in lots and accounts) or a home-currency value (TWD paid for lots, received
  from customers). Both are decimal.Decimal underneath so that thousands of
  allocations sum without floating-point drift.

KEY TYPES:
  - Currency: exactly one of the two fixed currencies (Home, Foreign)
  - Amount:   a signed decimal value tagged with its currency
  - Rate:     home-currency units per one foreign-currency unit (unit cost)

CURRENCY SAFETY:
  Arithmetic between amounts of different currencies is a programming error and
  panics. An Amount with an empty currency (the zero value) adopts the currency
  of the other operand, so `var total money.Amount` works as an accumulator.

USAGE:
  qty := money.MustParse("1000", money.Foreign)
  cost := money.MustParseRate("4.0").Convert(qty) // 4000 TWD
*/
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	Home    Currency = "TWD"
	Foreign Currency = "RMB"
)

// ParseCurrency accepts the two supported currency codes, case-insensitively.
func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(s))) {
	case Home:
		return Home, nil
	case Foreign:
		return Foreign, nil
	}
	return "", fmt.Errorf("unsupported currency %q", s)
}

func (c Currency) Valid() bool { return c == Home || c == Foreign }

// =============================================================================
// AMOUNT
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func New(value decimal.Decimal, c Currency) Amount { return Amount{Value: value, Currency: c} }
func FromInt(value int64, c Currency) Amount      { return Amount{Value: decimal.NewFromInt(value), Currency: c} }
func Zero(c Currency) Amount                      { return Amount{Value: decimal.Zero, Currency: c} }

// Parse reads a decimal string such as "1234.56".
func Parse(s string, c Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d, Currency: c}, nil
}

func MustParse(s string, c Currency) Amount {
	a, err := Parse(s, c)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount {
	c := merge(a.Currency, b.Currency)
	return Amount{Value: a.Value.Add(b.Value), Currency: c}
}

func (a Amount) Sub(b Amount) Amount {
	c := merge(a.Currency, b.Currency)
	return Amount{Value: a.Value.Sub(b.Value), Currency: c}
}

func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) Abs() Amount               { return Amount{Value: a.Value.Abs(), Currency: a.Currency} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool       { return a.cmp(b) == 0 }
func (a Amount) GreaterThan(b Amount) bool { return a.cmp(b) > 0 }
func (a Amount) LessThan(b Amount) bool    { return a.cmp(b) < 0 }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Mul scales the amount, keeping its currency.
func (a Amount) Mul(f decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(f), Currency: a.Currency} }

// Round rounds to the currency's display precision (two places for both).
func (a Amount) Round() Amount { return Amount{Value: a.Value.Round(2), Currency: a.Currency} }

func (a Amount) String() string {
	if a.Currency == "" {
		return a.Value.StringFixed(2)
	}
	return a.Value.StringFixed(2) + " " + string(a.Currency)
}

func (a Amount) cmp(b Amount) int {
	merge(a.Currency, b.Currency)
	return a.Value.Cmp(b.Value)
}

func merge(a, b Currency) Currency {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	panic(fmt.Sprintf("money: currency mismatch %s vs %s", a, b))
}

// Sum adds amounts of one currency. The result of an empty call has currency c.
func Sum(c Currency, amounts ...Amount) Amount {
	total := Zero(c)
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// RATE - home currency per foreign unit
// =============================================================================

type Rate struct {
	Value decimal.Decimal
}

func NewRate(d decimal.Decimal) Rate { return Rate{Value: d} }

func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return Rate{Value: d}, nil
}

func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) IsPositive() bool { return r.Value.IsPositive() }
func (r Rate) String() string   { return r.Value.String() }

// Convert values a foreign quantity in home currency. Exact, no rounding.
func (r Rate) Convert(qty Amount) Amount {
	if qty.Currency != "" && qty.Currency != Foreign {
		panic(fmt.Sprintf("money: rate converts %s, got %s", Foreign, qty.Currency))
	}
	return Amount{Value: qty.Value.Mul(r.Value), Currency: Home}
}

// RateOf returns value/qty, e.g. the effective rate of a sale. Zero qty yields a zero rate.
func RateOf(value, qty Amount) Rate {
	if qty.IsZero() {
		return Rate{Value: decimal.Zero}
	}
	return Rate{Value: value.Value.DivRound(qty.Value, 8)}
}
