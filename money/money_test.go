package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/money"
)

func TestAmount_NoFloatDrift(t *testing.T) {
	// 10,000 additions of 0.1 must be exactly 1000
	total := money.Zero(money.Home)
	step := money.MustParse("0.1", money.Home)
	for i := 0; i < 10000; i++ {
		total = total.Add(step)
	}
	assert.True(t, total.Equal(money.FromInt(1000, money.Home)), "got %s", total)
}

func TestAmount_ZeroValueAdoptsCurrency(t *testing.T) {
	var total money.Amount
	total = total.Add(money.FromInt(5, money.Foreign))
	assert.Equal(t, money.Foreign, total.Currency)
	assert.Equal(t, "5.00 RMB", total.String())
}

func TestAmount_CurrencyMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		money.FromInt(1, money.Home).Add(money.FromInt(1, money.Foreign))
	})
	assert.Panics(t, func() {
		money.FromInt(1, money.Home).LessThan(money.FromInt(1, money.Foreign))
	})
}

func TestAmount_Comparisons(t *testing.T) {
	a := money.MustParse("200", money.Foreign)
	b := money.MustParse("1000", money.Foreign)

	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.Min(b).Equal(a))
	assert.True(t, a.Sub(b).IsNegative())
	assert.True(t, a.Sub(b).Neg().Equal(money.FromInt(800, money.Foreign)))
}

func TestRate_Convert(t *testing.T) {
	qty := money.MustParse("200", money.Foreign)
	cost := money.MustParseRate("4.5").Convert(qty)

	assert.Equal(t, money.Home, cost.Currency)
	assert.True(t, cost.Value.Equal(decimal.NewFromInt(900)))
}

func TestRate_ConvertRejectsHomeQuantity(t *testing.T) {
	assert.Panics(t, func() {
		money.MustParseRate("4").Convert(money.FromInt(1, money.Home))
	})
}

func TestRateOf(t *testing.T) {
	r := money.RateOf(money.FromInt(5400, money.Home), money.FromInt(1200, money.Foreign))
	assert.Equal(t, "4.5", r.String())

	assert.True(t, money.RateOf(money.FromInt(1, money.Home), money.Zero(money.Foreign)).Value.IsZero())
}

func TestParseCurrency(t *testing.T) {
	c, err := money.ParseCurrency(" rmb ")
	require.NoError(t, err)
	assert.Equal(t, money.Foreign, c)

	_, err = money.ParseCurrency("USD")
	assert.Error(t, err)
}

func TestSum(t *testing.T) {
	s := money.Sum(money.Home, money.FromInt(4000, money.Home), money.FromInt(900, money.Home))
	assert.True(t, s.Equal(money.FromInt(4900, money.Home)))
	assert.Equal(t, money.Home, money.Sum(money.Home).Currency)
}
