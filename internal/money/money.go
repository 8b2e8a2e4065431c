// Package money fixes the precision policy for every amount that flows
// through the ledger. All values are shopspring/decimal; float64 is never
// used for money or quantities.
//
// Persisted values are rounded half to even (banker's rounding) to the
// scale of their field. Intermediate products and quotients are kept at
// full precision until that final rounding.
package money

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Field scales, in fractional digits.
const (
	// MoneyScale applies to cash balances, transfer amounts, trade totals
	// and realized P&L.
	MoneyScale int32 = 2

	// QuantityScale applies to trade and holding quantities.
	QuantityScale int32 = 2

	// PriceScale applies to unit prices and average cost.
	PriceScale int32 = 8
)

// Currency is the single settlement currency of the ledger.
const Currency = money.USD

// Round rounds d half to even at the given scale.
func Round(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.RoundBank(scale)
}

// Money rounds d to MoneyScale.
func Money(d decimal.Decimal) decimal.Decimal { return Round(d, MoneyScale) }

// Price rounds d to PriceScale.
func Price(d decimal.Decimal) decimal.Decimal { return Round(d, PriceScale) }

// Total returns the cash value of quantity units at price, rounded to
// MoneyScale. This is the amount a trade moves on the cash balance.
func Total(quantity, price decimal.Decimal) decimal.Decimal {
	return Money(quantity.Mul(price))
}

// Div returns num/den rounded half to even at scale. The rounding decision
// is made on the exact remainder, so no intermediate rounding occurs.
// Div panics if den is zero, like decimal.Decimal.Div.
func Div(num, den decimal.Decimal, scale int32) decimal.Decimal {
	q, r := num.QuoRem(den, scale)
	if r.IsZero() {
		return q
	}

	// |r| / |den| is the discarded fraction measured in units of 10^-scale.
	half := den.Abs().Shift(-scale)
	cmp := r.Abs().Mul(decimal.NewFromInt(2)).Cmp(half)
	if cmp < 0 {
		return q
	}
	if cmp == 0 && q.Shift(scale).BigInt().Bit(0) == 0 {
		return q
	}

	ulp := decimal.New(1, -scale)
	if num.Sign()*den.Sign() < 0 {
		return q.Sub(ulp)
	}
	return q.Add(ulp)
}

// CheckScale reports whether d has at most scale significant fractional
// digits. Trailing zeros do not count: 1.50 passes at scale 1.
func CheckScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}

// Format renders d as a display string in the settlement currency,
// e.g. "$1,234.56". Only reporting code uses it.
func Format(d decimal.Decimal) string {
	cents := Money(d).Shift(MoneyScale).IntPart()
	return money.New(cents, Currency).Display()
}
