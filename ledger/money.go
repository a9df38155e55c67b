/*
money.go - Fixed-point monetary amounts

PURPOSE:
  Amount is the single monetary representation used across the engine:
  a signed integer count of minor units (cents). Negative amounts are
  expenses (or debt, on credit accounts), positive amounts are income.

DESIGN PRINCIPLES:
  1. Integer arithmetic: balances are sums of int64 values, so the
     balance invariant can be checked exactly. No floats anywhere.
  2. Exact parsing: user-facing decimal strings ("1234.56") go through
     shopspring/decimal so "0.1 + 0.2" style drift cannot enter the ledger.
  3. Presentation is separate: Display() renders through Rhymond/go-money
     for currency-aware formatting; the core never parses Display output.

SEE ALSO:
  - types.go: Account and Transaction carry Amount fields
  - validator.go: balance/credit arithmetic on Amount
*/
package ledger

import (
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Signed minor-unit quantity
// =============================================================================

// Amount is a signed monetary value in minor units (cents).
type Amount int64

// NewAmount builds an Amount from a minor-unit count.
func NewAmount(minor int64) Amount { return Amount(minor) }

// ParseAmount converts a decimal string ("1234.56") into minor units.
// Values with more than two fraction digits are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a decimal major-unit value into minor units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s has sub-cent precision", ErrValidation, d.String())
	}
	return Amount(shifted.IntPart()), nil
}

// Decimal returns the major-unit decimal value (cents shifted down).
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// String renders the amount as a plain decimal string ("-123.45").
func (a Amount) String() string { return a.Decimal().StringFixed(2) }

// Display renders the amount with currency formatting, e.g. "R$1.234,56".
// Presentation only; never parsed back.
func (a Amount) Display(currencyCode string) string {
	return money.New(int64(a), currencyCode).Display()
}

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }
func (a Amount) Neg() Amount         { return -a }
func (a Amount) IsZero() bool        { return a == 0 }
func (a Amount) IsNegative() bool    { return a < 0 }
func (a Amount) IsPositive() bool    { return a > 0 }

// Abs returns the positive magnitude.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Min returns the smaller of the two amounts.
func (a Amount) Min(b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Debt returns the magnitude of the negative part of a balance:
// Debt(-300) = 300, Debt(150) = 0. Used for credit exposure.
func (a Amount) Debt() Amount {
	if a < 0 {
		return -a
	}
	return 0
}
