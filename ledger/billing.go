/*
billing.go - Credit-card billing cycle calculation

PURPOSE:
  Maps a transaction date plus a card's closing/due day onto the invoice
  month (YYYY-MM) the transaction is billed under, and derives the due
  date for an invoice. All month math wraps year boundaries.

RULES:
  1. Cycle close: a transaction dated on or before the closing day belongs
     to the cycle closing in its own month; after the closing day it rolls
     into the cycle closing the following month. The invoice is named
     after the month its cycle closes in.
  2. Due date: when dueDay <= closingDay the payment falls in the month
     following the close (bank-statement convention); otherwise it falls
     in the close month itself.
  3. A user override on a transaction always beats recomputation and
     survives edits until explicitly cleared.

  Closing/due day values beyond the days of a given month are NOT clamped
  here; callers supply valid 1-31 inputs.

SEE ALSO:
  - types.go: Account.Cycle(), Transaction.InvoiceMonth/InvoiceOverridden
*/
package ledger

import (
	"fmt"
	"time"
)

// Defaults applied when a credit account has no explicit cycle configured.
const (
	DefaultClosingDay = 1
	DefaultDueDay     = 10
)

// BillingCycle is a card's closing/due day pair with defaults applied.
type BillingCycle struct {
	ClosingDay int
	DueDay     int
}

// NewBillingCycle builds a cycle, substituting defaults for unset (zero) days.
func NewBillingCycle(closingDay, dueDay int) BillingCycle {
	if closingDay == 0 {
		closingDay = DefaultClosingDay
	}
	if dueDay == 0 {
		dueDay = DefaultDueDay
	}
	return BillingCycle{ClosingDay: closingDay, DueDay: dueDay}
}

// InvoiceMonth returns the YYYY-MM invoice a transaction on date bills to.
func (c BillingCycle) InvoiceMonth(date time.Time) string {
	year, month := date.Year(), int(date.Month())
	if date.Day() > c.ClosingDay {
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return fmt.Sprintf("%04d-%02d", year, month)
}

// DueDate returns the day the invoice for the given YYYY-MM month must be
// paid. When the due day is on or before the closing day the payment
// wraps into the following month.
func (c BillingCycle) DueDate(invoiceMonth string) (time.Time, error) {
	t, err := time.Parse("2006-01", invoiceMonth)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid invoice month %q", ErrValidation, invoiceMonth)
	}
	year, month := t.Year(), int(t.Month())
	if c.DueDay <= c.ClosingDay {
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return time.Date(year, time.Month(month), c.DueDay, 0, 0, 0, 0, time.UTC), nil
}

// ValidateInvoiceMonth checks a YYYY-MM string.
func ValidateInvoiceMonth(s string) error {
	if _, err := time.Parse("2006-01", s); err != nil {
		return fmt.Errorf("%w: invalid invoice month %q (want YYYY-MM)", ErrValidation, s)
	}
	return nil
}

// MonthOf formats a date's calendar month as YYYY-MM (period-lock keys).
func MonthOf(date time.Time) string {
	return date.Format("2006-01")
}

// ResolveInvoiceMonth decides a transaction's invoice month: a non-empty
// override wins and is marked as such; otherwise the account's cycle
// computes it for credit accounts, and non-credit transactions carry none.
func ResolveInvoiceMonth(acct *Account, date time.Time, override string) (month string, overridden bool) {
	if override != "" {
		return override, true
	}
	if !acct.IsCredit() {
		return "", false
	}
	return acct.Cycle().InvoiceMonth(date), false
}
