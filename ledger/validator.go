/*
validator.go - Available balance / credit validation

PURPOSE:
  Computes whether a requested balance change fits the account's available
  funds or remaining credit and classifies the risk (ok / warning /
  blocked). This is the advisory check run before the storage procedure;
  the hard constraint is re-validated atomically inside the procedure
  itself to close the race between check and commit.

ENTRY POINTS:
  CheckSync: uses only the account's current balance and limit.
  Check:     additionally sums outstanding pending expenses on the account
             (credit exposure), excluding the transaction being edited so
             it isn't counted twice.

FAIL CLOSED:
  If the pending-exposure query fails, the result is invalid. Balance
  correctness outranks availability.

EDITS:
  Callers pass the NET signed delta versus the original transaction, not
  the full new amount.

SEE ALSO:
  - errors.go: InsufficientFundsError / CreditLimitError
  - store.go: PendingReader
*/
package ledger

import (
	"context"
	"fmt"
)

// warningNum/warningDen encode the 20%-remaining warning threshold.
const (
	warningNum = 1
	warningDen = 5
)

// PendingReader supplies the not-yet-settled expense exposure of an
// account. Implemented by the storage layer.
type PendingReader interface {
	// SumPendingExpenses returns the total positive magnitude of pending
	// expense transactions on the account, excluding the given transaction
	// (use "" when not editing).
	SumPendingExpenses(ctx context.Context, accountID AccountID, exclude TransactionID) (Amount, error)
}

// CheckResult reports a validation outcome with the figures the calling
// layer needs for user feedback.
type CheckResult struct {
	Valid            bool
	Reason           error // nil when valid; InsufficientFundsError/CreditLimitError/cause otherwise
	Warning          bool  // valid but less than 20% headroom remains
	Available        Amount
	Requested        Amount // positive magnitude of the spend, 0 for income
	ResultingBalance Amount
}

// CheckSync validates a signed delta against the account's balance and
// limit alone. Income (positive delta) is always valid.
func CheckSync(acct *Account, delta Amount) CheckResult {
	return check(acct, delta, 0)
}

// Check validates a signed delta including pending expense exposure on
// credit accounts. exclude names a transaction being edited, so its own
// pending amount is not double counted. Fails closed on query errors.
func Check(ctx context.Context, reader PendingReader, acct *Account, delta Amount, exclude TransactionID) CheckResult {
	var pending Amount
	if acct.IsCredit() {
		sum, err := reader.SumPendingExpenses(ctx, acct.ID, exclude)
		if err != nil {
			return CheckResult{
				Valid:  false,
				Reason: fmt.Errorf("pending exposure unavailable: %w", err),
			}
		}
		pending = sum
	}
	return check(acct, delta, pending)
}

func check(acct *Account, delta Amount, pending Amount) CheckResult {
	resulting := acct.Balance.Add(delta)

	// Income or debt reduction: always valid.
	if !delta.IsNegative() {
		return CheckResult{Valid: true, ResultingBalance: resulting}
	}

	requested := delta.Neg()

	if acct.IsCredit() {
		used := acct.Balance.Debt().Add(pending)
		available := acct.CreditLimit.Sub(used)
		if requested > available {
			return CheckResult{
				Valid: false,
				Reason: &CreditLimitError{
					AccountID: acct.ID,
					Limit:     acct.CreditLimit,
					Used:      used,
					Available: available,
					Requested: requested,
				},
				Available:        available,
				Requested:        requested,
				ResultingBalance: acct.Balance,
			}
		}
		remaining := available.Sub(requested)
		return CheckResult{
			Valid:            true,
			Warning:          int64(remaining)*warningDen < int64(acct.CreditLimit)*warningNum,
			Available:        available,
			Requested:        requested,
			ResultingBalance: resulting,
		}
	}

	// Non-credit: CreditLimit doubles as the overdraft allowance.
	available := acct.Balance.Add(acct.CreditLimit)
	if requested > available {
		return CheckResult{
			Valid: false,
			Reason: &InsufficientFundsError{
				AccountID: acct.ID,
				Available: available,
				Requested: requested,
			},
			Available:        available,
			Requested:        requested,
			ResultingBalance: acct.Balance,
		}
	}
	remaining := available.Sub(requested)
	return CheckResult{
		Valid:            true,
		Warning:          int64(remaining)*warningDen < int64(available)*warningNum,
		Available:        available,
		Requested:        requested,
		ResultingBalance: resulting,
	}
}
