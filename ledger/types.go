/*
Package ledger provides the core personal-ledger mutation engine.

PURPOSE:
  This package contains the domain model and algorithms for a personal
  ledger that keeps account balances consistent under concurrent, retried,
  and offline-originated mutations: accounts, transactions, transfers,
  credit-card billing cycles, and balance/credit validation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: a checking/savings/credit/investment account with a balance
  - Transaction: a dated, signed balance change on one account
  - Mutation requests: the tagged union of the five mutation intents
  - PendingOperation: an offline-queued mutation awaiting replay

CRITICAL INVARIANT:
  An account's Balance always equals the sum of the signed amounts of its
  COMPLETED transactions (transfers count on both sides). The invariant is
  enforced by the storage procedures, never by read-modify-write in the
  service layer.

SIGN CONVENTION:
  Amounts are stored signed: income positive, expense negative. Type is a
  discriminator kept for billing and display; balance arithmetic only ever
  looks at the sign.

SEE ALSO:
  - validator.go: available balance/credit computation
  - billing.go: invoice-month calculation for credit cards
  - store.go: storage interfaces and atomic mutation procedures
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountKind string

const (
	AccountChecking   AccountKind = "checking"
	AccountSavings    AccountKind = "savings"
	AccountCredit     AccountKind = "credit"
	AccountInvestment AccountKind = "investment"
	AccountOther      AccountKind = "other"
)

// Account is a single owner's account. Balance is mutated only by the
// storage-layer mutation procedures.
type Account struct {
	ID      AccountID
	Owner   string
	Kind    AccountKind
	Balance Amount // signed; negative = debt on credit accounts

	// CreditLimit is the card limit on credit accounts and the overdraft
	// allowance on everything else (zero = no overdraft).
	CreditLimit Amount

	// Billing cycle, credit accounts only. Zero means unset (defaults apply).
	ClosingDay int
	DueDay     int

	// Presentation fields, ignored by the core.
	Color string
	Label string

	CreatedAt time.Time
}

// IsCredit reports whether the account is billed through invoice cycles.
func (a *Account) IsCredit() bool { return a.Kind == AccountCredit }

// Cycle returns the account's billing cycle with defaults applied.
func (a *Account) Cycle() BillingCycle {
	return NewBillingCycle(a.ClosingDay, a.DueDay)
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxIncome   TransactionType = "income"
	TxExpense  TransactionType = "expense"
	TxTransfer TransactionType = "transfer"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
)

// Transaction is a single dated balance change on one account.
type Transaction struct {
	ID               TransactionID
	AccountID        AccountID
	CounterAccountID AccountID // other side of a transfer/bill payment, if any
	Description      string
	Amount           Amount // signed: income > 0, expense < 0
	Type             TransactionType
	Status           TransactionStatus
	Date             time.Time

	// Installment/recurring series linkage.
	ParentID         TransactionID
	InstallmentIndex int

	// Invoice month (YYYY-MM) for credit-account transactions. When
	// InvoiceOverridden is set the stored value always wins over
	// recomputation and survives edits until explicitly cleared.
	InvoiceMonth      string
	InvoiceOverridden bool

	// LinkedTransactionID pairs the two legs of a transfer or bill payment.
	LinkedTransactionID TransactionID

	CreatedAt time.Time
}

// IsCompleted reports whether the transaction counts toward the balance.
func (t *Transaction) IsCompleted() bool { return t.Status == StatusCompleted }

// =============================================================================
// MUTATION REQUESTS - tagged union of the five operation kinds
// =============================================================================

type MutationKind string

const (
	MutationCreate   MutationKind = "create"
	MutationEdit     MutationKind = "edit"
	MutationDelete   MutationKind = "delete"
	MutationTransfer MutationKind = "transfer"
	MutationPayBill  MutationKind = "pay_bill"
)

// EditScope selects which rows of an installment/recurring series an edit
// or delete applies to.
type EditScope string

const (
	ScopeCurrent   EditScope = "current"
	ScopeRemaining EditScope = "current-and-remaining"
	ScopeAll       EditScope = "all"
)

func (s EditScope) Valid() bool {
	switch s {
	case ScopeCurrent, ScopeRemaining, ScopeAll:
		return true
	}
	return false
}

// CreateRequest creates one transaction, or a monthly installment series
// when Installments >= 2 (Amount is the per-installment amount; children
// share a generated ParentID and advance one month per index).
type CreateRequest struct {
	ID           TransactionID // optional; generated when empty
	AccountID    AccountID
	Description  string
	Amount       Amount // signed
	Type         TransactionType
	Status       TransactionStatus
	Date         time.Time
	InvoiceMonth string // optional user override (YYYY-MM)
	Installments int    // 0 or 1 = single; >= 2 = series length
}

func (r *CreateRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrValidation)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be non-zero", ErrValidation)
	}
	switch r.Type {
	case TxIncome:
		if r.Amount.IsNegative() {
			return fmt.Errorf("%w: income amount must be positive", ErrValidation)
		}
	case TxExpense:
		if r.Amount.IsPositive() {
			return fmt.Errorf("%w: expense amount must be negative", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: type must be income or expense", ErrValidation)
	}
	switch r.Status {
	case StatusPending, StatusCompleted:
	default:
		return fmt.Errorf("%w: status must be pending or completed", ErrValidation)
	}
	if r.Installments < 0 || r.Installments == 1 {
		return fmt.Errorf("%w: installments must be 0 or >= 2", ErrValidation)
	}
	if r.InvoiceMonth != "" {
		if err := ValidateInvoiceMonth(r.InvoiceMonth); err != nil {
			return err
		}
	}
	return nil
}

// TransactionPatch is the set of fields an edit may change. Nil means
// "leave unchanged". An InvoiceMonth of "" clears a user override so the
// value is recomputed; a non-empty value sets an override.
type TransactionPatch struct {
	Description  *string
	Amount       *Amount
	Type         *TransactionType
	Status       *TransactionStatus
	Date         *time.Time
	InvoiceMonth *string
}

// IsEmpty reports whether the patch changes nothing.
func (p *TransactionPatch) IsEmpty() bool {
	return p.Description == nil && p.Amount == nil && p.Type == nil &&
		p.Status == nil && p.Date == nil && p.InvoiceMonth == nil
}

// EditRequest edits a transaction and, depending on Scope, its siblings
// sharing ParentID.
type EditRequest struct {
	TransactionID TransactionID
	Scope         EditScope
	Patch         TransactionPatch
}

func (r *EditRequest) Validate() error {
	if r.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrValidation)
	}
	if !r.Scope.Valid() {
		return fmt.Errorf("%w: invalid edit scope %q", ErrValidation, r.Scope)
	}
	if r.Patch.IsEmpty() {
		return fmt.Errorf("%w: patch changes nothing", ErrValidation)
	}
	if r.Patch.Amount != nil && r.Patch.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be non-zero", ErrValidation)
	}
	if r.Patch.Amount != nil && r.Patch.Type != nil {
		switch *r.Patch.Type {
		case TxIncome:
			if r.Patch.Amount.IsNegative() {
				return fmt.Errorf("%w: income amount must be positive", ErrValidation)
			}
		case TxExpense:
			if r.Patch.Amount.IsPositive() {
				return fmt.Errorf("%w: expense amount must be negative", ErrValidation)
			}
		}
	}
	if r.Patch.InvoiceMonth != nil && *r.Patch.InvoiceMonth != "" {
		if err := ValidateInvoiceMonth(*r.Patch.InvoiceMonth); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRequest removes a transaction and, depending on Scope, its siblings.
// Deleting a nonexistent transaction is success with zero affected rows.
type DeleteRequest struct {
	TransactionID TransactionID
	Scope         EditScope
}

func (r *DeleteRequest) Validate() error {
	if r.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrValidation)
	}
	if !r.Scope.Valid() {
		return fmt.Errorf("%w: invalid delete scope %q", ErrValidation, r.Scope)
	}
	return nil
}

// TransferRequest moves Amount (positive magnitude) between two accounts
// as two linked legs committed atomically.
type TransferRequest struct {
	FromAccountID AccountID
	ToAccountID   AccountID
	Amount        Amount // positive magnitude
	Description   string
	Date          time.Time
}

func (r *TransferRequest) Validate() error {
	if r.FromAccountID == "" || r.ToAccountID == "" {
		return fmt.Errorf("%w: both accounts are required", ErrValidation)
	}
	if r.FromAccountID == r.ToAccountID {
		return ErrSameAccountTransfer
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: transfer amount must be positive", ErrValidation)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	return nil
}

// PayBillRequest pays a credit-card bill from a funding account: a debit
// leg on the funding account and a linked debt-reducing credit leg on the
// card.
type PayBillRequest struct {
	FromAccountID   AccountID // funding account
	CreditAccountID AccountID
	Amount          Amount // positive magnitude
	Description     string
	Date            time.Time
}

func (r *PayBillRequest) Validate() error {
	if r.FromAccountID == "" || r.CreditAccountID == "" {
		return fmt.Errorf("%w: both accounts are required", ErrValidation)
	}
	if r.FromAccountID == r.CreditAccountID {
		return ErrSameAccountTransfer
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	return nil
}

// =============================================================================
// BALANCE SET - resulting balances reported by mutation procedures
// =============================================================================

// BalanceSet maps the accounts touched by a mutation to their balances
// after commit.
type BalanceSet map[AccountID]Amount

// =============================================================================
// PENDING OPERATION - offline queue entry
// =============================================================================

// PendingOperation is a mutation captured while storage was unreachable,
// awaiting ordered replay. Owned exclusively by the offline queue.
type PendingOperation struct {
	ID        string
	Actor     string
	Kind      MutationKind
	Payload   []byte // JSON encoding of the request struct
	CreatedAt time.Time
	Attempts  int
}
