package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plani/ledger-engine/ledger"
	"github.com/plani/ledger-engine/ledger/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	counter := 0
	svc := New(mem, mem,
		WithClock(func() time.Time { return date(2025, time.March, 10) }),
		WithIDGenerator(func() string {
			counter++
			return fmt.Sprintf("id-%d", counter)
		}),
	)
	return svc, mem
}

func seed(t *testing.T, mem *store.Memory, acct ledger.Account) {
	t.Helper()
	require.NoError(t, mem.SaveAccount(context.Background(), acct))
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateIncomeThenExpense(t *testing.T) {
	// GIVEN a checking account holding 5000.00
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})

	// WHEN recording a 3000.00 income and a 150.00 expense
	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Description: "salary",
		Amount: ledger.NewAmount(300_000), Type: ledger.TxIncome,
		Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)

	result, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Description: "groceries",
		Amount: ledger.NewAmount(-15_000), Type: ledger.TxExpense,
		Status: ledger.StatusCompleted, Date: date(2025, time.March, 6),
	})
	require.NoError(t, err)

	// THEN the balance is exactly 7850.00
	assert.Equal(t, ledger.NewAmount(785_000), result.Balances["checking"])
}

func TestCreateCreditExpenseWithinAndOverLimit(t *testing.T) {
	// GIVEN a card with zero debt and a 2000.00 limit
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(200_000), ClosingDay: 30, DueDay: 7,
	})

	// WHEN a 2500.00 expense is attempted
	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Description: "tv",
		Amount: ledger.NewAmount(-250_000), Type: ledger.TxExpense,
		Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
	})

	// THEN it is rejected with the figures attached
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrCreditLimitExceeded)

	// AND a 1000.00 expense is accepted, leaving -1000.00 debt
	result, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Description: "stove",
		Amount: ledger.NewAmount(-100_000), Type: ledger.TxExpense,
		Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(-100_000), result.Balances["card"])
}

func TestCreateStampsInvoiceMonth(t *testing.T) {
	// GIVEN a card closing on the 30th with due day 7
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(500_000), ClosingDay: 30, DueDay: 7,
	})

	// WHEN buying on Nov 12 and on Dec 5
	r1, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.November, 12),
	})
	require.NoError(t, err)
	r2, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.December, 5),
	})
	require.NoError(t, err)

	// THEN each bills to its own closing month
	assert.Equal(t, "2025-11", r1.Transactions[0].InvoiceMonth)
	assert.Equal(t, "2025-12", r2.Transactions[0].InvoiceMonth)
}

func TestCreateInvoiceOverride(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(500_000), ClosingDay: 30, DueDay: 7,
	})

	result, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.November, 12), InvoiceMonth: "2026-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-01", result.Transactions[0].InvoiceMonth)
	assert.True(t, result.Transactions[0].InvoiceOverridden)
}

func TestCreateInstallmentSeries(t *testing.T) {
	// GIVEN a card with enough limit for the whole series
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(500_000), ClosingDay: 30, DueDay: 7,
	})

	// WHEN creating a 3x installment purchase of 300.00 per installment
	result, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Description: "headphones",
		Amount: ledger.NewAmount(-30_000), Type: ledger.TxExpense,
		Status: ledger.StatusCompleted, Date: date(2025, time.November, 12),
		Installments: 3,
	})
	require.NoError(t, err)

	// THEN three rows share a parent, advance monthly, and bill to
	// consecutive invoices
	require.Len(t, result.Transactions, 3)
	parent := result.Transactions[0].ParentID
	require.NotEmpty(t, parent)

	wantMonths := []string{"2025-11", "2025-12", "2026-01"}
	for i, tx := range result.Transactions {
		assert.Equal(t, parent, tx.ParentID)
		assert.Equal(t, i+1, tx.InstallmentIndex)
		assert.Equal(t, ledger.NewAmount(-30_000), tx.Amount)
		assert.Equal(t, date(2025, time.November, 12).AddDate(0, i, 0), tx.Date)
		assert.Equal(t, wantMonths[i], tx.InvoiceMonth)
		assert.Contains(t, tx.Description, fmt.Sprintf("(%d/3)", i+1))
	}

	// AND the balance carries the full series effect
	assert.Equal(t, ledger.NewAmount(-90_000), result.Balances["card"])
}

func TestCreateSeriesRejectedWhenTotalExceedsLimit(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(50_000),
	})

	// Each installment fits; the series total does not.
	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-20_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5), Installments: 3,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrCreditLimitExceeded)
}

func TestCreateWarningNearLimit(t *testing.T) {
	// GIVEN a card with 10% of its limit remaining after the spend
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(100_000),
	})

	result, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-90_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)
	assert.True(t, result.Warning)
}

func TestCreateValidationErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ledger.CreateRequest
	}{
		{"missing account", ledger.CreateRequest{
			Amount: ledger.NewAmount(-100), Type: ledger.TxExpense,
			Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
		}},
		{"zero amount", ledger.CreateRequest{
			AccountID: "a", Type: ledger.TxExpense,
			Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
		}},
		{"sign mismatch", ledger.CreateRequest{
			AccountID: "a", Amount: ledger.NewAmount(100), Type: ledger.TxExpense,
			Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
		}},
		{"single installment", ledger.CreateRequest{
			AccountID: "a", Amount: ledger.NewAmount(-100), Type: ledger.TxExpense,
			Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
			Installments: 1,
		}},
		{"bad invoice month", ledger.CreateRequest{
			AccountID: "a", Amount: ledger.NewAmount(-100), Type: ledger.TxExpense,
			Status: ledger.StatusCompleted, Date: date(2025, time.March, 5),
			InvoiceMonth: "Nov-25",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "ana", tc.req)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

// =============================================================================
// EDIT / DELETE
// =============================================================================

func TestEditAmountAppliesNetDelta(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(100_000),
	})

	created, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-20_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)

	newAmount := ledger.NewAmount(-35_000)
	result, err := svc.Edit(ctx, "ana", ledger.EditRequest{
		TransactionID: created.Transactions[0].ID,
		Scope:         ledger.ScopeCurrent,
		Patch:         ledger.TransactionPatch{Amount: &newAmount},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Affected)
	assert.Equal(t, ledger.NewAmount(65_000), result.Balances["checking"])
}

func TestEditRejectsEmptyPatch(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Edit(context.Background(), "ana", ledger.EditRequest{
		TransactionID: "t1", Scope: ledger.ScopeCurrent,
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestEditRejectsTypeAmountMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	expense := ledger.TxExpense
	positive := ledger.NewAmount(10_000)
	_, err := svc.Edit(context.Background(), "ana", ledger.EditRequest{
		TransactionID: "t1", Scope: ledger.ScopeCurrent,
		Patch:         ledger.TransactionPatch{Type: &expense, Amount: &positive},
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestDeleteReversesBalance(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(100_000),
	})

	created, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-40_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)

	result, err := svc.Delete(ctx, "ana", ledger.DeleteRequest{
		TransactionID: created.Transactions[0].ID,
		Scope:         ledger.ScopeCurrent,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Affected)
	assert.Equal(t, ledger.NewAmount(100_000), result.Balances["checking"])
}

func TestDeleteMissingIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.Delete(context.Background(), "ana", ledger.DeleteRequest{
		TransactionID: "never-existed", Scope: ledger.ScopeCurrent,
	})
	require.NoError(t, err)
	assert.Zero(t, result.Affected)
}

// =============================================================================
// TRANSFER / PAY BILL
// =============================================================================

func TestTransferMovesBothBalances(t *testing.T) {
	// GIVEN 5000.00 checking and 10000.00 savings
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})
	seed(t, mem, ledger.Account{
		ID: "savings", Owner: "ana", Kind: ledger.AccountSavings,
		Balance: ledger.NewAmount(1_000_000),
	})

	// WHEN transferring 1000.00
	result, err := svc.Transfer(ctx, "ana", ledger.TransferRequest{
		FromAccountID: "checking", ToAccountID: "savings",
		Amount: ledger.NewAmount(100_000), Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)

	// THEN both balances move and the legs are linked
	assert.Equal(t, ledger.NewAmount(400_000), result.Balances["checking"])
	assert.Equal(t, ledger.NewAmount(1_100_000), result.Balances["savings"])

	require.Len(t, result.Transactions, 2)
	out, in := result.Transactions[0], result.Transactions[1]
	assert.Equal(t, in.ID, out.LinkedTransactionID)
	assert.Equal(t, out.ID, in.LinkedTransactionID)
	assert.Equal(t, ledger.StatusCompleted, out.Status)
	assert.Equal(t, ledger.StatusCompleted, in.Status)
}

func TestTransferSameAccountRejected(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Transfer(context.Background(), "ana", ledger.TransferRequest{
		FromAccountID: "checking", ToAccountID: "checking",
		Amount: ledger.NewAmount(100_000), Date: date(2025, time.March, 5),
	})
	assert.ErrorIs(t, err, ledger.ErrSameAccountTransfer)
}

func TestTransferInsufficientFundsLeavesNothingBehind(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(50_000),
	})
	seed(t, mem, ledger.Account{
		ID: "savings", Owner: "ana", Kind: ledger.AccountSavings,
		Balance: ledger.NewAmount(1_000_000),
	})

	_, err := svc.Transfer(ctx, "ana", ledger.TransferRequest{
		FromAccountID: "checking", ToAccountID: "savings",
		Amount: ledger.NewAmount(100_000), Date: date(2025, time.March, 5),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	txs, err := svc.AccountTransactions(ctx, "savings")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPayBillReducesCardDebt(t *testing.T) {
	// GIVEN a card carrying 800.00 debt and a funded checking account
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		Balance: ledger.NewAmount(-80_000), CreditLimit: ledger.NewAmount(200_000),
		Label: "visa",
	})

	// WHEN paying the bill in full
	result, err := svc.PayBill(ctx, "ana", ledger.PayBillRequest{
		FromAccountID: "checking", CreditAccountID: "card",
		Amount: ledger.NewAmount(80_000), Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)

	// THEN the debt clears and the funding account is debited
	assert.Equal(t, ledger.NewAmount(420_000), result.Balances["checking"])
	assert.True(t, result.Balances["card"].IsZero())
}

func TestPayBillRequiresCreditAccount(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})
	seed(t, mem, ledger.Account{
		ID: "savings", Owner: "ana", Kind: ledger.AccountSavings,
	})

	_, err := svc.PayBill(ctx, "ana", ledger.PayBillRequest{
		FromAccountID: "checking", CreditAccountID: "savings",
		Amount: ledger.NewAmount(10_000), Date: date(2025, time.March, 5),
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// PERIOD LOCKS / RETRIES
// =============================================================================

func TestPeriodLockBlocksMutations(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})

	require.NoError(t, svc.LockPeriod(ctx, "ana", "2025-03"))

	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPeriodLocked)

	var locked *ledger.PeriodLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "2025-03", locked.Month)

	// Unlocking reopens the month.
	require.NoError(t, svc.UnlockPeriod(ctx, "ana", "2025-03"))
	_, err = svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	assert.NoError(t, err)
}

// deadlineRecorder notes whether the procedure context carried a deadline.
type deadlineRecorder struct {
	*store.Memory
	sawDeadline bool
}

func (d *deadlineRecorder) CreateTransactions(ctx context.Context, txs []ledger.Transaction) (ledger.BalanceSet, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.Memory.CreateTransactions(ctx, txs)
}

func TestStorageCallsCarryDeadline(t *testing.T) {
	// GIVEN a caller whose context has no deadline of its own
	mem := store.NewMemory()
	rec := &deadlineRecorder{Memory: mem}
	svc := New(rec, mem)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(100_000),
	})

	// WHEN a mutation commits
	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)

	// THEN the storage procedure saw a bounded context
	assert.True(t, rec.sawDeadline)
}

func TestTransientStorageFailureIsRetried(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})

	mem.FailNext(1, fmt.Errorf("%w: simulated", ledger.ErrTransientStorage))

	result, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(490_000), result.Balances["checking"])
}

func TestFailClosedWhenPendingExposureUnavailable(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(200_000),
	})

	mem.FailPending(fmt.Errorf("%w: simulated", ledger.ErrTransientStorage))

	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	})
	assert.Error(t, err)
}

// =============================================================================
// INVOICE READS
// =============================================================================

func TestAccountInvoiceSummary(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "card", Owner: "ana", Kind: ledger.AccountCredit,
		CreditLimit: ledger.NewAmount(500_000), ClosingDay: 30, DueDay: 7,
	})

	_, err := svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.November, 12),
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "ana", ledger.CreateRequest{
		AccountID: "card", Amount: ledger.NewAmount(-25_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.November, 20),
	})
	require.NoError(t, err)

	invoice, err := svc.AccountInvoice(ctx, "card", "2025-11")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(35_000), invoice.Total)
	assert.Len(t, invoice.Transactions, 2)
	// Due day 7 <= closing day 30, so payment wraps into December.
	assert.Equal(t, date(2025, time.December, 7), invoice.DueDate)
}
