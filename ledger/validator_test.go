package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPendingReader struct {
	sum Amount
	err error
}

func (s stubPendingReader) SumPendingExpenses(context.Context, AccountID, TransactionID) (Amount, error) {
	return s.sum, s.err
}

func TestCheckSyncIncomeAlwaysValid(t *testing.T) {
	acct := &Account{ID: "checking", Kind: AccountChecking, Balance: NewAmount(-500)}
	res := CheckSync(acct, NewAmount(100_000))
	assert.True(t, res.Valid)
	assert.False(t, res.Warning)
	assert.Equal(t, NewAmount(99_500), res.ResultingBalance)
}

func TestCheckSyncInsufficientFunds(t *testing.T) {
	acct := &Account{ID: "checking", Kind: AccountChecking, Balance: NewAmount(50_000)}

	res := CheckSync(acct, NewAmount(-60_000))
	require.False(t, res.Valid)
	assert.ErrorIs(t, res.Reason, ErrInsufficientFunds)

	var funds *InsufficientFundsError
	require.ErrorAs(t, res.Reason, &funds)
	assert.Equal(t, NewAmount(50_000), funds.Available)
	assert.Equal(t, NewAmount(60_000), funds.Requested)
}

func TestCheckSyncOverdraftAllowance(t *testing.T) {
	// CreditLimit on a non-credit account is an overdraft allowance.
	acct := &Account{
		ID: "checking", Kind: AccountChecking,
		Balance: NewAmount(10_000), CreditLimit: NewAmount(50_000),
	}
	res := CheckSync(acct, NewAmount(-55_000))
	assert.True(t, res.Valid)
	assert.Equal(t, NewAmount(-45_000), res.ResultingBalance)
}

func TestCheckSyncCreditLimit(t *testing.T) {
	acct := &Account{
		ID: "card", Kind: AccountCredit,
		Balance: NewAmount(-150_000), CreditLimit: NewAmount(200_000),
	}

	// 500.00 of credit remains; 600.00 must be rejected.
	res := CheckSync(acct, NewAmount(-60_000))
	require.False(t, res.Valid)

	var limit *CreditLimitError
	require.ErrorAs(t, res.Reason, &limit)
	assert.Equal(t, NewAmount(200_000), limit.Limit)
	assert.Equal(t, NewAmount(150_000), limit.Used)
	assert.Equal(t, NewAmount(50_000), limit.Available)

	// 400.00 fits.
	res = CheckSync(acct, NewAmount(-40_000))
	assert.True(t, res.Valid)
}

func TestCheckCountsPendingExposureOnCredit(t *testing.T) {
	// GIVEN 500.00 of headroom on paper but 400.00 pending
	acct := &Account{
		ID: "card", Kind: AccountCredit,
		Balance: NewAmount(-150_000), CreditLimit: NewAmount(200_000),
	}
	reader := stubPendingReader{sum: NewAmount(40_000)}

	// WHEN spending 200.00
	res := Check(context.Background(), reader, acct, NewAmount(-20_000), "")

	// THEN the pending exposure blocks it
	require.False(t, res.Valid)
	assert.ErrorIs(t, res.Reason, ErrCreditLimitExceeded)
	assert.Equal(t, NewAmount(10_000), res.Available)
}

func TestCheckIgnoresPendingOnNonCredit(t *testing.T) {
	acct := &Account{ID: "checking", Kind: AccountChecking, Balance: NewAmount(50_000)}
	reader := stubPendingReader{err: errors.New("must not be called")}

	res := Check(context.Background(), reader, acct, NewAmount(-10_000), "")
	assert.True(t, res.Valid)
}

func TestCheckFailsClosedOnReaderError(t *testing.T) {
	acct := &Account{ID: "card", Kind: AccountCredit, CreditLimit: NewAmount(200_000)}
	reader := stubPendingReader{err: errors.New("connection reset")}

	res := Check(context.Background(), reader, acct, NewAmount(-100), "")
	assert.False(t, res.Valid)
	assert.Error(t, res.Reason)
}

func TestWarningBelowTwentyPercentHeadroom(t *testing.T) {
	acct := &Account{ID: "card", Kind: AccountCredit, CreditLimit: NewAmount(100_000)}

	// 250.00 spent of 1000.00: 75% remains, no warning.
	res := CheckSync(acct, NewAmount(-25_000))
	require.True(t, res.Valid)
	assert.False(t, res.Warning)

	// 850.00 spent: 15% remains, warning.
	res = CheckSync(acct, NewAmount(-85_000))
	require.True(t, res.Valid)
	assert.True(t, res.Warning)

	// Exactly 20% remaining is not yet a warning.
	res = CheckSync(acct, NewAmount(-80_000))
	require.True(t, res.Valid)
	assert.False(t, res.Warning)
}

func TestCheckResultCarriesFigures(t *testing.T) {
	acct := &Account{ID: "checking", Kind: AccountChecking, Balance: NewAmount(100_000)}
	res := CheckSync(acct, NewAmount(-30_000))
	require.True(t, res.Valid)
	assert.Equal(t, NewAmount(100_000), res.Available)
	assert.Equal(t, NewAmount(30_000), res.Requested)
	assert.Equal(t, NewAmount(70_000), res.ResultingBalance)
}
