// Package store provides an in-memory implementation of the ledger
// storage interfaces, for tests and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plani/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - implements MutationStore, PeriodLockStore, QueueStore
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	accounts     map[ledger.AccountID]ledger.Account
	transactions map[ledger.TransactionID]ledger.Transaction
	locks        map[string]map[string]bool // owner -> YYYY-MM -> locked
	queue        []ledger.PendingOperation

	// Fault injection for retry / fail-closed tests. While failCount > 0,
	// mutation procedures return failErr and decrement the counter.
	failErr    error
	failCount  int
	pendingErr error
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		locks:        make(map[string]map[string]bool),
	}
}

// FailNext makes the next n mutation procedures fail with err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	m.failErr = err
}

// FailPending makes SumPendingExpenses fail with err until reset with nil.
func (m *Memory) FailPending(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingErr = err
}

func (m *Memory) takeFault() error {
	if m.failCount > 0 && m.failErr != nil {
		m.failCount--
		return m.failErr
	}
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &acct, nil
}

func (m *Memory) SaveAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accts := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accts = append(accts, a)
	}
	sort.Slice(accts, func(i, j int) bool {
		if accts[i].Label != accts[j].Label {
			return accts[i].Label < accts[j].Label
		}
		return accts[i].ID < accts[j].ID
	})
	return accts, nil
}

// =============================================================================
// TRANSACTIONS (reads)
// =============================================================================

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, accountID ledger.AccountID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []ledger.Transaction
	for _, tx := range m.transactions {
		if tx.AccountID == accountID {
			txs = append(txs, tx)
		}
	}
	sortByDate(txs)
	return txs, nil
}

func (m *Memory) ListInvoiceTransactions(_ context.Context, accountID ledger.AccountID, month string) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []ledger.Transaction
	for _, tx := range m.transactions {
		if tx.AccountID == accountID && tx.InvoiceMonth == month {
			txs = append(txs, tx)
		}
	}
	sortByDate(txs)
	return txs, nil
}

func (m *Memory) SumPendingExpenses(_ context.Context, accountID ledger.AccountID, exclude ledger.TransactionID) (ledger.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pendingErr != nil {
		return 0, m.pendingErr
	}

	var sum ledger.Amount
	for _, tx := range m.transactions {
		if tx.AccountID != accountID || tx.ID == exclude {
			continue
		}
		if tx.Status == ledger.StatusPending && tx.Amount.IsNegative() {
			sum = sum.Add(tx.Amount.Neg())
		}
	}
	return sum, nil
}

func sortByDate(txs []ledger.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})
}

// =============================================================================
// ATOMIC MUTATION PROCEDURES
// =============================================================================

func (m *Memory) CreateTransactions(_ context.Context, txs []ledger.Transaction) (ledger.BalanceSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFault(); err != nil {
		return nil, err
	}

	deltas := make(map[ledger.AccountID]ledger.Amount)
	for _, tx := range txs {
		if _, ok := m.accounts[tx.AccountID]; !ok {
			return nil, ledger.ErrNotFound
		}
		if tx.IsCompleted() {
			deltas[tx.AccountID] = deltas[tx.AccountID].Add(tx.Amount)
		} else {
			deltas[tx.AccountID] = deltas[tx.AccountID].Add(0)
		}
	}

	if err := m.validateDeltasLocked(deltas); err != nil {
		return nil, err
	}

	for _, tx := range txs {
		m.transactions[tx.ID] = tx
	}
	return m.applyDeltasLocked(deltas), nil
}

func (m *Memory) ApplyEdit(_ context.Context, cmd ledger.EditCommand) (int, ledger.BalanceSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFault(); err != nil {
		return 0, nil, err
	}

	target, ok := m.transactions[cmd.Target]
	if !ok {
		return 0, nil, ledger.ErrNotFound
	}

	rows := m.scopeRowsLocked(target, cmd.Scope)
	deltas := make(map[ledger.AccountID]ledger.Amount)
	updated := make([]ledger.Transaction, 0, len(rows))

	for _, row := range rows {
		next := patchRow(row, target, cmd)
		if acct, ok := m.accounts[next.AccountID]; ok {
			recomputeInvoice(&acct, &next, row)
		}

		var old, new_ ledger.Amount
		if row.IsCompleted() {
			old = row.Amount
		}
		if next.IsCompleted() {
			new_ = next.Amount
		}
		deltas[row.AccountID] = deltas[row.AccountID].Add(new_.Sub(old))
		updated = append(updated, next)
	}

	if err := m.validateDeltasLocked(deltas); err != nil {
		return 0, nil, err
	}

	for _, tx := range updated {
		m.transactions[tx.ID] = tx
	}
	return len(updated), m.applyDeltasLocked(deltas), nil
}

func (m *Memory) ApplyDelete(_ context.Context, cmd ledger.DeleteCommand) (int, ledger.BalanceSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFault(); err != nil {
		return 0, nil, err
	}

	target, ok := m.transactions[cmd.Target]
	if !ok {
		// Idempotent delete: missing target is success, zero rows.
		return 0, ledger.BalanceSet{}, nil
	}

	rows := m.scopeRowsLocked(target, cmd.Scope)
	deltas := make(map[ledger.AccountID]ledger.Amount)
	for _, row := range rows {
		if row.IsCompleted() {
			deltas[row.AccountID] = deltas[row.AccountID].Sub(row.Amount)
		} else {
			deltas[row.AccountID] = deltas[row.AccountID].Add(0)
		}
	}

	for _, row := range rows {
		delete(m.transactions, row.ID)
	}
	return len(rows), m.applyDeltasLocked(deltas), nil
}

// scopeRowsLocked resolves the rows an edit/delete touches.
func (m *Memory) scopeRowsLocked(target ledger.Transaction, scope ledger.EditScope) []ledger.Transaction {
	if scope == ledger.ScopeCurrent || target.ParentID == "" {
		return []ledger.Transaction{target}
	}

	var rows []ledger.Transaction
	for _, tx := range m.transactions {
		if tx.ParentID != target.ParentID {
			continue
		}
		if scope == ledger.ScopeRemaining && tx.Date.Before(target.Date) {
			continue
		}
		rows = append(rows, tx)
	}
	sortByDate(rows)
	return rows
}

// patchRow applies the edit patch to one scoped row. Date and invoice
// overrides only apply to the target; value fields apply series-wide.
func patchRow(row, target ledger.Transaction, cmd ledger.EditCommand) ledger.Transaction {
	next := row
	p := cmd.Patch
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Amount != nil {
		next.Amount = *p.Amount
	}
	if p.Type != nil {
		next.Type = *p.Type
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if row.ID == target.ID {
		if p.Date != nil {
			next.Date = *p.Date
		}
		if p.InvoiceMonth != nil {
			if *p.InvoiceMonth == "" {
				next.InvoiceMonth = ""
				next.InvoiceOverridden = false
			} else {
				next.InvoiceMonth = *p.InvoiceMonth
				next.InvoiceOverridden = true
			}
		}
	}
	reconcileSign(&next)
	return next
}

// reconcileSign keeps the stored sign consistent with the type after a
// patch that changed one without the other.
func reconcileSign(tx *ledger.Transaction) {
	switch tx.Type {
	case ledger.TxIncome:
		tx.Amount = tx.Amount.Abs()
	case ledger.TxExpense:
		tx.Amount = tx.Amount.Abs().Neg()
	}
}

// recomputeInvoice re-derives the invoice month when a row's billing
// inputs changed and no user override pins it.
func recomputeInvoice(acct *ledger.Account, next *ledger.Transaction, prev ledger.Transaction) {
	if next.InvoiceOverridden || !acct.IsCredit() {
		return
	}
	if next.InvoiceMonth == "" || !next.Date.Equal(prev.Date) {
		next.InvoiceMonth = acct.Cycle().InvoiceMonth(next.Date)
	}
}

// validateDeltasLocked enforces the hard funds/credit constraint against
// the resulting balances, mirroring the SQL procedures.
func (m *Memory) validateDeltasLocked(deltas map[ledger.AccountID]ledger.Amount) error {
	for id, delta := range deltas {
		acct, ok := m.accounts[id]
		if !ok {
			return ledger.ErrNotFound
		}
		if !delta.IsNegative() {
			continue
		}
		resulting := acct.Balance.Add(delta)
		if resulting < acct.CreditLimit.Neg() {
			if acct.IsCredit() {
				used := acct.Balance.Debt()
				return &ledger.CreditLimitError{
					AccountID: id,
					Limit:     acct.CreditLimit,
					Used:      used,
					Available: acct.CreditLimit.Sub(used),
					Requested: delta.Neg(),
				}
			}
			return &ledger.InsufficientFundsError{
				AccountID: id,
				Available: acct.Balance.Add(acct.CreditLimit),
				Requested: delta.Neg(),
			}
		}
	}
	return nil
}

func (m *Memory) applyDeltasLocked(deltas map[ledger.AccountID]ledger.Amount) ledger.BalanceSet {
	balances := make(ledger.BalanceSet, len(deltas))
	for id, delta := range deltas {
		acct := m.accounts[id]
		acct.Balance = acct.Balance.Add(delta)
		m.accounts[id] = acct
		balances[id] = acct.Balance
	}
	return balances
}

// =============================================================================
// PERIOD LOCKS
// =============================================================================

func (m *Memory) IsPeriodLocked(_ context.Context, owner string, date time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locks[owner][ledger.MonthOf(date)], nil
}

func (m *Memory) LockPeriod(_ context.Context, owner, month string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[owner] == nil {
		m.locks[owner] = make(map[string]bool)
	}
	m.locks[owner][month] = true
	return nil
}

func (m *Memory) UnlockPeriod(_ context.Context, owner, month string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks[owner], month)
	return nil
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

func (m *Memory) EnqueueOperation(_ context.Context, op ledger.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, op)
	return nil
}

func (m *Memory) ListOperations(_ context.Context) ([]ledger.PendingOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.PendingOperation, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *Memory) DeleteOperation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range m.queue {
		if op.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) SetAttempts(_ context.Context, id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.queue {
		if m.queue[i].ID == id {
			m.queue[i].Attempts = attempts
			return nil
		}
	}
	return nil
}
