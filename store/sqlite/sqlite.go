/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.MutationStore, ledger.PeriodLockStore, and
  ledger.QueueStore on SQLite. The same patterns apply to PostgreSQL
  (see store/postgres) - only dialect differences.

ATOMIC PROCEDURES:
  Every balance-affecting write runs inside a single BEGIN..COMMIT:
  row changes, the funds/credit re-validation, and the balance updates
  land together or not at all. Concurrent readers never observe a
  transaction without its balance effect.

KEY TABLES:
  accounts:           balances, limits, billing cycle per account
  transactions:       ledger rows (signed minor-unit amounts)
  period_locks:       closed accounting months per owner
  pending_operations: offline queue (FIFO via rowid)

CONCURRENCY:
  sync.RWMutex serializes writers; SQLite runs in WAL mode so readers
  don't block. With PostgreSQL, database-level concurrency control
  takes over instead.

ERROR CLASSIFICATION:
  Locked/busy driver errors surface as ledger.ErrTransientStorage so
  the retry policy picks them up; deadline expiry maps to
  ledger.ErrTimeout. Constraint violations surface as the structured
  business errors.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/plani/ledger-engine/ledger"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at path. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kind TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		credit_limit INTEGER NOT NULL DEFAULT 0,
		closing_day INTEGER NOT NULL DEFAULT 0,
		due_day INTEGER NOT NULL DEFAULT 0,
		color TEXT,
		label TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		counter_account_id TEXT,
		description TEXT,
		amount INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_date TEXT NOT NULL,
		parent_id TEXT,
		installment_index INTEGER NOT NULL DEFAULT 0,
		invoice_month TEXT,
		invoice_overridden INTEGER NOT NULL DEFAULT 0,
		linked_transaction_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_date
		ON transactions(account_id, tx_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_parent
		ON transactions(parent_id) WHERE parent_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_invoice
		ON transactions(account_id, invoice_month) WHERE invoice_month IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(account_id, status);

	CREATE TABLE IF NOT EXISTS period_locks (
		owner TEXT NOT NULL,
		month TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(owner, month)
	);

	CREATE TABLE IF NOT EXISTS pending_operations (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = "id, owner, kind, balance, credit_limit, closing_day, due_day, color, label, created_at"

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	return scanAccount(row)
}

func (s *Store) SaveAccount(ctx context.Context, acct ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accounts (id, owner, kind, balance, credit_limit, closing_day, due_day, color, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			kind = excluded.kind,
			balance = excluded.balance,
			credit_limit = excluded.credit_limit,
			closing_day = excluded.closing_day,
			due_day = excluded.due_day,
			color = excluded.color,
			label = excluded.label
	`
	_, err := s.db.ExecContext(ctx, query,
		acct.ID, acct.Owner, acct.Kind, int64(acct.Balance), int64(acct.CreditLimit),
		acct.ClosingDay, acct.DueDay, acct.Color, acct.Label,
		time.Now().UTC().Format(time.RFC3339),
	)
	return classify(err)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY label, id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var accts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *acct)
	}
	return accts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*ledger.Account, error) {
	var (
		acct         ledger.Account
		balance      int64
		limit        int64
		color, label sql.NullString
		createdAt    string
	)
	err := r.Scan(&acct.ID, &acct.Owner, &acct.Kind, &balance, &limit,
		&acct.ClosingDay, &acct.DueDay, &color, &label, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	acct.Balance = ledger.NewAmount(balance)
	acct.CreditLimit = ledger.NewAmount(limit)
	acct.Color = color.String
	acct.Label = label.String
	acct.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &acct, nil
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

const txColumns = `id, account_id, counter_account_id, description, amount, tx_type, status,
	tx_date, parent_id, installment_index, invoice_month, invoice_overridden,
	linked_transaction_id, created_at`

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func (s *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + txColumns + ` FROM transactions
		WHERE account_id = ?
		ORDER BY tx_date ASC, created_at ASC`
	return queryTransactions(ctx, s.db, query, accountID)
}

func (s *Store) ListInvoiceTransactions(ctx context.Context, accountID ledger.AccountID, month string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + txColumns + ` FROM transactions
		WHERE account_id = ? AND invoice_month = ?
		ORDER BY tx_date ASC, created_at ASC`
	return queryTransactions(ctx, s.db, query, accountID, month)
}

func (s *Store) SumPendingExpenses(ctx context.Context, accountID ledger.AccountID, exclude ledger.TransactionID) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(-amount) FROM transactions
		WHERE account_id = ? AND status = 'pending' AND amount < 0 AND id != ?`,
		accountID, exclude,
	).Scan(&sum)
	if err != nil {
		return 0, classify(err)
	}
	return ledger.NewAmount(sum.Int64), nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getTransaction(ctx context.Context, q queryer, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE id = ?", id)
	tx, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, classify(err)
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func scanTx(r rowScanner) (*ledger.Transaction, error) {
	var (
		tx                      ledger.Transaction
		counter, parent, linked sql.NullString
		description, invoice    sql.NullString
		amount                  int64
		overridden              int
		txDate, createdAt       string
	)
	err := r.Scan(&tx.ID, &tx.AccountID, &counter, &description, &amount,
		&tx.Type, &tx.Status, &txDate, &parent, &tx.InstallmentIndex,
		&invoice, &overridden, &linked, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.CounterAccountID = ledger.AccountID(counter.String)
	tx.Description = description.String
	tx.Amount = ledger.NewAmount(amount)
	tx.ParentID = ledger.TransactionID(parent.String)
	tx.InvoiceMonth = invoice.String
	tx.InvoiceOverridden = overridden != 0
	tx.LinkedTransactionID = ledger.TransactionID(linked.String)
	tx.Date, _ = time.Parse(time.RFC3339, txDate)
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &tx, nil
}

// =============================================================================
// ATOMIC MUTATION PROCEDURES
// =============================================================================

// CreateTransactions inserts the batch, re-validates the funds/credit
// constraint on the resulting balances, and applies the balance deltas,
// all inside one database transaction.
func (s *Store) CreateTransactions(ctx context.Context, txs []ledger.Transaction) (ledger.BalanceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var balances ledger.BalanceSet
	err := s.withTx(ctx, func(dbtx *sql.Tx) error {
		deltas := make(map[ledger.AccountID]ledger.Amount)
		for _, tx := range txs {
			if tx.IsCompleted() {
				deltas[tx.AccountID] = deltas[tx.AccountID].Add(tx.Amount)
			} else {
				deltas[tx.AccountID] = deltas[tx.AccountID].Add(0)
			}
		}

		if err := validateDeltas(ctx, dbtx, deltas); err != nil {
			return err
		}
		for _, tx := range txs {
			if err := insertTx(ctx, dbtx, tx); err != nil {
				return err
			}
		}
		set, err := applyDeltas(ctx, dbtx, deltas)
		if err != nil {
			return err
		}
		balances = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// ApplyEdit patches the scoped rows and rebalances in one transaction.
func (s *Store) ApplyEdit(ctx context.Context, cmd ledger.EditCommand) (int, ledger.BalanceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		affected int
		balances ledger.BalanceSet
	)
	err := s.withTx(ctx, func(dbtx *sql.Tx) error {
		target, err := getTransaction(ctx, dbtx, cmd.Target)
		if err != nil {
			return err
		}

		rows, err := scopeRows(ctx, dbtx, *target, cmd.Scope)
		if err != nil {
			return err
		}

		acct, err := getAccountTx(ctx, dbtx, target.AccountID)
		if err != nil {
			return err
		}

		deltas := make(map[ledger.AccountID]ledger.Amount)
		updated := make([]ledger.Transaction, 0, len(rows))
		for _, row := range rows {
			next := applyPatch(row, *target, cmd)
			recomputeInvoice(acct, &next, row)

			var before, after ledger.Amount
			if row.IsCompleted() {
				before = row.Amount
			}
			if next.IsCompleted() {
				after = next.Amount
			}
			deltas[row.AccountID] = deltas[row.AccountID].Add(after.Sub(before))
			updated = append(updated, next)
		}

		if err := validateDeltas(ctx, dbtx, deltas); err != nil {
			return err
		}
		for _, tx := range updated {
			if err := updateTx(ctx, dbtx, tx); err != nil {
				return err
			}
		}
		set, err := applyDeltas(ctx, dbtx, deltas)
		if err != nil {
			return err
		}
		affected = len(updated)
		balances = set
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return affected, balances, nil
}

// ApplyDelete removes the scoped rows, reversing completed effects.
// A missing target is success with zero affected rows.
func (s *Store) ApplyDelete(ctx context.Context, cmd ledger.DeleteCommand) (int, ledger.BalanceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		affected int
		balances = ledger.BalanceSet{}
	)
	err := s.withTx(ctx, func(dbtx *sql.Tx) error {
		target, err := getTransaction(ctx, dbtx, cmd.Target)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		rows, err := scopeRows(ctx, dbtx, *target, cmd.Scope)
		if err != nil {
			return err
		}

		deltas := make(map[ledger.AccountID]ledger.Amount)
		for _, row := range rows {
			if row.IsCompleted() {
				deltas[row.AccountID] = deltas[row.AccountID].Sub(row.Amount)
			} else {
				deltas[row.AccountID] = deltas[row.AccountID].Add(0)
			}
			if _, err := dbtx.ExecContext(ctx,
				"DELETE FROM transactions WHERE id = ?", row.ID); err != nil {
				return classify(err)
			}
		}

		set, err := applyDeltas(ctx, dbtx, deltas)
		if err != nil {
			return err
		}
		affected = len(rows)
		balances = set
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return affected, balances, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer dbtx.Rollback()

	if err := fn(dbtx); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// scopeRows resolves the edit/delete scope inside the same transaction
// that applies the change, so the series cannot shift underneath it.
func scopeRows(ctx context.Context, q queryer, target ledger.Transaction, scope ledger.EditScope) ([]ledger.Transaction, error) {
	if scope == ledger.ScopeCurrent || target.ParentID == "" {
		return []ledger.Transaction{target}, nil
	}

	query := "SELECT " + txColumns + ` FROM transactions
		WHERE parent_id = ?
		ORDER BY tx_date ASC, created_at ASC`
	rows, err := queryTransactions(ctx, q, query, target.ParentID)
	if err != nil {
		return nil, err
	}
	if scope == ledger.ScopeAll {
		return rows, nil
	}

	var remaining []ledger.Transaction
	for _, tx := range rows {
		if !tx.Date.Before(target.Date) {
			remaining = append(remaining, tx)
		}
	}
	return remaining, nil
}

// applyPatch applies value fields series-wide; date and invoice-month
// overrides touch only the target row.
func applyPatch(row, target ledger.Transaction, cmd ledger.EditCommand) ledger.Transaction {
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

func recomputeInvoice(acct *ledger.Account, next *ledger.Transaction, prev ledger.Transaction) {
	if next.InvoiceOverridden || !acct.IsCredit() {
		return
	}
	if next.InvoiceMonth == "" || !next.Date.Equal(prev.Date) {
		next.InvoiceMonth = acct.Cycle().InvoiceMonth(next.Date)
	}
}

func getAccountTx(ctx context.Context, q queryer, id ledger.AccountID) (*ledger.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	return scanAccount(row)
}

// validateDeltas enforces the hard funds/credit constraint on the
// balance each net spend would leave behind.
func validateDeltas(ctx context.Context, q queryer, deltas map[ledger.AccountID]ledger.Amount) error {
	for id, delta := range deltas {
		acct, err := getAccountTx(ctx, q, id)
		if err != nil {
			return err
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

func applyDeltas(ctx context.Context, q queryer, deltas map[ledger.AccountID]ledger.Amount) (ledger.BalanceSet, error) {
	balances := make(ledger.BalanceSet, len(deltas))
	for id, delta := range deltas {
		var balance int64
		err := q.QueryRowContext(ctx, `
			UPDATE accounts SET balance = balance + ?
			WHERE id = ?
			RETURNING balance`,
			int64(delta), id,
		).Scan(&balance)
		if err != nil {
			return nil, classify(err)
		}
		balances[id] = ledger.NewAmount(balance)
	}
	return balances, nil
}

func insertTx(ctx context.Context, q queryer, tx ledger.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, account_id, counter_account_id, description, amount, tx_type, status,
		 tx_date, parent_id, installment_index, invoice_month, invoice_overridden,
		 linked_transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, query,
		tx.ID, tx.AccountID, nullStr(string(tx.CounterAccountID)), tx.Description,
		int64(tx.Amount), tx.Type, tx.Status, tx.Date.UTC().Format(time.RFC3339),
		nullStr(string(tx.ParentID)), tx.InstallmentIndex,
		nullStr(tx.InvoiceMonth), boolInt(tx.InvoiceOverridden),
		nullStr(string(tx.LinkedTransactionID)), createdAt.Format(time.RFC3339),
	)
	return classify(err)
}

func updateTx(ctx context.Context, q queryer, tx ledger.Transaction) error {
	query := `
		UPDATE transactions SET
			description = ?, amount = ?, tx_type = ?, status = ?, tx_date = ?,
			invoice_month = ?, invoice_overridden = ?
		WHERE id = ?
	`
	_, err := q.ExecContext(ctx, query,
		tx.Description, int64(tx.Amount), tx.Type, tx.Status,
		tx.Date.UTC().Format(time.RFC3339),
		nullStr(tx.InvoiceMonth), boolInt(tx.InvoiceOverridden), tx.ID,
	)
	return classify(err)
}

// =============================================================================
// PERIOD LOCKS
// =============================================================================

func (s *Store) IsPeriodLocked(ctx context.Context, owner string, date time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM period_locks WHERE owner = ? AND month = ?",
		owner, ledger.MonthOf(date),
	).Scan(&count)
	if err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

func (s *Store) LockPeriod(ctx context.Context, owner, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO period_locks (owner, month, created_at) VALUES (?, ?, ?)
		ON CONFLICT(owner, month) DO NOTHING`,
		owner, month, time.Now().UTC().Format(time.RFC3339))
	return classify(err)
}

func (s *Store) UnlockPeriod(ctx context.Context, owner, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM period_locks WHERE owner = ? AND month = ?", owner, month)
	return classify(err)
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

func (s *Store) EnqueueOperation(ctx context.Context, op ledger.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, actor, kind, payload, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, op.Actor, op.Kind, op.Payload, op.Attempts,
		op.CreatedAt.UTC().Format(time.RFC3339))
	return classify(err)
}

func (s *Store) ListOperations(ctx context.Context) ([]ledger.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// rowid preserves enqueue order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, kind, payload, attempts, created_at
		FROM pending_operations ORDER BY rowid ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ops []ledger.PendingOperation
	for rows.Next() {
		var (
			op        ledger.PendingOperation
			createdAt string
		)
		if err := rows.Scan(&op.ID, &op.Actor, &op.Kind, &op.Payload, &op.Attempts, &createdAt); err != nil {
			return nil, classify(err)
		}
		op.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", id)
	return classify(err)
}

func (s *Store) SetAttempts(ctx context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_operations SET attempts = ? WHERE id = ?", attempts, id)
	return classify(err)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classify maps driver-level failures onto the engine's error taxonomy
// so storage internals never leak to callers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ledger.ErrTimeout, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ledger.ErrTransientStorage, err)
	}
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
