/*
store.go - Storage interfaces for the mutation engine

PURPOSE:
  Defines the boundary between the mutation service and the database.
  Every balance-affecting write is an atomic PROCEDURE: a single storage
  transaction that inserts/updates/deletes rows, re-validates the
  funds/credit constraint, and adjusts account balances together. The
  service never computes a balance in one round trip and writes it in
  another - that window is exactly where races corrupt state.

KEY INTERFACES:
  MutationStore:   accounts, transactions, and the atomic procedures
  PeriodLockStore: closed accounting periods per owner
  QueueStore:      durable FIFO for offline-captured mutations

ATOMICITY CONTRACT:
  CreateTransactions, ApplyEdit, ApplyDelete each either fully apply
  (rows + balances, visible together) or leave storage untouched. A
  transfer's two legs go through CreateTransactions as one batch.

IMPLEMENTATIONS:
  - store/sqlite:      production SQLite
  - store/postgres:    PostgreSQL
  - ledger/store:      in-memory, for tests

SEE ALSO:
  - types.go: EditCommand/DeleteCommand payloads
  - validator.go: PendingReader (implemented by MutationStore)
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// MUTATION STORE
// =============================================================================

// EditCommand asks the store to patch the target transaction and, per
// Scope, its siblings sharing ParentID. The store resolves the scope
// inside the same storage transaction that applies the patch.
type EditCommand struct {
	Target TransactionID
	Scope  EditScope
	Patch  TransactionPatch
}

// DeleteCommand removes the target (and scoped siblings), reversing the
// balance effect of every completed row it removes.
type DeleteCommand struct {
	Target TransactionID
	Scope  EditScope
}

// MutationStore is the storage contract for the five mutation operations.
//
// INVARIANT: after any procedure returns nil, every account's balance
// equals the signed sum of its completed transactions.
type MutationStore interface {
	PendingReader

	// GetAccount returns the account or ErrNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// SaveAccount inserts or updates an account record. Account lifecycle
	// is outside the mutation core; this exists for wiring and tests.
	SaveAccount(ctx context.Context, acct Account) error

	// ListAccounts returns all accounts ordered by label then id.
	ListAccounts(ctx context.Context) ([]Account, error)

	// GetTransaction returns the transaction or ErrNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// ListTransactions returns an account's transactions ordered by date.
	ListTransactions(ctx context.Context, accountID AccountID) ([]Transaction, error)

	// ListInvoiceTransactions returns a credit account's transactions
	// billed under the given YYYY-MM invoice month.
	ListInvoiceTransactions(ctx context.Context, accountID AccountID, month string) ([]Transaction, error)

	// CreateTransactions atomically inserts the batch (one row, an
	// installment series, or a linked transfer pair), re-validates the
	// funds/credit constraint for every completed expense, and updates the
	// touched balances. Returns the balances after commit.
	CreateTransactions(ctx context.Context, txs []Transaction) (BalanceSet, error)

	// ApplyEdit atomically patches the scoped rows, recomputing balance
	// deltas consistently with the create-path rules. Returns the number
	// of rows changed and the balances after commit.
	ApplyEdit(ctx context.Context, cmd EditCommand) (int, BalanceSet, error)

	// ApplyDelete atomically removes the scoped rows, reversing completed
	// effects first. A missing target is success with zero affected rows.
	ApplyDelete(ctx context.Context, cmd DeleteCommand) (int, BalanceSet, error)
}

// =============================================================================
// PERIOD LOCKS
// =============================================================================

// PeriodLockStore tracks closed accounting periods per owner. A locked
// month rejects every mutation dated inside it.
type PeriodLockStore interface {
	IsPeriodLocked(ctx context.Context, owner string, date time.Time) (bool, error)
	LockPeriod(ctx context.Context, owner, month string) error
	UnlockPeriod(ctx context.Context, owner, month string) error
}

// =============================================================================
// OFFLINE QUEUE STORE
// =============================================================================

// QueueStore persists offline-captured mutations across process restarts.
// Enqueue order is replay order.
type QueueStore interface {
	EnqueueOperation(ctx context.Context, op PendingOperation) error

	// ListOperations returns all pending operations in enqueue order.
	ListOperations(ctx context.Context) ([]PendingOperation, error)

	// DeleteOperation removes a confirmed-replayed entry.
	DeleteOperation(ctx context.Context, id string) error

	// SetAttempts records a failed replay attempt count.
	SetAttempts(ctx context.Context, id string, attempts int) error
}
