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

func newTestQueue(t *testing.T) (*OfflineQueue, *Service, *store.Memory) {
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
	cache := NewIdempotencyCache()
	t.Cleanup(cache.Close)
	queue := NewOfflineQueue(mem, svc, cache)
	return queue, svc, mem
}

func TestReplayAppliesQueuedMutation(t *testing.T) {
	// GIVEN a create captured while storage was down
	queue, svc, mem := newTestQueue(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})

	req := ledger.CreateRequest{
		AccountID: "checking", Description: "offline purchase",
		Amount: ledger.NewAmount(-15_000), Type: ledger.TxExpense,
		Status: ledger.StatusCompleted, Date: date(2025, time.March, 6),
	}
	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, req))

	// WHEN connectivity returns and the queue replays
	require.NoError(t, queue.Replay(ctx))

	// THEN the mutation applied exactly as a live one would
	txs, err := svc.AccountTransactions(ctx, "checking")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "offline purchase", txs[0].Description)

	acct, err := mem.GetAccount(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(485_000), acct.Balance)

	// AND the queue drained
	ops, err := mem.ListOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestReplayPreservesCaptureOrder(t *testing.T) {
	// GIVEN an income followed by an expense it funds
	queue, _, mem := newTestQueue(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
	})

	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(100_000),
		Type: ledger.TxIncome, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	}))
	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-60_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 6),
	}))

	// WHEN replayed in order, the expense is funded by the income
	require.NoError(t, queue.Replay(ctx))

	acct, err := mem.GetAccount(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(40_000), acct.Balance)
}

func TestReplayDoesNotDuplicateLiveMutation(t *testing.T) {
	// GIVEN a mutation that was both queued and applied live through
	// the shared idempotency cache
	queue, svc, mem := newTestQueue(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})

	req := ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-15_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 6),
	}
	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, req))

	key := RequestKey("ana", ledger.MutationCreate, req)
	_, _, err := queue.cache.Execute(ctx, key, func() (*MutationResult, error) {
		return svc.Create(ctx, "ana", req)
	})
	require.NoError(t, err)

	// WHEN the queue replays
	require.NoError(t, queue.Replay(ctx))

	// THEN the expense applied once
	txs, err := svc.AccountTransactions(ctx, "checking")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	acct, err := mem.GetAccount(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(485_000), acct.Balance)
}

func TestReplayTransientFailureHaltsPass(t *testing.T) {
	queue, _, mem := newTestQueue(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
			AccountID: "checking", Amount: ledger.NewAmount(-10_000),
			Type: ledger.TxExpense, Status: ledger.StatusCompleted,
			Date: date(2025, time.March, 5+i),
		}))
	}

	// The service retries internally, so exhaust its burst too.
	mem.FailNext(3, fmt.Errorf("%w: still down", ledger.ErrTransientStorage))

	err := queue.Replay(ctx)
	require.Error(t, err)

	// Both entries remain, the first with a recorded attempt.
	ops, lerr := mem.ListOperations(ctx)
	require.NoError(t, lerr)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Zero(t, ops[1].Attempts)
}

func TestReplayDropsBusinessRejections(t *testing.T) {
	// GIVEN a queued expense the account can never fund
	queue, _, mem := newTestQueue(t)
	ctx := context.Background()
	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(5_000),
	})

	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-100_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	}))
	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-1_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 6),
	}))

	// WHEN replayed, the rejection is dropped and the pass continues
	require.NoError(t, queue.Replay(ctx))

	ops, err := mem.ListOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	acct, err := mem.GetAccount(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewAmount(4_000), acct.Balance)
}

func TestReplayDropsEntryAfterMaxAttempts(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, mem, WithRetryPolicy(instantPolicy(1)))
	cache := NewIdempotencyCache()
	t.Cleanup(cache.Close)
	queue := NewOfflineQueue(mem, svc, cache, WithMaxAttempts(2))
	ctx := context.Background()

	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})
	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	}))

	// First pass fails and records the attempt.
	mem.FailNext(1, fmt.Errorf("%w: down", ledger.ErrTransientStorage))
	require.Error(t, queue.Replay(ctx))

	// Second pass fails again and hits the attempt cap.
	mem.FailNext(1, fmt.Errorf("%w: down", ledger.ErrTransientStorage))
	require.NoError(t, queue.Replay(ctx))

	ops, err := mem.ListOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestWorkerReplaysPeriodically(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, mem)
	cache := NewIdempotencyCache()
	t.Cleanup(cache.Close)
	queue := NewOfflineQueue(mem, svc, cache, WithReplayInterval(10*time.Millisecond))
	ctx := context.Background()

	seed(t, mem, ledger.Account{
		ID: "checking", Owner: "ana", Kind: ledger.AccountChecking,
		Balance: ledger.NewAmount(500_000),
	})
	require.NoError(t, queue.Enqueue(ctx, "ana", ledger.MutationCreate, ledger.CreateRequest{
		AccountID: "checking", Amount: ledger.NewAmount(-10_000),
		Type: ledger.TxExpense, Status: ledger.StatusCompleted,
		Date: date(2025, time.March, 5),
	}))

	queue.Start()
	defer queue.Stop()

	require.Eventually(t, func() bool {
		ops, err := mem.ListOperations(ctx)
		return err == nil && len(ops) == 0
	}, time.Second, 10*time.Millisecond)
}
