/*
offline.go - Durable capture and replay of offline mutations

PURPOSE:
  When storage is unreachable, mutations are captured into a durable
  FIFO queue instead of being lost. Once connectivity returns they
  replay strictly in capture order through the same service path and
  the same idempotency cache as live requests, so a mutation that also
  arrived live does not apply twice.

REPLAY RULES:
  - Success: the entry is removed.
  - Business rejection: replaying cannot change the outcome; the entry
    is logged and removed.
  - Transient failure: the attempt count is recorded and the pass
    halts, preserving order for the next pass. After maxAttempts the
    entry is dropped with a log record rather than wedging the queue.

WORKER:
  Start launches a single goroutine that runs a replay pass on a fixed
  interval until Stop. Passes never overlap.
*/
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plani/ledger-engine/ledger"
)

const (
	defaultReplayInterval = 30 * time.Second
	defaultMaxAttempts    = 10
)

// OfflineQueue captures mutations while storage is down and replays
// them through the service when it recovers.
type OfflineQueue struct {
	store       ledger.QueueStore
	svc         *Service
	cache       *IdempotencyCache
	log         zerolog.Logger
	maxAttempts int
	interval    time.Duration
	now         func() time.Time
	newID       func() string

	mu   sync.Mutex // serializes replay passes
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// QueueOption configures an OfflineQueue.
type QueueOption func(*OfflineQueue)

// WithQueueLogger sets the structured logger.
func WithQueueLogger(log zerolog.Logger) QueueOption {
	return func(q *OfflineQueue) { q.log = log }
}

// WithReplayInterval overrides the worker's pass interval.
func WithReplayInterval(d time.Duration) QueueOption {
	return func(q *OfflineQueue) { q.interval = d }
}

// WithMaxAttempts overrides the drop threshold for failing entries.
func WithMaxAttempts(n int) QueueOption {
	return func(q *OfflineQueue) { q.maxAttempts = n }
}

// NewOfflineQueue builds a queue over a durable store. The cache must
// be the same instance the live request path uses.
func NewOfflineQueue(store ledger.QueueStore, svc *Service, cache *IdempotencyCache, opts ...QueueOption) *OfflineQueue {
	q := &OfflineQueue{
		store:       store,
		svc:         svc,
		cache:       cache,
		log:         zerolog.Nop(),
		maxAttempts: defaultMaxAttempts,
		interval:    defaultReplayInterval,
		now:         time.Now,
		newID:       uuid.NewString,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue captures a mutation for later replay.
func (q *OfflineQueue) Enqueue(ctx context.Context, actor string, kind ledger.MutationKind, req any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: unencodable request: %v", ledger.ErrValidation, err)
	}
	op := ledger.PendingOperation{
		ID:        q.newID(),
		Actor:     actor,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}
	if err := q.store.EnqueueOperation(ctx, op); err != nil {
		return err
	}
	q.log.Info().Str("operation", op.ID).Str("kind", string(kind)).Msg("mutation queued for replay")
	return nil
}

// Start launches the periodic replay worker.
func (q *OfflineQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-ticker.C:
				if err := q.Replay(context.Background()); err != nil {
					q.log.Warn().Err(err).Msg("replay pass halted")
				}
			}
		}
	}()
}

// Stop halts the worker and waits for an in-flight pass to finish.
func (q *OfflineQueue) Stop() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Replay drains the queue in capture order. A transient failure halts
// the pass so later entries cannot jump ahead of earlier ones.
func (q *OfflineQueue) Replay(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return err
	}

	for _, op := range ops {
		err := q.replayOne(ctx, op)
		if err == nil {
			if derr := q.store.DeleteOperation(ctx, op.ID); derr != nil {
				return derr
			}
			continue
		}

		if ledger.IsBusiness(err) || !ledger.IsTransient(err) {
			// Replaying cannot change this outcome.
			q.log.Warn().Err(err).Str("operation", op.ID).
				Str("kind", string(op.Kind)).Msg("queued mutation rejected, dropping")
			if derr := q.store.DeleteOperation(ctx, op.ID); derr != nil {
				return derr
			}
			continue
		}

		attempts := op.Attempts + 1
		if attempts >= q.maxAttempts {
			q.log.Error().Err(err).Str("operation", op.ID).Int("attempts", attempts).
				Msg("queued mutation exhausted retries, dropping")
			if derr := q.store.DeleteOperation(ctx, op.ID); derr != nil {
				return derr
			}
			continue
		}
		if serr := q.store.SetAttempts(ctx, op.ID, attempts); serr != nil {
			return serr
		}
		return fmt.Errorf("operation %s failed (attempt %d): %w", op.ID, attempts, err)
	}
	return nil
}

// replayOne dispatches by kind through the shared idempotency cache,
// so an operation that already applied live replays its cached result.
func (q *OfflineQueue) replayOne(ctx context.Context, op ledger.PendingOperation) error {
	run := func(req any, fn func() (*MutationResult, error)) error {
		key := RequestKey(op.Actor, op.Kind, req)
		_, _, err := q.cache.Execute(ctx, key, fn)
		return err
	}

	switch op.Kind {
	case ledger.MutationCreate:
		var req ledger.CreateRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", ledger.ErrValidation, err)
		}
		return run(req, func() (*MutationResult, error) {
			return q.svc.Create(ctx, op.Actor, req)
		})
	case ledger.MutationEdit:
		var req ledger.EditRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", ledger.ErrValidation, err)
		}
		return run(req, func() (*MutationResult, error) {
			return q.svc.Edit(ctx, op.Actor, req)
		})
	case ledger.MutationDelete:
		var req ledger.DeleteRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", ledger.ErrValidation, err)
		}
		return run(req, func() (*MutationResult, error) {
			return q.svc.Delete(ctx, op.Actor, req)
		})
	case ledger.MutationTransfer:
		var req ledger.TransferRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", ledger.ErrValidation, err)
		}
		return run(req, func() (*MutationResult, error) {
			return q.svc.Transfer(ctx, op.Actor, req)
		})
	case ledger.MutationPayBill:
		var req ledger.PayBillRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", ledger.ErrValidation, err)
		}
		return run(req, func() (*MutationResult, error) {
			return q.svc.PayBill(ctx, op.Actor, req)
		})
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ledger.ErrValidation, op.Kind)
	}
}
