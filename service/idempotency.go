/*
idempotency.go - Request deduplication and in-flight coalescing

PURPOSE:
  A retried mutation (client retry, offline replay, double tap) must
  not apply twice. The cache keys each request by its canonical content
  and actor:

  - First arrival executes and its outcome is remembered.
  - A duplicate arriving while the first is still running waits for
    and shares that outcome instead of executing again.
  - A duplicate arriving within the TTL replays the remembered outcome
    without touching storage.

WHAT IS REMEMBERED:
  Successful results and business rejections both replay; the duplicate
  of a rejected request is rejected the same way. Transient failures
  are NOT remembered, so a genuine retry after an outage executes.

BOUNDS:
  Every hit refreshes an entry's last-access time; entries expire once
  unaccessed for the TTL. The cache holds at most maxEntries; past
  that the least recently used tenth is evicted. A janitor goroutine
  sweeps expired entries every minute until Close.
*/
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plani/ledger-engine/ledger"
)

const (
	idempotencyTTL   = 2 * time.Minute
	idempotencyMax   = 1000
	janitorInterval  = time.Minute
	evictionFraction = 10 // evict 1/10 of entries when full
)

type cacheEntry struct {
	done       chan struct{} // closed when the first execution finishes
	result     *MutationResult
	err        error
	storedAt   time.Time
	lastAccess time.Time // refreshed on every hit; orders eviction
}

// IdempotencyCache deduplicates mutations by canonical request key.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	max     int
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// NewIdempotencyCache builds a cache with default bounds and starts
// its expiry janitor. Call Close to stop it.
func NewIdempotencyCache() *IdempotencyCache {
	c := &IdempotencyCache{
		entries: make(map[string]*cacheEntry),
		ttl:     idempotencyTTL,
		max:     idempotencyMax,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Close stops the janitor.
func (c *IdempotencyCache) Close() {
	c.stopped.Do(func() { close(c.stop) })
}

// Execute runs fn exactly once per key within the TTL. Concurrent
// callers with the same key block on the first execution and share its
// outcome. replayed reports whether the outcome came from the cache.
func (c *IdempotencyCache) Execute(ctx context.Context, key string, fn func() (*MutationResult, error)) (result *MutationResult, replayed bool, err error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && !c.expiredLocked(entry) {
		entry.lastAccess = c.now()
		c.mu.Unlock()
		select {
		case <-entry.done:
			return entry.result, true, entry.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	entry := &cacheEntry{done: make(chan struct{})}
	c.entries[key] = entry
	c.evictLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if r := recover(); r != nil {
			// Waiters get an error instead of blocking forever, and the
			// key stays free for a fresh attempt.
			entry.err = fmt.Errorf("mutation panicked: %v", r)
			delete(c.entries, key)
			c.mu.Unlock()
			close(entry.done)
			panic(r)
		}
		entry.result = result
		entry.err = err
		now := c.now()
		entry.storedAt = now
		entry.lastAccess = now
		if err != nil && ledger.IsTransient(err) {
			// Let a real retry through once the outage passes.
			delete(c.entries, key)
		}
		c.mu.Unlock()
		close(entry.done)
	}()

	result, err = fn()
	return result, false, err
}

// expiredLocked treats an unfinished entry (storedAt zero) as live.
func (c *IdempotencyCache) expiredLocked(e *cacheEntry) bool {
	return !e.storedAt.IsZero() && c.now().Sub(e.lastAccess) > c.ttl
}

// evictLocked drops the least recently used tenth when over capacity.
// In-flight entries are never evicted.
func (c *IdempotencyCache) evictLocked() {
	if len(c.entries) <= c.max {
		return
	}

	type aged struct {
		key string
		at  time.Time
	}
	candidates := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		if entry.storedAt.IsZero() {
			continue
		}
		candidates = append(candidates, aged{key, entry.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].at.Before(candidates[j].at)
	})

	drop := c.max / evictionFraction
	if drop > len(candidates) {
		drop = len(candidates)
	}
	for _, victim := range candidates[:drop] {
		delete(c.entries, victim.key)
	}
}

func (c *IdempotencyCache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if c.expiredLocked(entry) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// RequestKey derives the canonical idempotency key for a mutation:
// the actor, the operation kind, and a digest of the JSON-encoded
// request. Identical requests from the same actor always hash alike.
func RequestKey(actor string, kind ledger.MutationKind, req any) string {
	payload, err := json.Marshal(req)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", req))
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s", actor, kind, hex.EncodeToString(sum[:]))
}
