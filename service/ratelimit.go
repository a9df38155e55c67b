/*
ratelimit.go - Per-actor sliding-window rate limiting

PURPOSE:
  Caps how many mutations one actor may issue inside a rolling window.
  Two policies ship with the engine: a strict one for money-moving
  operations (transfers, bill payments) and a moderate one for
  everything else. The HTTP layer picks which applies per endpoint.

MECHANISM:
  A timestamp list per actor. Allow prunes timestamps older than the
  window, then admits iff fewer than the limit remain. RetryAfter
  reports when the oldest in-window timestamp ages out.
*/
package service

import (
	"sync"
	"time"
)

// Default mutation rate policies.
const (
	StrictRateLimit   = 10 // transfers, bill payments
	ModerateRateLimit = 30 // create, edit, delete
	DefaultRateWindow = time.Minute
)

// RateLimiter admits up to limit events per actor per sliding window.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter builds a limiter admitting limit events per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records and admits one event for actor, or rejects it without
// recording when the window is full.
func (r *RateLimiter) Allow(actor string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.pruneLocked(actor, now)
	if len(recent) >= r.limit {
		return false
	}
	r.buckets[actor] = append(recent, now)
	return true
}

// RetryAfter reports how long actor must wait for the next admission.
// Zero means a request would be admitted now.
func (r *RateLimiter) RetryAfter(actor string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.pruneLocked(actor, now)
	r.buckets[actor] = recent
	if len(recent) < r.limit {
		return 0
	}
	return recent[0].Add(r.window).Sub(now)
}

func (r *RateLimiter) pruneLocked(actor string, now time.Time) []time.Time {
	stamps := r.buckets[actor]
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	pruned := stamps[i:]
	if len(pruned) == 0 {
		delete(r.buckets, actor)
		return nil
	}
	return pruned
}
