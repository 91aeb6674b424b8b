package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget is the process-wide outbound call allowance shared by event
// ingestion, reconciliation and link validation. It combines a token
// bucket with a cooldown gate: a rate-limit response from the external
// system pauses ALL outbound calls for the advertised window, not just
// the offending caller.
type Budget struct {
	limiter *rate.Limiter

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewBudget creates a budget allowing callsPerSecond sustained with the
// given burst. Zero or negative values disable the token bucket (the
// cooldown gate still applies).
func NewBudget(callsPerSecond float64, burst int) *Budget {
	var limiter *rate.Limiter
	if callsPerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	}
	return &Budget{limiter: limiter}
}

// Wait blocks until an outbound call is permitted or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	b.mu.Lock()
	until := b.cooldownUntil
	b.mu.Unlock()

	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// Pause suspends all outbound calls for d. Used when the tracker answers
// 429; the longest advertised window wins if calls overlap.
func (b *Budget) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	b.mu.Lock()
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
	b.mu.Unlock()
}

// Paused reports whether the cooldown gate is currently closed.
func (b *Budget) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.cooldownUntil)
}
