package engine

import "time"

// Policy controls retry scheduling for failed applies.
type Policy struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// MaxRetries is the number of attempts before a record is parked in
	// needs_manual_review.
	MaxRetries int
}

// DefaultPolicy returns the stock retry policy: 1s base, 5m cap, 5
// attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 5,
	}
}

// Delay returns the backoff for the given zero-based retry count,
// doubling from BaseDelay and capped at MaxDelay.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
