// Package retry implements the capped exponential-backoff timing
// primitive shared by every component that retries a transient
// failure: MQTT connects, TCP reconnects, and device-worker restarts.
//
// # Why a pure value
//
// Policy carries no hidden state and no clock of its own. Delay(n) is
// a function of the attempt number alone, so callers can compute a
// delay without sleeping (useful in tests) and the same Policy value
// can be shared across every worker and pool connection without
// synchronization.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttempts is returned by Wait when n exceeds MaxAttempts.
var ErrMaxAttempts = errors.New("retry: max attempts exceeded")

// Policy is capped exponential backoff: delay(n) = min(MaxDelay,
// BaseDelay * 2^(n-1)) for n >= 1.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Default returns the spec-mandated defaults: 1s base, 60s cap, 12
// attempts.
func Default() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 12,
	}
}

// Delay computes the backoff for attempt n (1-indexed). It does not
// itself enforce MaxAttempts; call Wait or check n against
// MaxAttempts explicitly when that matters.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 60 * time.Second
	}

	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Exceeded reports whether attempt n has exhausted MaxAttempts.
func (p Policy) Exceeded(n int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 12
	}
	return n > max
}

// Wait sleeps for Delay(n), returning early if ctx is cancelled or if
// n has already exceeded MaxAttempts.
func (p Policy) Wait(ctx context.Context, n int) error {
	if p.Exceeded(n) {
		return fmt.Errorf("%w: attempt %d", ErrMaxAttempts, n)
	}
	t := time.NewTimer(p.Delay(n))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
