// Package circuitbreaker implements the reading-store circuit breaker
// (C16): when Postgres writes start failing, trip to Open so the
// normalizer dead-letters immediately with "ingest_error:circuit_open"
// instead of blocking every device worker on repeated timeouts.
//
// # State machine
//
//	Closed ──(error rate >= threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)─────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// # Why sliding window, not counters
//
// A fixed counter resets on a schedule regardless of traffic volume,
// so a burst of errors just before a reset is silently lost. A
// sliding window always reflects the last WindowDuration of writes, so
// the error rate stays meaningful under the bursty, per-MAC arrival
// pattern ingestion workers produce.
//
// # Concurrency
//
// All public methods are safe for concurrent use; they acquire the
// internal mutex for every call.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       // error percentage threshold to trip the breaker (0-100)
	WindowDuration time.Duration // sliding window for error rate calculation
	OpenDuration   time.Duration // how long the breaker stays open before half-open
	HalfOpenProbes int           // number of probe requests allowed in half-open state
}

// Breaker guards a single dependency (here: the reading store).
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call should be permitted through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.halfOpenProbes = 1
			b.halfOpenOK = 0
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = nil
			b.failures = nil
		}
	default:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		return
	default:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		if b.errorRate() >= b.cfg.ErrorPct {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

const maxWindowEntries = 10_000

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)
	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (b *Breaker) errorRate() float64 {
	total := len(b.successes) + len(b.failures)
	if total == 0 {
		return 0
	}
	return float64(len(b.failures)) / float64(total) * 100
}
