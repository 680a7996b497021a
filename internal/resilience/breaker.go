// Package resilience provides a circuit breaker guarding restart-prone
// subsystems, most notably the keyword spotter whose recognizer recreation
// can fail repeatedly when a model file is corrupt or the audio backend is
// wedged.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open)
// with one addition: consecutive failures only count against the trip
// threshold while they land inside a sliding failure window. A failure that
// arrives after a long quiet period starts a new streak instead of
// inheriting stale history.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] when the breaker is open and
// probing is not yet (or never) allowed.
var ErrOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects all calls with [ErrOpen]. When the breaker was
	// configured with ResetTimeout 0 it stays open until [Breaker.Reset].
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through after the
	// reset timeout. Successful probes close the breaker, a failure re-opens
	// it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of in-window consecutive failures that trip
	// the breaker. Default: 3.
	MaxFailures int

	// FailureWindow bounds how close together consecutive failures must be
	// to count as one streak. A failure arriving later than this after the
	// previous one restarts the streak at 1. Default: 10s.
	FailureWindow time.Duration

	// ResetTimeout is how long the breaker stays open before allowing
	// half-open probes. Zero means the breaker never self-heals and stays
	// open until Reset is called.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls permitted in the half-open
	// state. Default: 1.
	HalfOpenMax int
}

// Breaker implements the three-state circuit breaker pattern with a sliding
// failure window. It is safe for concurrent use.
type Breaker struct {
	name          string
	maxFailures   int
	failureWindow time.Duration
	resetTimeout  time.Duration
	halfOpenMax   int

	mu            sync.Mutex
	state         State
	streak        int
	lastFailure   time.Time
	halfOpenCalls int
}

// NewBreaker creates a [Breaker] from cfg, substituting defaults for
// zero-value fields. Note that ResetTimeout 0 is meaningful (manual reset
// only) and is not defaulted.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		failureWindow: cfg.FailureWindow,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrOpen] without calling fn; in the half-open state only a limited number
// of probes are let through. The error returned by fn is passed back to the
// caller unchanged.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.resetTimeout <= 0 || time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		slog.Info("breaker half-open, probing", "name", b.name)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(probing)
	} else {
		b.recordSuccess(probing)
	}
	return err
}

// recordFailure updates streak accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) {
	now := time.Now()

	if probing {
		// A single failed probe re-opens immediately.
		b.state = StateOpen
		b.streak = b.maxFailures
		b.lastFailure = now
		slog.Warn("breaker re-opened after failed probe", "name", b.name)
		return
	}

	if b.streak > 0 && now.Sub(b.lastFailure) > b.failureWindow {
		// Stale streak: this failure starts a new one.
		b.streak = 0
	}
	b.streak++
	b.lastFailure = now

	if b.streak >= b.maxFailures {
		b.state = StateOpen
		slog.Warn("breaker opened",
			"name", b.name,
			"consecutive_failures", b.streak,
			"window", b.failureWindow)
	}
}

// recordSuccess updates streak accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		if b.halfOpenCalls >= b.halfOpenMax {
			b.state = StateClosed
			b.streak = 0
			b.halfOpenCalls = 0
			slog.Info("breaker closed after successful probe", "name", b.name)
		}
		return
	}
	b.streak = 0
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the actual transition happens on the next
// Execute call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.resetTimeout > 0 && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed] and clears all failure
// history. This is the only way to close a breaker configured without a
// reset timeout.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.streak = 0
	b.halfOpenCalls = 0
	slog.Info("breaker manually reset", "name", b.name)
}
