// Package breaker implements the per-upstream circuit breaker (C2): it
// tracks consecutive failures and, optionally, the failure rate for one
// upstream and opens,
// half-opens, and closes according to the configured thresholds.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State mirrors the circuit breaker's state machine vocabulary from the
// resilience design: CLOSED, OPEN, HALF_OPEN.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Settings configures a Breaker.
type Settings struct {
	// Name identifies this breaker in logs and metrics (typically the
	// upstream name).
	Name string
	// FailureThreshold is the number of consecutive failures before the
	// breaker trips from CLOSED to OPEN.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN required to close the breaker.
	SuccessThreshold uint32
	// Cooldown is how long the breaker stays OPEN before allowing
	// probes through in HALF_OPEN (up to SuccessThreshold of them).
	Cooldown time.Duration
	// RollingWindow, if non-zero, enables a failure-rate trip condition:
	// the breaker also trips when failures make up 50% or more of the
	// requests counted since it last changed state, once at least
	// RollingWindow/2 requests have been counted. The counts are
	// cumulative, not a sliding window over the last RollingWindow
	// requests.
	RollingWindow uint32
	// OnStateChange is invoked after every transition, with the
	// upstream name and the old/new state. May be nil.
	OnStateChange func(name string, from, to State)
}

// Breaker wraps a two-step gobreaker circuit breaker, exposing the
// allow/record contract of the resilience design instead of gobreaker's
// Execute-a-closure API, since the caller (the resilient connection)
// needs to interleave the upstream call with its own deadline and
// statistics bookkeeping between Allow and the eventual Success/Failure.
type Breaker struct {
	name string
	gbs  gobreaker.Settings
	mu   sync.RWMutex
	cb   *gobreaker.TwoStepCircuitBreaker[any]
}

// New creates a Breaker from Settings.
func New(s Settings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}

	readyToTrip := func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= s.FailureThreshold {
			return true
		}
		if s.RollingWindow > 0 && counts.Requests >= s.RollingWindow/2 && counts.Requests > 0 {
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= 0.5
		}
		return false
	}

	var onStateChange func(name string, from, to gobreaker.State)
	if s.OnStateChange != nil {
		onStateChange = func(name string, from, to gobreaker.State) {
			s.OnStateChange(name, fromGobreakerState(from), fromGobreakerState(to))
		}
	}

	gbs := gobreaker.Settings{
		Name:          s.Name,
		MaxRequests:   s.SuccessThreshold,
		Timeout:       s.Cooldown,
		ReadyToTrip:   readyToTrip,
		OnStateChange: onStateChange,
	}

	return &Breaker{name: s.Name, gbs: gbs, cb: gobreaker.NewTwoStepCircuitBreaker[any](gbs)}
}

// ErrOpen is returned by Allow when the breaker refuses the call because
// it is OPEN (still within cooldown) or HALF_OPEN with its probe budget
// already spent.
var ErrOpen = errors.New("circuit breaker open")

// Permit is returned by a successful Allow call. Exactly one of
// Success or Failure must be called to report the outcome of the
// operation the permit was acquired for; Cancelled operations must call
// neither, since cancellation is never recorded as a breaker failure.
type Permit struct {
	done func(success bool)
}

// Success records that the permitted operation completed successfully.
func (p *Permit) Success() {
	if p == nil || p.done == nil {
		return
	}
	p.done(true)
}

// Failure records that the permitted operation failed.
func (p *Permit) Failure() {
	if p == nil || p.done == nil {
		return
	}
	p.done(false)
}

// Allow reports whether a new operation may proceed. On permission it
// returns a Permit that the caller must resolve with Success or
// Failure. On refusal it returns ErrOpen as the reason.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	done, err := cb.Allow()
	if err != nil {
		return nil, ErrOpen
	}
	return &Permit{done: done}, nil
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fromGobreakerState(b.cb.State())
}

// ForceOpen trips the breaker immediately regardless of counts, by
// acquiring a permit and reporting a failure — the only way gobreaker
// exposes to force a transition, matching the manual-override semantics
// of the resilience design.
func (b *Breaker) ForceOpen() {
	if b.State() == StateOpen {
		return
	}
	for {
		b.mu.RLock()
		cb := b.cb
		b.mu.RUnlock()

		done, err := cb.Allow()
		if err != nil {
			return
		}
		done(false)
		if b.State() == StateOpen {
			return
		}
	}
}

// ForceClose is an unconditional manual override: it replaces the
// underlying breaker with a fresh one in CLOSED state, regardless of
// whether the current breaker is OPEN and still within its cooldown.
// gobreaker exposes no public setter for its internal state, and
// draining permits via Allow/done cannot work from OPEN (Allow refuses
// every call until the cooldown timer expires), so a fresh instance is
// the only way to force CLOSED unconditionally.
func (b *Breaker) ForceClose() {
	fresh := gobreaker.NewTwoStepCircuitBreaker[any](b.gbs)

	b.mu.Lock()
	prev := b.cb.State()
	b.cb = fresh
	b.mu.Unlock()

	if prev != gobreaker.StateClosed && b.gbs.OnStateChange != nil {
		b.gbs.OnStateChange(b.name, prev, gobreaker.StateClosed)
	}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string {
	return b.name
}
