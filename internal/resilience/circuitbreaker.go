// Package resilience provides the circuit breaker that guards model loads.
//
// The model registry keeps one [CircuitBreaker] per language. After
// MaxFailures consecutive engine load failures the breaker opens and loads
// fail fast with [ErrCircuitOpen]. Once the open period has elapsed a
// single probe load is let through: success closes the breaker, failure
// re-opens it with the open period doubled, up to MaxResetTimeout. A broken
// model directory therefore costs one multi-second load per period rather
// than one per request.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the open period elapses.
	StateOpen

	// StateHalfOpen lets one probe call through.
	StateHalfOpen
)

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

// Defaults applied by [NewCircuitBreaker] to zero config fields.
const (
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 30 * time.Second
	DefaultMaxResetTimeout = 10 * time.Minute
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is the first open period.
	ResetTimeout time.Duration

	// MaxResetTimeout caps the open period as failed probes double it.
	// Values below ResetTimeout disable the backoff.
	MaxResetTimeout time.Duration

	// OnStateChange, if set, runs after every transition with the breaker
	// lock held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to step through open periods.
	Now func() time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
	period    time.Duration
	probing   bool
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take the
// package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.MaxResetTimeout == 0 {
		cfg.MaxResetTimeout = DefaultMaxResetTimeout
	}
	if cfg.MaxResetTimeout < cfg.ResetTimeout {
		cfg.MaxResetTimeout = cfg.ResetTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, period: cfg.ResetTimeout}
}

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. While half-open only one
// caller probes at a time; concurrent callers are rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and whether it is the probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Before(cb.openUntil) {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		slog.Info("resilience: breaker probing", "name", cb.cfg.Name)
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
		if err != nil {
			cb.period = min(cb.period*2, cb.cfg.MaxResetTimeout)
			cb.open()
			slog.Warn("resilience: probe failed, breaker re-opened",
				"name", cb.cfg.Name, "retry_in", cb.period, "err", err)
			return
		}
		cb.closeLocked()
		slog.Info("resilience: probe succeeded, breaker closed", "name", cb.cfg.Name)
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.open()
		slog.Warn("resilience: breaker opened",
			"name", cb.cfg.Name, "consecutive_failures", cb.failures, "retry_in", cb.period)
	}
}

// State returns the breaker's state. An open breaker whose period has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.cfg.Now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// RetryAfter returns how long an open breaker keeps rejecting calls, or zero
// when it would admit one now.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	return max(cb.openUntil.Sub(cb.cfg.Now()), 0)
}

// Reset closes the breaker and forgets its failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	cb.closeLocked()
	slog.Info("resilience: breaker reset", "name", cb.cfg.Name)
}

func (cb *CircuitBreaker) open() {
	cb.openUntil = cb.cfg.Now().Add(cb.period)
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) closeLocked() {
	cb.failures = 0
	cb.period = cb.cfg.ResetTimeout
	cb.setState(StateClosed)
}

// setState records next and notifies OnStateChange on a real change.
func (cb *CircuitBreaker) setState(next State) {
	prev := cb.state
	cb.state = next
	if prev != next && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, next)
	}
}
