// Package resilience provides a circuit breaker for flaky downstream
// dependencies.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open).
// calltail wraps it around archive writes so a dead Postgres does not stall
// the consumer loop on every delivered record: after a run of failures the
// breaker opens and writes are skipped until a probe succeeds.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is open and the reset
// timeout has not yet elapsed. The wrapped call is not attempted.
var ErrOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls. This is the normal state.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Success
	// closes the breaker, any failure re-opens it.
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

// Config holds the tuning knobs for a [Breaker].
type Config struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is how many probe calls the half-open state permits before
	// the breaker decides. Default: 3.
	HalfOpenMax int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu            sync.Mutex
	state         State
	failStreak    int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// New creates a [Breaker]. Zero-value config fields get defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns [ErrOpen]
// without calling fn; in the half-open state only a limited number of probes
// get through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		slog.Info("breaker half-open, probing", "name", b.name)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			// Probe budget spent, wait for the in-flight probes to settle.
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
		b.fail(probing)
	} else {
		b.succeed(probing)
	}
	return err
}

// fail records a failed call. Caller holds b.mu.
func (b *Breaker) fail(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.halfOpenFails++
		// Any probe failure re-opens immediately.
		b.state = StateOpen
		b.failStreak = b.maxFailures
		slog.Warn("breaker re-opened", "name", b.name)
		return
	}

	b.failStreak++
	if b.failStreak >= b.maxFailures {
		b.state = StateOpen
		slog.Warn("breaker opened", "name", b.name, "failures", b.failStreak)
	}
}

// succeed records a successful call. Caller holds b.mu.
func (b *Breaker) succeed(probing bool) {
	if probing {
		if b.halfOpenCalls-b.halfOpenFails >= b.halfOpenMax {
			b.state = StateClosed
			b.failStreak = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failStreak = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the real transition happens on
// the next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failStreak = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
}
