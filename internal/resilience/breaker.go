// Package resilience keeps LLM completions flowing when a backend misbehaves.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering a failing backend. [FallbackGroup] chains several backends
// of the same type behind per-backend breakers, so a refresh cycle degrades to
// the next configured provider instead of failing outright. [LLMFallback] is
// the concrete chain the server wires in front of [llm.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// its cooldown has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerHalfOpen lets a bounded number of probe calls through to decide
	// whether the backend has recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero values fall back to the defaults
// noted per field.
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker. Default 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// ProbeBudget is how many consecutive probe successes close a half-open
	// breaker. Default 3.
	ProbeBudget int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time
}

// NewBreaker builds a closed breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker rejects the call. The returned error is fn's
// own error, or [ErrBreakerOpen] when fn was never invoked.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.observe(err)
	return err
}

// allow admits or rejects the next call, moving an expired open breaker into
// half-open on the way.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.cfg.Logger.Info("breaker half-open, probing backend", "name", b.cfg.Name)
	}
	return nil
}

// observe folds one call outcome into the breaker state.
func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		if err != nil {
			// One bad probe is enough evidence the backend is still down.
			b.trip()
			return
		}
		b.probes++
		if b.probes >= b.cfg.ProbeBudget {
			b.state = BreakerClosed
			b.failures = 0
			b.cfg.Logger.Info("breaker closed, backend recovered", "name", b.cfg.Name)
		}

	default:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.cfg.Logger.Warn("breaker opened",
		"name", b.cfg.Name,
		"consecutive_failures", b.failures)
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}
