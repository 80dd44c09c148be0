package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// sat behind an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures a [FallbackGroup] and the breaker attached to
// each of its backends.
type FallbackConfig struct {
	// Breaker is the per-backend breaker tuning; the Name field is overridden
	// with each backend's own name.
	Breaker BreakerConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type entry[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// FallbackGroup chains a primary backend and any number of fallbacks of the
// same type. Calls go to the first backend whose breaker admits them;
// failures move on to the next entry in registration order.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	entries []entry[T]
}

// NewFallbackGroup builds a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a backend tried after all earlier entries.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	bc := g.cfg.Breaker
	bc.Name = name
	bc.Logger = g.cfg.Logger
	g.entries = append(g.entries, entry[T]{
		name:    name,
		backend: backend,
		breaker: NewBreaker(bc),
	})
}

// ExecuteWithResult runs fn against each backend in order until one succeeds.
// A free function rather than a method so that the result type can be
// generic too.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		e := &g.entries[i]

		var out R
		err := e.breaker.Do(func() error {
			var callErr error
			out, callErr = fn(e.backend)
			return callErr
		})
		if err == nil {
			return out, nil
		}

		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			g.cfg.Logger.Debug("backend skipped, breaker open", "backend", e.name)
		} else {
			g.cfg.Logger.Warn("backend failed, trying next",
				"backend", e.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
