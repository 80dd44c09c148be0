package resilience

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func newTestBreaker(cfg BreakerConfig) *Breaker {
	cfg.Logger = slog.New(slog.DiscardHandler)
	return NewBreaker(cfg)
}

func failN(b *Breaker, n int) {
	for range n {
		_ = b.Do(func() error { return errBackend })
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "llm", MaxFailures: 3})
	failN(b, 2)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(b, 1)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Do on open breaker = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "llm", MaxFailures: 3})
	failN(b, 2)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	failN(b, 2)

	if got := b.State(); got != BreakerClosed {
		t.Errorf("state = %v, want closed after interleaved success", got)
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{
		Name:        "llm",
		MaxFailures: 1,
		Cooldown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})
	failN(b, 1)
	time.Sleep(20 * time.Millisecond)

	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", got)
	}
	for i := range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state after probes = %v, want closed", got)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{
		Name:        "llm",
		MaxFailures: 1,
		Cooldown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})
	failN(b, 1)
	time.Sleep(20 * time.Millisecond)

	failN(b, 1)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Do after failed probe = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "llm", MaxFailures: 1})
	failN(b, 1)
	b.Reset()

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("Do after reset: %v", err)
	}
}
