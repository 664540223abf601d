package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestRetryConfig_NormalizeFillsZeroes(t *testing.T) {
	var cfg RetryConfig
	cfg.normalize()

	def := DefaultRetryConfig()
	if cfg.InitialInterval != def.InitialInterval {
		t.Errorf("expected initial interval %v, got %v", def.InitialInterval, cfg.InitialInterval)
	}
	if cfg.MaxInterval != def.MaxInterval {
		t.Errorf("expected max interval %v, got %v", def.MaxInterval, cfg.MaxInterval)
	}
	if cfg.Multiplier != def.Multiplier {
		t.Errorf("expected multiplier %v, got %v", def.Multiplier, cfg.Multiplier)
	}
}

func TestTaskRuntime_DelaysGrowAcrossAttempts(t *testing.T) {
	cfg := RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0, // deterministic
	}

	rt := &taskRuntime{}
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}
	for i, expected := range want {
		if got := rt.nextDelay(cfg); got != expected {
			t.Errorf("delay %d: expected %v, got %v", i+1, expected, got)
		}
	}
}

func TestBreakerRegistry_OneBreakerPerAgent(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig())

	a1 := r.Get("agent-1")
	a2 := r.Get("agent-2")
	if a1 == a2 {
		t.Error("expected distinct breakers per agent")
	}
	if again := r.Get("agent-1"); again != a1 {
		t.Error("expected the same breaker instance on repeat lookups")
	}
}

func TestBreakerRegistry_OpensAfterConsecutiveFailures(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
	})
	cb := r.Get("agent-1")

	fail := func() (interface{}, error) { return nil, errors.New("broken") }

	if _, err := cb.Execute(fail); err == nil {
		t.Fatal("expected first failure to surface")
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed after 1 failure, got %s", cb.State())
	}

	_, _ = cb.Execute(fail)
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open after 2 consecutive failures, got %s", cb.State())
	}

	// An open circuit rejects without invoking the work.
	invoked := false
	_, err := cb.Execute(func() (interface{}, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if invoked {
		t.Error("expected the work function to be skipped while open")
	}
}

func TestBreakerRegistry_IgnoresSchedulerCancellations(t *testing.T) {
	// Timeouts and cancellations are the scheduler's doing; they must not
	// count against the agent.
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	})
	cb := r.Get("agent-1")

	_, _ = cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed after cancellation, got %s", cb.State())
	}

	_, _ = cb.Execute(func() (interface{}, error) { return nil, context.DeadlineExceeded })
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed after deadline, got %s", cb.State())
	}

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("real failure") })
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open after a real failure, got %s", cb.State())
	}
}

func TestBreakerRegistry_RecoversAfterCooldown(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         20 * time.Millisecond,
		HalfOpenRequests: 1,
	})
	cb := r.Get("agent-1")

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("transient") })
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != gobreaker.StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	if _, err := cb.Execute(func() (interface{}, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected the half-open probe to run, got %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected closed after a successful probe, got %s", cb.State())
	}
}
