package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig shapes the delay between a failed attempt and its requeue.
// The task's MaxRetries bounds how many attempts happen; the backoff only
// spaces them out, so there is no elapsed-time cap.
type RetryConfig struct {
	InitialInterval     time.Duration // delay after the first failure
	MaxInterval         time.Duration // delay ceiling
	Multiplier          float64       // growth factor per failure
	RandomizationFactor float64       // jitter
}

// DefaultRetryConfig returns the default retry timing.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c *RetryConfig) normalize() {
	def := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = def.RandomizationFactor
	}
}

// newBackOff builds a per-task policy. One instance lives for the task's
// whole retry sequence so delays keep growing across attempts.
func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = 0 // MaxRetries is the only bound
	bo.Multiplier = c.Multiplier
	bo.RandomizationFactor = c.RandomizationFactor
	bo.Reset()
	return bo
}

// nextDelay returns how long the task waits before its next dispatch.
func (rt *taskRuntime) nextDelay(cfg RetryConfig) time.Duration {
	if rt.bo == nil {
		rt.bo = cfg.newBackOff()
	}
	d := rt.bo.NextBackOff()
	if d == backoff.Stop {
		// Unreachable with MaxElapsedTime zero, but never wait forever.
		d = cfg.MaxInterval
	}
	return d
}

// BreakerConfig shapes the per-agent circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before the circuit opens
	Cooldown         time.Duration // open duration before a half-open probe
	HalfOpenRequests uint32        // probes allowed while half-open
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenRequests: 3,
	}
}

func (c *BreakerConfig) normalize() {
	def := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = def.HalfOpenRequests
	}
}

// BreakerRegistry manages one circuit breaker per agent. An open breaker
// parks its agent in the error status; assignment skips the agent until
// the cooldown elapses and the breaker half-opens.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	cfg.normalize()
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the agent's breaker, creating it on first use.
func (r *BreakerRegistry) Get(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // never clear counts automatically
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("WARNING: agent %q circuit breaker: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and timeouts are the scheduler's doing, not
			// evidence the agent is unhealthy.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[agentID] = cb
	return cb
}
