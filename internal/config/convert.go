package config

import (
	"time"

	"github.com/aristath/conductor/internal/orchestrator"
)

// ToOrchestrator maps the file-level configuration onto the scheduler's
// runtime config. The Bus and Metrics fields are left nil for the caller to
// wire.
func (c *ConductorConfig) ToOrchestrator() orchestrator.Config {
	return orchestrator.Config{
		MaxConcurrentAgents:  c.MaxConcurrentAgents,
		MaxQueueSize:         c.MaxQueueSize,
		TaskTimeout:          ms(c.TaskTimeoutMS),
		LockTTL:              ms(c.LockTTLMS),
		StallPollInterval:    ms(c.StallPollIntervalMS),
		AutoResolveConflicts: c.AutoResolveConflicts,
		ConflictPolicy:       c.ConflictPolicy,
		Retry: orchestrator.RetryConfig{
			InitialInterval:     ms(c.Retry.InitialIntervalMS),
			MaxInterval:         ms(c.Retry.MaxIntervalMS),
			Multiplier:          c.Retry.Multiplier,
			RandomizationFactor: c.Retry.RandomizationFactor,
		},
		Breaker: orchestrator.BreakerConfig{
			FailureThreshold: uint32(c.Breaker.FailureThreshold),
			Cooldown:         ms(c.Breaker.CooldownMS),
			HalfOpenRequests: uint32(c.Breaker.HalfOpenRequests),
		},
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
