package config

import "path/filepath"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *ConductorConfig {
	return &ConductorConfig{
		MaxConcurrentAgents:  4,
		MaxQueueSize:         100,
		TaskTimeoutMS:        120_000,
		LockTTLMS:            300_000,
		StallPollIntervalMS:  100,
		AutoResolveConflicts: true,
		ConflictPolicy:       "first_writer_wins",
		Retry: RetrySection{
			InitialIntervalMS:   100,
			MaxIntervalMS:       10_000,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerSection{
			FailureThreshold: 5,
			CooldownMS:       30_000,
			HalfOpenRequests: 3,
		},
		Workspace:   ".",
		JournalPath: filepath.Join(".conductor", "journal.db"),
	}
}
