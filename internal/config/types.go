package config

// RetrySection shapes the delay between a failed attempt and its requeue.
type RetrySection struct {
	InitialIntervalMS   int     `json:"initial_interval_ms"`
	MaxIntervalMS       int     `json:"max_interval_ms"`
	Multiplier          float64 `json:"multiplier"`
	RandomizationFactor float64 `json:"randomization_factor"`
}

// BreakerSection tunes the per-agent circuit breakers.
type BreakerSection struct {
	FailureThreshold int `json:"failure_threshold"`
	CooldownMS       int `json:"cooldown_ms"`
	HalfOpenRequests int `json:"half_open_requests"`
}

// ConductorConfig is the top-level configuration. Durations are plain
// millisecond integers so config files stay editable by hand.
type ConductorConfig struct {
	MaxConcurrentAgents  int    `json:"max_concurrent_agents"`
	MaxQueueSize         int    `json:"max_queue_size"`
	TaskTimeoutMS        int    `json:"task_timeout_ms"`
	LockTTLMS            int    `json:"lock_ttl_ms"`
	StallPollIntervalMS  int    `json:"stall_poll_interval_ms"`
	AutoResolveConflicts bool   `json:"auto_resolve_conflicts"`
	ConflictPolicy       string `json:"conflict_policy"`

	Retry   RetrySection   `json:"retry"`
	Breaker BreakerSection `json:"breaker"`

	// Workspace is the directory task commands run in. Relative paths
	// resolve against the current directory.
	Workspace string `json:"workspace"`
	// JournalPath locates the run journal database.
	JournalPath string `json:"journal_path"`
	// MetricsAddr is the Prometheus listen address; empty disables the
	// metrics endpoint.
	MetricsAddr string `json:"metrics_addr,omitempty"`
}
