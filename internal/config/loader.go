package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load builds the effective configuration by layering the global file and
// then the project file over the built-in defaults. A missing file is not an
// error; a file that exists but fails to parse is.
func Load(globalPath, projectPath string) (*ConductorConfig, error) {
	cfg := DefaultConfig()

	if err := mergeConfigFile(cfg, globalPath); err != nil {
		return nil, err
	}
	if err := mergeConfigFile(cfg, projectPath); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the standard config locations: ~/.conductor/config.json
// for the global layer and .conductor/config.json relative to the working
// directory for the project layer. The global path is empty when the home
// directory cannot be resolved.
func DefaultPaths() (globalPath, projectPath string) {
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = filepath.Join(home, ".conductor", "config.json")
	}
	return globalPath, filepath.Join(".conductor", "config.json")
}

// LoadDefault loads from the standard locations.
func LoadDefault() (*ConductorConfig, error) {
	globalPath, projectPath := DefaultPaths()
	return Load(globalPath, projectPath)
}

// mergeConfigFile unmarshals the file at path directly into cfg. Fields
// absent from the document keep their current values, so each layer only
// overrides what it actually sets.
func mergeConfigFile(cfg *ConductorConfig, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the scheduler cannot run with.
func (c *ConductorConfig) Validate() error {
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrent_agents must be at least 1, got %d", c.MaxConcurrentAgents)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.TaskTimeoutMS < 0 {
		return fmt.Errorf("task_timeout_ms must not be negative, got %d", c.TaskTimeoutMS)
	}
	if c.LockTTLMS < 0 {
		return fmt.Errorf("lock_ttl_ms must not be negative, got %d", c.LockTTLMS)
	}
	if c.StallPollIntervalMS < 0 {
		return fmt.Errorf("stall_poll_interval_ms must not be negative, got %d", c.StallPollIntervalMS)
	}
	switch c.ConflictPolicy {
	case "first_writer_wins", "reporter_wins":
	default:
		return fmt.Errorf("unknown conflict_policy %q", c.ConflictPolicy)
	}
	if c.Retry.Multiplier < 1 && c.Retry.Multiplier != 0 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	return nil
}
