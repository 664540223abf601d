package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.MaxConcurrentAgents = 6
	cfg.AutoResolveConflicts = false
	cfg.Retry.InitialIntervalMS = 333

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path, filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.MaxConcurrentAgents != 6 {
		t.Errorf("MaxConcurrentAgents = %d, want 6", loaded.MaxConcurrentAgents)
	}
	if loaded.AutoResolveConflicts {
		t.Error("AutoResolveConflicts should survive the round trip as false")
	}
	if loaded.Retry.InitialIntervalMS != 333 {
		t.Errorf("Retry.InitialIntervalMS = %d, want 333", loaded.Retry.InitialIntervalMS)
	}
}

func TestSave_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".conductor", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
}

func TestSave_WritesIndentedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "\n  \"max_concurrent_agents\"") {
		t.Error("saved config should be indented JSON")
	}
	if !strings.Contains(text, `"conflict_policy": "first_writer_wins"`) {
		t.Errorf("saved config missing conflict_policy, got:\n%s", text)
	}
}
