package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_RegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(Opts{Namespace: "conductor", Registerer: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m.TaskFinished("complete", 150*time.Millisecond)
	m.TaskFinished("failed", 50*time.Millisecond)
	m.TaskRetried()
	m.LockContention()
	m.LockExpired()
	m.SetRunning(2)
	m.SetQueueDepth(5)
	m.SetAgentsBusy(2)

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]bool{}
	for _, f := range fams {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"conductor_tasks_total",
		"conductor_task_retries_total",
		"conductor_lock_contention_total",
		"conductor_locks_expired_total",
		"conductor_tasks_running",
		"conductor_queue_depth",
		"conductor_agents_busy",
		"conductor_task_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("expected metric family %q to be registered", name)
		}
	}
}

func TestNew_ReusesExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := Opts{Namespace: "conductor", Registerer: reg}

	a := MustNew(opts)
	b := MustNew(opts) // second registration must reuse, not fail

	a.TaskRetried()
	b.TaskRetried()

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == "conductor_task_retries_total" {
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("expected shared counter at 2, got %v", got)
			}
			return
		}
	}
	t.Fatal("retries counter not found")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	// None of these may panic; the orchestrator calls them unguarded.
	m.TaskFinished("complete", time.Second)
	m.TaskRetried()
	m.LockContention()
	m.LockExpired()
	m.SetRunning(1)
	m.SetQueueDepth(1)
	m.SetAgentsBusy(1)
}
