package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
)

func TestRun_DependencyOrdering(t *testing.T) {
	// 1. Diamond: setup -> {auth, db} -> api
	o := New(testConfig())
	defer o.Close()

	rec := &orderRecorder{}
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		rec.record(task.Name)
		time.Sleep(5 * time.Millisecond)
		return &scheduler.TaskResult{Success: true}, nil
	}))

	_, err := o.AddTasks([]scheduler.TaskSpec{
		{Name: "setup"},
		{Name: "auth", DependsOn: []string{"setup"}},
		{Name: "db", DependsOn: []string{"setup"}},
		{Name: "api", DependsOn: []string{"auth", "db"}},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	// 2. Run to completion
	stats := mustRun(t, o)
	if stats.ByStatus[scheduler.StatusComplete] != 4 {
		t.Fatalf("expected 4 completed, got %+v", stats.ByStatus)
	}

	// 3. setup strictly first, api strictly last
	if got := rec.indexOf("setup"); got != 0 {
		t.Errorf("expected setup to run first, ran at %d (%v)", got, rec.names())
	}
	if got := rec.indexOf("api"); got != 3 {
		t.Errorf("expected api to run last, ran at %d (%v)", got, rec.names())
	}
}

func TestRun_SharedFileNeverRunsConcurrently(t *testing.T) {
	// Three independent tasks all writing the same file: agents are
	// available but the lock must serialize them.
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 3
	o := New(cfg)
	defer o.Close()

	tracker := &concurrencyTracker{}
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		tracker.enter()
		defer tracker.exit()
		time.Sleep(20 * time.Millisecond)
		return &scheduler.TaskResult{Success: true}, nil
	}))

	for _, name := range []string{"edit-1", "edit-2", "edit-3"} {
		mustAdd(t, o, scheduler.TaskSpec{Name: name, Files: []string{"shared.go"}})
	}

	stats := mustRun(t, o)

	if stats.ByStatus[scheduler.StatusComplete] != 3 {
		t.Fatalf("expected 3 completed, got %+v", stats.ByStatus)
	}
	if max := tracker.maxConcurrent.Load(); max != 1 {
		t.Errorf("expected the file lock to serialize execution, saw %d concurrent", max)
	}
	if locks := o.Locks(); len(locks) != 0 {
		t.Errorf("expected no live locks after the run, got %d", len(locks))
	}
}

func TestRun_DisjointFilesRunInParallel(t *testing.T) {
	// 1. Six independent tasks, three agents: the pool is the only cap.
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 3
	o := New(cfg)
	defer o.Close()

	tracker := &concurrencyTracker{}
	g := newGate(6)
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		tracker.enter()
		defer tracker.exit()
		g.arrivals <- task.Name
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &scheduler.TaskResult{Success: true}, nil
	}))

	for i := 0; i < 6; i++ {
		mustAdd(t, o, scheduler.TaskSpec{Name: string(rune('a' + i))})
	}

	runErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		runErr <- err
	}()

	// 2. Exactly three executions start; the fourth waits for a slot.
	for i := 0; i < 3; i++ {
		g.awaitArrival(t)
	}
	select {
	case name := <-g.arrivals:
		t.Fatalf("task %s started beyond the agent cap", name)
	case <-time.After(100 * time.Millisecond):
	}

	// 3. Release everyone and let the backlog finish.
	close(g.release)
	if err := <-runErr; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if max := tracker.maxConcurrent.Load(); max != 3 {
		t.Errorf("expected peak concurrency 3, got %d", max)
	}
	stats := o.Stats()
	if stats.ByStatus[scheduler.StatusComplete] != 6 {
		t.Errorf("expected 6 completed, got %+v", stats.ByStatus)
	}
}

func TestRun_PriorityOrderWithSingleAgent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 1
	o := New(cfg)
	defer o.Close()

	rec := &orderRecorder{}
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		rec.record(task.Name)
		return &scheduler.TaskResult{Success: true}, nil
	}))

	// Insertion order deliberately scrambled.
	mustAdd(t, o, scheduler.TaskSpec{Name: "bg", Priority: scheduler.PriorityBackground})
	mustAdd(t, o, scheduler.TaskSpec{Name: "low", Priority: scheduler.PriorityLow})
	mustAdd(t, o, scheduler.TaskSpec{Name: "normal"})
	mustAdd(t, o, scheduler.TaskSpec{Name: "critical", Priority: scheduler.PriorityCritical})
	mustAdd(t, o, scheduler.TaskSpec{Name: "high", Priority: scheduler.PriorityHigh})

	mustRun(t, o)

	want := []string{"critical", "high", "normal", "low", "bg"}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("expected %d executions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected dispatch order %v, got %v", want, got)
		}
	}
}

func TestRun_BlockedHighPriorityDoesNotStarveOthers(t *testing.T) {
	// critical-2 shares a file with critical-1; normal-1 touches nothing.
	// While critical-1 holds the lock, the scheduler must skip past
	// critical-2 and give the idle agent to normal-1.
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 2
	o := New(cfg)
	defer o.Close()

	g := newGate(4)
	o.SetExecutor(g.executor())

	mustAdd(t, o, scheduler.TaskSpec{Name: "critical-1", Priority: scheduler.PriorityCritical, Files: []string{"core.go"}})
	mustAdd(t, o, scheduler.TaskSpec{Name: "critical-2", Priority: scheduler.PriorityCritical, Files: []string{"core.go"}})
	mustAdd(t, o, scheduler.TaskSpec{Name: "normal-1"})

	runErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		runErr <- err
	}()

	started := map[string]bool{
		g.awaitArrival(t): true,
		g.awaitArrival(t): true,
	}
	if !started["critical-1"] || !started["normal-1"] {
		t.Errorf("expected critical-1 and normal-1 to start first, got %v", started)
	}

	close(g.release)
	if err := <-runErr; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stats := o.Stats()
	if stats.ByStatus[scheduler.StatusComplete] != 3 {
		t.Errorf("expected 3 completed, got %+v", stats.ByStatus)
	}
}

func TestRun_RetryExhaustsBudget(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	var attempts atomic.Int32
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{Name: "flaky", MaxRetries: 2, Files: []string{"flaky.go"}})

	stats := mustRun(t, o)

	// MaxRetries bounds retries, so attempts = retries + 1.
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if final.RetryCount != 2 {
		t.Errorf("expected RetryCount 2, got %d", final.RetryCount)
	}
	if final.Error == nil || !strings.Contains(final.Error.Error(), "boom") {
		t.Errorf("expected the last attempt error, got %v", final.Error)
	}
	if stats.ByStatus[scheduler.StatusFailed] != 1 {
		t.Errorf("expected 1 failed in stats, got %+v", stats.ByStatus)
	}
	if locks := o.Locks(); len(locks) != 0 {
		t.Errorf("expected locks released after failure, got %d live", len(locks))
	}
}

func TestRun_RetryThenSuccess(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	var attempts atomic.Int32
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		if attempts.Add(1) == 1 {
			return &scheduler.TaskResult{Success: false, Output: "transient"}, nil
		}
		return &scheduler.TaskResult{Success: true}, nil
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{Name: "recovers", MaxRetries: 3})

	mustRun(t, o)

	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusComplete {
		t.Fatalf("expected complete, got %s (err: %v)", final.Status, final.Error)
	}
	if final.RetryCount != 1 {
		t.Errorf("expected RetryCount 1, got %d", final.RetryCount)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if final.Error != nil {
		t.Errorf("expected error cleared on success, got %v", final.Error)
	}
}

func TestRun_TimeoutCountsAsFailure(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{
		Name:    "hangs",
		Files:   []string{"slow.go"},
		Timeout: 30 * time.Millisecond,
	})

	start := time.Now()
	mustRun(t, o)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v, timeout did not cut the attempt short", elapsed)
	}

	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if final.Error == nil || !strings.Contains(final.Error.Error(), "timed out after") {
		t.Errorf("expected timeout error, got %v", final.Error)
	}
	if locks := o.Locks(); len(locks) != 0 {
		t.Errorf("expected locks reclaimed after timeout, got %d live", len(locks))
	}
}

func TestRun_ExecutorPanicIsRetried(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	var attempts atomic.Int32
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		if attempts.Add(1) == 1 {
			panic("kaboom")
		}
		return &scheduler.TaskResult{Success: true}, nil
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{Name: "panicky", MaxRetries: 1, Files: []string{"p.go"}})

	mustRun(t, o)

	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusComplete {
		t.Fatalf("expected complete after retry, got %s (err: %v)", final.Status, final.Error)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if locks := o.Locks(); len(locks) != 0 {
		t.Errorf("expected locks released after panic, got %d live", len(locks))
	}
}

func TestRun_CycleFailsBothTasks(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	var attempts atomic.Int32
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		attempts.Add(1)
		return &scheduler.TaskResult{Success: true}, nil
	}))

	tasks, err := o.AddTasks([]scheduler.TaskSpec{
		{Name: "chicken", DependsOn: []string{"egg"}},
		{Name: "egg", DependsOn: []string{"chicken"}},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	stats := mustRun(t, o)

	if got := attempts.Load(); got != 0 {
		t.Errorf("expected no executions for a cycle, got %d", got)
	}
	if stats.ByStatus[scheduler.StatusFailed] != 2 {
		t.Fatalf("expected both tasks failed, got %+v", stats.ByStatus)
	}
	for _, added := range tasks {
		final, _ := o.Task(added.ID)
		if final.Error == nil || !strings.Contains(final.Error.Error(), "circular dependency or missing dependency") {
			t.Errorf("task %s: expected stall error, got %v", final.Name, final.Error)
		}
	}
}

func TestRun_MissingDependencyFailsTask(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	o.SetExecutor(succeedAfter(0))

	orphan := mustAdd(t, o, scheduler.TaskSpec{Name: "orphan", DependsOn: []string{"no-such-id"}})
	healthy := mustAdd(t, o, scheduler.TaskSpec{Name: "healthy"})

	mustRun(t, o)

	gotOrphan, _ := o.Task(orphan.ID)
	if gotOrphan.Status != scheduler.StatusFailed {
		t.Errorf("expected orphan failed, got %s", gotOrphan.Status)
	}
	if gotOrphan.Error == nil || !strings.Contains(gotOrphan.Error.Error(), "missing dependency") {
		t.Errorf("expected stall error, got %v", gotOrphan.Error)
	}

	gotHealthy, _ := o.Task(healthy.ID)
	if gotHealthy.Status != scheduler.StatusComplete {
		t.Errorf("expected healthy task unaffected, got %s", gotHealthy.Status)
	}
}

func TestRun_DependentOfFailedTaskStalls(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		if task.Name == "doomed" {
			return nil, errors.New("nope")
		}
		return &scheduler.TaskResult{Success: true}, nil
	}))

	tasks, err := o.AddTasks([]scheduler.TaskSpec{
		{Name: "doomed"},
		{Name: "waiting", DependsOn: []string{"doomed"}},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	mustRun(t, o)

	doomed, _ := o.Task(tasks[0].ID)
	if doomed.Status != scheduler.StatusFailed {
		t.Errorf("expected doomed failed, got %s", doomed.Status)
	}
	waiting, _ := o.Task(tasks[1].ID)
	if waiting.Status != scheduler.StatusFailed {
		t.Errorf("expected waiting failed via stall, got %s", waiting.Status)
	}
	if waiting.Error == nil || !strings.Contains(waiting.Error.Error(), "circular dependency or missing dependency") {
		t.Errorf("expected stall error, got %v", waiting.Error)
	}
}

func TestRun_DependentOfCancelledTaskStalls(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	o.SetExecutor(succeedAfter(0))

	parent := mustAdd(t, o, scheduler.TaskSpec{Name: "parent"})
	child := mustAdd(t, o, scheduler.TaskSpec{Name: "child", DependsOn: []string{parent.ID}})

	if !o.CancelTask(parent.ID) {
		t.Fatal("expected cancel to succeed")
	}

	mustRun(t, o)

	gotChild, _ := o.Task(child.ID)
	if gotChild.Status != scheduler.StatusFailed {
		t.Errorf("expected child failed, got %s", gotChild.Status)
	}
	gotParent, _ := o.Task(parent.ID)
	if gotParent.Status != scheduler.StatusCancelled {
		t.Errorf("expected parent to stay cancelled, got %s", gotParent.Status)
	}
}

func TestRun_StopPreservesBacklog(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 1
	o := New(cfg)
	defer o.Close()

	var executions atomic.Int32
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		executions.Add(1)
		o.Stop() // ask for shutdown mid-flight
		return &scheduler.TaskResult{Success: true}, nil
	}))

	for _, name := range []string{"one", "two", "three", "four"} {
		mustAdd(t, o, scheduler.TaskSpec{Name: name})
	}

	// 1. First run: the in-flight task finishes, the rest stay queued.
	stats := mustRun(t, o)
	if got := executions.Load(); got != 1 {
		t.Fatalf("expected exactly 1 execution before stop, got %d", got)
	}
	if stats.ByStatus[scheduler.StatusComplete] != 1 {
		t.Errorf("expected 1 completed, got %+v", stats.ByStatus)
	}

	// 2. Second run resumes the backlog to completion.
	o.SetExecutor(succeedAfter(0))
	stats = mustRun(t, o)
	if stats.ByStatus[scheduler.StatusComplete] != 4 {
		t.Errorf("expected all 4 completed after resume, got %+v", stats.ByStatus)
	}
}

func TestRun_ContextCancelMarksBacklogCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 1
	o := New(cfg)
	defer o.Close()

	g := newGate(3)
	o.SetExecutor(g.executor())

	for _, name := range []string{"first", "second", "third"} {
		mustAdd(t, o, scheduler.TaskSpec{Name: name})
	}

	ctx, cancel := context.WithCancel(context.Background())
	type runResult struct {
		stats *RunStats
		err   error
	}
	resultCh := make(chan runResult, 1)
	go func() {
		stats, err := o.Run(ctx)
		resultCh <- runResult{stats, err}
	}()

	g.awaitArrival(t)
	cancel()

	var res runResult
	select {
	case res = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
	// The in-flight task fails on the cancelled context; the two that
	// never dispatched are cancelled.
	if res.stats.ByStatus[scheduler.StatusFailed] != 1 {
		t.Errorf("expected 1 failed, got %+v", res.stats.ByStatus)
	}
	if res.stats.ByStatus[scheduler.StatusCancelled] != 2 {
		t.Errorf("expected 2 cancelled, got %+v", res.stats.ByStatus)
	}
}

func TestRun_ConflictAutoResolvedByDefault(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		return &scheduler.TaskResult{
			Success: true,
			Conflicts: []scheduler.FileConflict{
				{File: "shared.go", HeldBy: "agent-1", ReportedBy: agent.ID, Kind: "concurrent_edit"},
			},
		}, nil
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{Name: "conflicted", Files: []string{"shared.go"}})

	mustRun(t, o)

	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusComplete {
		t.Fatalf("expected auto-resolution to complete the task, got %s", final.Status)
	}
	if final.Result == nil || len(final.Result.Conflicts) != 1 {
		t.Fatal("expected the conflict retained on the result")
	}
	if got := final.Result.Conflicts[0].Resolution; got != PolicyFirstWriterWins {
		t.Errorf("expected resolution %q, got %q", PolicyFirstWriterWins, got)
	}
}

func TestRun_ConflictParksWithoutResolver(t *testing.T) {
	cfg := testConfig()
	cfg.AutoResolveConflicts = false
	o := New(cfg)
	defer o.Close()

	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		return &scheduler.TaskResult{
			Success: true,
			Conflicts: []scheduler.FileConflict{
				{File: "shared.go", HeldBy: "agent-1", ReportedBy: "agent-2"},
			},
		}, nil
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{Name: "parked"})

	stats := mustRun(t, o)

	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusConflict {
		t.Errorf("expected conflict status, got %s", final.Status)
	}
	if stats.ByStatus[scheduler.StatusConflict] != 1 {
		t.Errorf("expected 1 conflicted in stats, got %+v", stats.ByStatus)
	}
}

func TestRun_ConflictResolverCompletesTask(t *testing.T) {
	cfg := testConfig()
	cfg.AutoResolveConflicts = false
	o := New(cfg)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := NewConflictResolver(2, func(ctx context.Context, req ConflictRequest) (string, error) {
		return req.Conflicts[0].ReportedBy, nil
	})
	resolver.Start(ctx)
	o.SetConflictResolver(resolver)

	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		if task.Name == "conflicted" {
			return &scheduler.TaskResult{
				Success: true,
				Conflicts: []scheduler.FileConflict{
					{File: "shared.go", HeldBy: "agent-1", ReportedBy: "agent-9"},
				},
			}, nil
		}
		return &scheduler.TaskResult{Success: true}, nil
	}))

	tasks, err := o.AddTasks([]scheduler.TaskSpec{
		{Name: "conflicted"},
		{Name: "downstream", DependsOn: []string{"conflicted"}},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	stats := mustRun(t, o)

	conflicted, _ := o.Task(tasks[0].ID)
	if conflicted.Status != scheduler.StatusComplete {
		t.Fatalf("expected resolver to complete the task, got %s", conflicted.Status)
	}
	if got := conflicted.Result.Conflicts[0].Resolution; got != "manual:agent-9" {
		t.Errorf("expected manual resolution recording the winner, got %q", got)
	}

	// The decision also unblocks dependents.
	downstream, _ := o.Task(tasks[1].ID)
	if downstream.Status != scheduler.StatusComplete {
		t.Errorf("expected downstream to run after resolution, got %s", downstream.Status)
	}
	if stats.ByStatus[scheduler.StatusComplete] != 2 {
		t.Errorf("expected 2 completed, got %+v", stats.ByStatus)
	}
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	o := New(testConfig())
	defer o.Close()

	all := o.Events().SubscribeAll(256)
	o.SetExecutor(succeedAfter(5 * time.Millisecond))

	mustAdd(t, o, scheduler.TaskSpec{Name: "observed", Files: []string{"w.go"}})
	mustRun(t, o)

	seen := map[string]bool{}
	for _, e := range drainEvents(all) {
		seen[e.EventType()] = true
	}

	for _, want := range []string{
		events.EventTypeTaskQueued,
		events.EventTypeTaskStarted,
		events.EventTypeTaskCompleted,
		events.EventTypeAgentBusy,
		events.EventTypeAgentIdle,
		events.EventTypeLockAcquired,
		events.EventTypeLockReleased,
		events.EventTypeRunProgress,
	} {
		if !seen[want] {
			t.Errorf("expected a %s event, saw %v", want, seen)
		}
	}
}

func TestRun_StatsMeasureParallelism(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 4
	o := New(cfg)
	defer o.Close()

	o.SetExecutor(succeedAfter(30 * time.Millisecond))

	for _, name := range []string{"a", "b", "c", "d"} {
		mustAdd(t, o, scheduler.TaskSpec{Name: name})
	}

	stats := mustRun(t, o)

	if stats.Total != 4 || stats.ByStatus[scheduler.StatusComplete] != 4 {
		t.Fatalf("expected 4 completed, got %+v", stats.ByStatus)
	}
	if stats.AvgDuration <= 0 {
		t.Error("expected a positive average duration")
	}
	if stats.WallTime <= 0 {
		t.Error("expected a positive wall time")
	}
	if stats.SequentialEstimate < 4*30*time.Millisecond {
		t.Errorf("expected sequential estimate >= 120ms, got %v", stats.SequentialEstimate)
	}
	if stats.ParallelizationFactor <= 1 {
		t.Errorf("expected parallel run to beat sequential, factor %.2f", stats.ParallelizationFactor)
	}
	if stats.TimeSaved <= 0 {
		t.Errorf("expected positive time saved, got %v", stats.TimeSaved)
	}
}

func TestRun_BreakerParksFailingAgent(t *testing.T) {
	// One agent, breaker trips on the first failure with a 40ms
	// cooldown: each retry has to wait out the open circuit, so three
	// attempts take at least two cooldowns.
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 1
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.Cooldown = 40 * time.Millisecond
	o := New(cfg)
	defer o.Close()

	var attempts atomic.Int32
	o.SetExecutor(ExecutorFunc(func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
		attempts.Add(1)
		return nil, errors.New("agent is sick")
	}))

	task := mustAdd(t, o, scheduler.TaskSpec{Name: "unlucky", MaxRetries: 2})

	start := time.Now()
	mustRun(t, o)
	elapsed := time.Since(start)

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	final, _ := o.Task(task.ID)
	if final.Status != scheduler.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if elapsed < 70*time.Millisecond {
		t.Errorf("expected at least two cooldown waits, run took %v", elapsed)
	}
}
