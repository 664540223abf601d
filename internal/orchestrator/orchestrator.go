package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/scheduler"
)

var (
	// ErrNoExecutor is returned by Run when no executor was configured.
	ErrNoExecutor = errors.New("orchestrator: no executor configured")
	// ErrAlreadyRunning is returned by Run while another Run is active.
	ErrAlreadyRunning = errors.New("orchestrator: run already in progress")
)

// errStallDetected is what every backlog task fails with when the
// scheduler deadlocks. The wording covers both causes because they are
// indistinguishable at runtime.
var errStallDetected = errors.New("circular dependency or missing dependency")

// Executor performs one attempt of one task. The scheduler guarantees the
// task's dependencies completed and its file locks are held for the whole
// call. Executors must tolerate re-invocation with the same task ID: a
// retried task runs again, possibly on a different agent.
type Executor interface {
	Execute(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
	return f(ctx, task, agent)
}

// Conflict resolution policies. The policy names the deterministic
// tie-break applied when two agents edited the same file.
const (
	// PolicyFirstWriterWins keeps the edit of the agent that held the
	// file's lock first; the reporter's edit is discarded by the caller.
	PolicyFirstWriterWins = "first_writer_wins"
	// PolicyReporterWins keeps the reporting agent's edit instead.
	PolicyReporterWins = "reporter_wins"
)

// Config carries the runtime knobs. Zero values fall back to defaults,
// except AutoResolveConflicts: start from DefaultConfig to get the
// auto-resolving behavior.
type Config struct {
	MaxConcurrentAgents  int
	MaxQueueSize         int
	TaskTimeout          time.Duration
	LockTTL              time.Duration
	StallPollInterval    time.Duration
	AutoResolveConflicts bool
	ConflictPolicy       string
	Retry                RetryConfig
	Breaker              BreakerConfig

	// Bus receives every scheduling event. A nil Bus gets created
	// internally; Close tears an internal bus down.
	Bus *events.Bus
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the recommended starting configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents:  4,
		MaxQueueSize:         100,
		TaskTimeout:          2 * time.Minute,
		LockTTL:              scheduler.DefaultLockTTL,
		StallPollInterval:    100 * time.Millisecond,
		AutoResolveConflicts: true,
		ConflictPolicy:       PolicyFirstWriterWins,
		Retry:                DefaultRetryConfig(),
		Breaker:              DefaultBreakerConfig(),
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConcurrentAgents < 1 {
		c.MaxConcurrentAgents = def.MaxConcurrentAgents
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.StallPollInterval <= 0 {
		c.StallPollInterval = def.StallPollInterval
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = def.ConflictPolicy
	}
	c.Retry.normalize()
	c.Breaker.normalize()
}

// taskRuntime is loop-private bookkeeping the task model doesn't expose.
type taskRuntime struct {
	attempt   int       // dispatch counter, 1-based after first dispatch
	notBefore time.Time // earliest next dispatch, set by retry backoff
	bo        *backoff.ExponentialBackOff
}

// Orchestrator owns all scheduling state: the task table, dependency
// graph, priority queue, agent pool, and lock manager. One control loop
// goroutine mutates scheduling state; everything else observes through
// cloned snapshots or the event bus.
type Orchestrator struct {
	cfg Config

	mu        sync.RWMutex
	tasks     map[string]*scheduler.AgentTask
	completed map[string]bool
	runtime   map[string]*taskRuntime
	executor  Executor
	resolver  *ConflictResolver

	graph  *scheduler.DependencyGraph
	queue  *scheduler.PriorityQueue
	agents *scheduler.AgentPool
	locks  *scheduler.FileLockManager

	bus      *events.Bus
	ownBus   bool
	metrics  *metrics.Metrics
	breakers *BreakerRegistry

	running       atomic.Bool
	stopRequested atomic.Bool

	pendingResolutions int       // conflicts parked with the resolver
	runningCount       int       // tasks currently executing
	runStart           time.Time // start of the current/last Run
	runEnd             time.Time // zero while a run is active
}

// New creates an orchestrator with the given configuration.
func New(cfg Config) *Orchestrator {
	cfg.normalize()

	o := &Orchestrator{
		cfg:       cfg,
		tasks:     make(map[string]*scheduler.AgentTask),
		completed: make(map[string]bool),
		runtime:   make(map[string]*taskRuntime),
		graph:     scheduler.NewDependencyGraph(),
		queue:     scheduler.NewPriorityQueue(cfg.MaxQueueSize),
		agents:    scheduler.NewAgentPool(cfg.MaxConcurrentAgents),
		locks:     scheduler.NewFileLockManager(cfg.LockTTL),
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		breakers:  NewBreakerRegistry(cfg.Breaker),
	}
	if o.bus == nil {
		o.bus = events.NewBus()
		o.ownBus = true
	}
	return o
}

// SetExecutor installs the work function. Must be called before Run.
func (o *Orchestrator) SetExecutor(e Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executor = e
}

// SetConflictResolver installs an optional hook consulted for conflicts
// when auto-resolution is disabled. Without it, conflicted tasks park in
// the conflict status permanently.
func (o *Orchestrator) SetConflictResolver(r *ConflictResolver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolver = r
}

// Events exposes the bus for subscribers.
func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

// AddTask validates the spec, assigns an ID, and queues the task. It
// returns scheduler.ErrQueueFull when the backlog is at capacity. Safe to
// call while a run is in progress.
func (o *Orchestrator) AddTask(spec scheduler.TaskSpec) (*scheduler.AgentTask, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addTaskLocked(uuid.NewString(), spec)
}

// AddTasks queues a batch atomically: either every spec is accepted or
// none are. DependsOn entries naming another spec in the same batch
// resolve to that spec's generated ID; everything else must already be a
// task ID. Dependencies are never inferred.
func (o *Orchestrator) AddTasks(specs []scheduler.TaskSpec) ([]*scheduler.AgentTask, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(specs))
	byName := make(map[string]string, len(specs))
	for i, spec := range specs {
		if err := validateSpec(spec); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate task name %q in batch", spec.Name)
		}
		ids[i] = uuid.NewString()
		byName[spec.Name] = ids[i]
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cfg.MaxQueueSize > 0 && o.queue.Len()+len(specs) > o.cfg.MaxQueueSize {
		return nil, scheduler.ErrQueueFull
	}

	out := make([]*scheduler.AgentTask, 0, len(specs))
	for i, spec := range specs {
		resolved := make([]string, len(spec.DependsOn))
		for j, dep := range spec.DependsOn {
			if id, ok := byName[dep]; ok {
				resolved[j] = id
			} else {
				resolved[j] = dep
			}
		}
		spec.DependsOn = resolved

		task, err := o.addTaskLocked(ids[i], spec)
		if err != nil {
			return nil, fmt.Errorf("spec %d (%s): %w", i, spec.Name, err)
		}
		out = append(out, task)
	}
	return out, nil
}

func (o *Orchestrator) addTaskLocked(id string, spec scheduler.TaskSpec) (*scheduler.AgentTask, error) {
	task := &scheduler.AgentTask{
		ID:                id,
		Name:              spec.Name,
		Command:           spec.Command,
		Description:       spec.Description,
		Files:             append([]string(nil), spec.Files...),
		DependsOn:         append([]string(nil), spec.DependsOn...),
		Priority:          spec.Priority,
		Status:            scheduler.StatusPending,
		MaxRetries:        spec.MaxRetries,
		EstimatedDuration: spec.EstimatedDuration,
		Timeout:           spec.Timeout,
		CreatedAt:         time.Now(),
	}

	// Queue capacity gates acceptance; nothing else mutates on rejection.
	if err := o.queue.Push(task.ID, task.Priority); err != nil {
		return nil, err
	}
	o.tasks[task.ID] = task
	o.graph.Add(task.ID, task.DependsOn)
	o.runtime[task.ID] = &taskRuntime{}

	o.bus.Publish(events.TaskQueuedEvent{
		ID:        task.ID,
		Name:      task.Name,
		Priority:  string(task.Priority),
		Timestamp: time.Now(),
	})
	o.metrics.SetQueueDepth(o.queue.Len())
	return task.Clone(), nil
}

func validateSpec(spec scheduler.TaskSpec) error {
	if spec.Name == "" {
		return errors.New("orchestrator: task name is required")
	}
	if spec.Priority != "" && !spec.Priority.Valid() {
		return fmt.Errorf("orchestrator: invalid priority %q", spec.Priority)
	}
	if spec.MaxRetries < 0 {
		return fmt.Errorf("orchestrator: negative max retries %d", spec.MaxRetries)
	}
	for _, dep := range spec.DependsOn {
		if dep == "" {
			return errors.New("orchestrator: empty dependency reference")
		}
	}
	return nil
}

// CancelTask cancels a task that has not been dispatched yet. It returns
// false for unknown, running, or already-terminal tasks: a task in flight
// can only be stopped by its timeout. The cancelled task keeps its graph
// edges, so dependents surface through stall detection instead of running
// against a missing prerequisite.
func (o *Orchestrator) CancelTask(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.tasks[id]
	if !ok {
		return false
	}
	switch task.Status {
	case scheduler.StatusPending, scheduler.StatusQueued, scheduler.StatusWaitingLock:
		task.Status = scheduler.StatusCancelled
		task.CompletedAt = time.Now()
		o.queue.Remove(id)
		o.metrics.TaskFinished(string(scheduler.StatusCancelled), 0)
		o.metrics.SetQueueDepth(o.queue.Len())
		o.publishRunProgressLocked()
		return true
	default:
		return false
	}
}

// Task returns a copy of one task.
func (o *Orchestrator) Task(id string) (*scheduler.AgentTask, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	task, ok := o.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of every known task, terminal ones included.
func (o *Orchestrator) Tasks() []*scheduler.AgentTask {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*scheduler.AgentTask, 0, len(o.tasks))
	for _, task := range o.tasks {
		out = append(out, task.Clone())
	}
	return out
}

// Agents returns copies of the agent pool's current state.
func (o *Orchestrator) Agents() []*scheduler.Agent {
	return o.agents.Agents()
}

// Locks returns a snapshot of the live file leases.
func (o *Orchestrator) Locks() []*scheduler.FileLock {
	return o.locks.Locks()
}

// ReportProgress publishes a task.progress event for a running task.
// Executors call this; percent is clamped to [0,100].
func (o *Orchestrator) ReportProgress(taskID string, percent int, note string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	o.mu.RLock()
	task, ok := o.tasks[taskID]
	var agent string
	running := false
	if ok {
		agent = task.AssignedAgent
		running = task.Status == scheduler.StatusRunning
	}
	o.mu.RUnlock()

	if !running {
		return
	}
	o.bus.Publish(events.TaskProgressEvent{
		ID:        taskID,
		Agent:     agent,
		Percent:   percent,
		Note:      note,
		Timestamp: time.Now(),
	})
}

// Stop asks the control loop to exit after its current iteration. Tasks
// already dispatched run to completion; nothing new is dispatched. The
// backlog survives, so a later Run resumes it.
func (o *Orchestrator) Stop() {
	o.stopRequested.Store(true)
}

// Close releases the internally created bus, if any. An injected bus
// stays open; its owner closes it.
func (o *Orchestrator) Close() {
	if o.ownBus {
		o.bus.Close()
	}
}
