package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
)

// stallGracePolls is how many empty polls the loop tolerates before it
// declares the remaining backlog deadlocked.
const stallGracePolls = 2

// completion is what an execution goroutine reports back to the loop.
// Exactly one completion is sent per dispatch.
type completion struct {
	taskID  string
	agentID string
	attempt int
	result  *scheduler.TaskResult
	err     error
	started time.Time
	ended   time.Time
}

// resolution is the outcome of an asynchronous conflict decision.
type resolution struct {
	taskID string
	winner string
	err    error
}

// Run drives the backlog until every task is terminal, Stop is called, or
// ctx is cancelled. One goroutine (this one) makes every scheduling
// decision; executions run concurrently and report back over a channel.
// Between iterations the loop blocks until at least one in-flight task
// finishes, so completions are reacted to promptly without busy-waiting.
//
// Run returns the final statistics. On cancellation the remaining backlog
// is marked cancelled and ctx's error is returned alongside the stats.
func (o *Orchestrator) Run(ctx context.Context) (*RunStats, error) {
	o.mu.Lock()
	if o.executor == nil {
		o.mu.Unlock()
		return nil, ErrNoExecutor
	}
	if !o.running.CompareAndSwap(false, true) {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.stopRequested.Store(false)
	o.runStart = time.Now()
	o.runEnd = time.Time{}
	o.pendingResolutions = 0 // decisions from a previous run are void
	o.mu.Unlock()
	defer o.running.Store(false)

	// Buffered to the pool size: every dispatch sends exactly one
	// completion and at most pool-size dispatches are in flight, so
	// execution goroutines never block on this channel.
	completionCh := make(chan completion, o.cfg.MaxConcurrentAgents)
	resolutionCh := make(chan resolution, o.cfg.MaxConcurrentAgents)
	runDone := make(chan struct{})
	defer close(runDone)

	inflight := 0
	stallPolls := 0
	ctxDone := ctx.Done()

	for {
		o.sweepExpiredLocks()
		o.reconcileAgents()

		stopping := o.stopRequested.Load() || ctx.Err() != nil

		dispatched := 0
		if !stopping {
			dispatched = o.dispatchReady(ctx, completionCh)
			inflight += dispatched
			if dispatched > 0 {
				stallPolls = 0
			}
		}

		if inflight > 0 || (!stopping && o.resolutionsPending() > 0) {
			// Wait for at least one development, then drain whatever
			// else already finished without blocking.
			select {
			case c := <-completionCh:
				inflight--
				o.handleCompletion(ctx, c, resolutionCh, runDone)
				inflight -= o.drainCompletions(ctx, completionCh, resolutionCh, runDone)
			case r := <-resolutionCh:
				o.handleResolution(r)
			case <-ctxDone:
				// Fire once; from here completions drive the drain.
				ctxDone = nil
			}
			stallPolls = 0
			continue
		}

		// Nothing in flight from here on.
		if stopping {
			break
		}
		if o.queue.Len() == 0 {
			break // backlog fully terminal
		}

		// Backlog remains but nothing was dispatchable.
		if o.hasDeferredWork() {
			o.sleep(ctx)
			continue
		}
		stallPolls++
		if stallPolls >= stallGracePolls {
			o.failStalled()
			continue
		}
		o.sleep(ctx)
	}

	if ctx.Err() != nil {
		o.cancelBacklog()
	}

	o.mu.Lock()
	o.runEnd = time.Now()
	stats := o.statsLocked()
	o.publishRunProgressLocked()
	o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// dispatchReady pairs idle agents with ready tasks in priority order and
// starts their executions. Greedy: the highest-priority runnable task
// whose files are free goes first; ready tasks blocked on files are
// marked waiting_lock and keep their place at the head of their tier.
func (o *Orchestrator) dispatchReady(ctx context.Context, completionCh chan<- completion) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()

	// Promote tasks whose dependencies completed since the last pass.
	for _, id := range o.queue.IDs() {
		task := o.tasks[id]
		if task.Status == scheduler.StatusPending && o.graph.CanRun(id, o.completed) {
			task.Status = scheduler.StatusQueued
		}
	}

	idle := o.agents.Idle()
	if len(idle) == 0 {
		return 0
	}

	claimed := make(map[string]bool)
	dispatched := 0

	for _, id := range o.queue.IDs() {
		if dispatched >= len(idle) {
			break
		}
		task := o.tasks[id]
		switch task.Status {
		case scheduler.StatusQueued, scheduler.StatusWaitingLock:
		default:
			continue
		}
		if !o.graph.CanRun(id, o.completed) {
			continue
		}
		rt := o.runtime[id]
		if rt.notBefore.After(now) {
			continue // retry backoff still cooling down
		}

		agent := idle[dispatched]

		blocked := false
		for _, f := range task.Files {
			if claimed[f] {
				blocked = true
				break
			}
		}
		if !blocked && len(o.locks.ConflictingLocks(task.Files, agent.ID)) > 0 {
			blocked = true
		}
		if blocked {
			if task.Status != scheduler.StatusWaitingLock {
				task.Status = scheduler.StatusWaitingLock
				o.metrics.LockContention()
			}
			continue
		}

		acquired, conflict := o.locks.AcquireAll(task.Files, agent.ID, id)
		if conflict != nil {
			// Unreachable after the check above; keep the task at the
			// head of its tier and move on.
			task.Status = scheduler.StatusWaitingLock
			o.metrics.LockContention()
			continue
		}

		o.queue.Remove(id)
		for _, f := range task.Files {
			claimed[f] = true
		}

		rt.attempt++
		task.Status = scheduler.StatusRunning
		task.AssignedAgent = agent.ID
		if task.StartedAt.IsZero() {
			task.StartedAt = now
		}
		o.agents.MarkWorking(agent.ID, id)
		o.runningCount++

		ts := time.Now()
		for _, lock := range acquired {
			o.bus.Publish(events.LockAcquiredEvent{
				File: lock.File, Agent: agent.ID, Task: id,
				ExpiresAt: lock.ExpiresAt, Timestamp: ts,
			})
		}
		o.bus.Publish(events.AgentBusyEvent{Agent: agent.ID, Task: id, Timestamp: ts})
		o.bus.Publish(events.TaskStartedEvent{
			ID: id, Name: task.Name, Agent: agent.ID,
			Files: append([]string(nil), task.Files...), Attempt: rt.attempt, Timestamp: ts,
		})

		go o.execute(ctx, completionCh, task.Clone(), *agent, rt.attempt)
		dispatched++
	}

	if dispatched > 0 {
		o.metrics.SetRunning(o.runningCount)
		o.metrics.SetAgentsBusy(o.runningCount)
		o.metrics.SetQueueDepth(o.queue.Len())
		o.publishRunProgressLocked()
	}
	return dispatched
}

func (o *Orchestrator) drainCompletions(ctx context.Context, completionCh <-chan completion, resolutionCh chan<- resolution, runDone <-chan struct{}) int {
	n := 0
	for {
		select {
		case c := <-completionCh:
			o.handleCompletion(ctx, c, resolutionCh, runDone)
			n++
		default:
			return n
		}
	}
}

// handleCompletion applies one attempt's outcome. Locks are released and
// the agent returned on every path before the outcome is looked at.
func (o *Orchestrator) handleCompletion(ctx context.Context, c completion, resolutionCh chan<- resolution, runDone <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	freed := o.locks.ReleaseAll(c.agentID)
	for _, f := range freed {
		o.bus.Publish(events.LockReleasedEvent{File: f, Agent: c.agentID, Timestamp: now})
	}

	attemptDur := c.ended.Sub(c.started)
	success := c.err == nil && (c.result == nil || c.result.Success)
	o.agents.RecordOutcome(c.agentID, attemptDur, success)
	o.runningCount--

	if o.breakers.Get(c.agentID).State() == gobreaker.StateOpen {
		o.agents.MarkError(c.agentID)
	} else {
		o.agents.MarkIdle(c.agentID)
		o.bus.Publish(events.AgentIdleEvent{Agent: c.agentID, Timestamp: now})
	}

	task, ok := o.tasks[c.taskID]
	if !ok {
		log.Printf("ERROR: completion for unknown task %s", c.taskID)
		return
	}

	if success {
		o.completeTaskLocked(ctx, task, c, resolutionCh, runDone)
	} else {
		o.failAttemptLocked(task, c)
	}

	o.metrics.SetRunning(o.runningCount)
	o.metrics.SetAgentsBusy(o.runningCount)
	o.metrics.SetQueueDepth(o.queue.Len())
	o.publishRunProgressLocked()
}

func (o *Orchestrator) completeTaskLocked(ctx context.Context, task *scheduler.AgentTask, c completion, resolutionCh chan<- resolution, runDone <-chan struct{}) {
	result := c.result
	if result == nil {
		result = &scheduler.TaskResult{Success: true}
	}
	task.Result = result
	task.Error = nil

	if len(result.Conflicts) > 0 {
		task.Status = scheduler.StatusVerifying
		if !o.cfg.AutoResolveConflicts {
			o.parkConflictedLocked(ctx, task, c, resolutionCh, runDone)
			return
		}
		o.resolveConflictsLocked(task, result)
	}

	now := time.Now()
	task.Status = scheduler.StatusComplete
	task.CompletedAt = now
	o.completed[task.ID] = true

	o.bus.Publish(events.TaskCompletedEvent{
		ID: task.ID, Name: task.Name, Agent: c.agentID,
		Duration: task.Duration(), Timestamp: now,
	})
	o.metrics.TaskFinished(string(scheduler.StatusComplete), c.ended.Sub(c.started))
}

// resolveConflictsLocked applies the configured deterministic tie-break.
func (o *Orchestrator) resolveConflictsLocked(task *scheduler.AgentTask, result *scheduler.TaskResult) {
	now := time.Now()
	for i := range result.Conflicts {
		conflict := &result.Conflicts[i]
		winner := conflict.HeldBy
		if o.cfg.ConflictPolicy == PolicyReporterWins {
			winner = conflict.ReportedBy
		}
		conflict.Resolution = o.cfg.ConflictPolicy

		log.Printf("WARNING: conflict on %s between %s and %s: %s keeps its edit (%s)",
			conflict.File, conflict.HeldBy, conflict.ReportedBy, winner, o.cfg.ConflictPolicy)
		o.bus.Publish(events.TaskConflictEvent{
			ID: task.ID, File: conflict.File, HeldBy: conflict.HeldBy,
			ReportedBy: conflict.ReportedBy, Resolution: conflict.Resolution, Timestamp: now,
		})
	}
}

// parkConflictedLocked moves the task to the conflict status. With a
// resolver installed, the decision happens off-loop and feeds back
// through resolutionCh; without one the status is final.
func (o *Orchestrator) parkConflictedLocked(ctx context.Context, task *scheduler.AgentTask, c completion, resolutionCh chan<- resolution, runDone <-chan struct{}) {
	now := time.Now()
	task.Status = scheduler.StatusConflict
	task.CompletedAt = now

	for _, conflict := range task.Result.Conflicts {
		o.bus.Publish(events.TaskConflictEvent{
			ID: task.ID, File: conflict.File, HeldBy: conflict.HeldBy,
			ReportedBy: conflict.ReportedBy, Timestamp: now,
		})
	}

	if o.resolver == nil {
		o.metrics.TaskFinished(string(scheduler.StatusConflict), c.ended.Sub(c.started))
		return
	}

	o.pendingResolutions++
	clone := task.Clone()
	conflicts := append([]scheduler.FileConflict(nil), task.Result.Conflicts...)
	resolver := o.resolver
	go func() {
		winner, err := resolver.Resolve(ctx, clone, conflicts)
		select {
		case resolutionCh <- resolution{taskID: clone.ID, winner: winner, err: err}:
		case <-runDone:
		case <-ctx.Done():
		}
	}()
}

// handleResolution applies a conflict decision. A winner completes the
// task and unblocks its dependents; anything else leaves it conflicted.
func (o *Orchestrator) handleResolution(r resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pendingResolutions--
	task, ok := o.tasks[r.taskID]
	if !ok || task.Status != scheduler.StatusConflict {
		return
	}

	if r.err != nil || r.winner == "" {
		if r.err != nil {
			log.Printf("WARNING: conflict resolution for task %s failed: %v", r.taskID, r.err)
		}
		o.metrics.TaskFinished(string(scheduler.StatusConflict), 0)
		return
	}

	now := time.Now()
	if task.Result != nil {
		for i := range task.Result.Conflicts {
			conflict := &task.Result.Conflicts[i]
			conflict.Resolution = "manual:" + r.winner
			o.bus.Publish(events.TaskConflictEvent{
				ID: task.ID, File: conflict.File, HeldBy: conflict.HeldBy,
				ReportedBy: conflict.ReportedBy, Resolution: conflict.Resolution, Timestamp: now,
			})
		}
	}
	task.Status = scheduler.StatusComplete
	task.CompletedAt = now
	task.Error = nil
	o.completed[task.ID] = true

	o.bus.Publish(events.TaskCompletedEvent{
		ID: task.ID, Name: task.Name, Agent: task.AssignedAgent,
		Duration: task.Duration(), Timestamp: now,
	})
	o.metrics.TaskFinished(string(scheduler.StatusComplete), 0)
	o.publishRunProgressLocked()
}

// failAttemptLocked requeues the task with a backoff delay, or fails it
// for good once the retry budget is spent. Timeouts land here too and
// count as ordinary failures.
func (o *Orchestrator) failAttemptLocked(task *scheduler.AgentTask, c completion) {
	err := c.err
	if err == nil {
		err = errTaskReportedFailure
	}
	task.Error = err
	if c.result != nil {
		task.Result = c.result
	}

	now := time.Now()
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		rt := o.runtime[task.ID]
		delay := rt.nextDelay(o.cfg.Retry)
		rt.notBefore = now.Add(delay)
		task.Status = scheduler.StatusQueued
		task.AssignedAgent = ""

		if qErr := o.queue.PushFront(task.ID, task.Priority); qErr != nil {
			// The queue filled up while this task was running; there is
			// nowhere to put the retry.
			log.Printf("ERROR: cannot requeue task %s: %v", task.ID, qErr)
			task.Status = scheduler.StatusFailed
			task.CompletedAt = now
			o.bus.Publish(events.TaskFailedEvent{
				ID: task.ID, Name: task.Name, Agent: c.agentID,
				Err: err.Error(), Attempt: c.attempt, Timestamp: now,
			})
			o.metrics.TaskFinished(string(scheduler.StatusFailed), c.ended.Sub(c.started))
			return
		}

		log.Printf("WARNING: task %s attempt %d failed, retrying in %v: %v", task.ID, c.attempt, delay.Round(time.Millisecond), err)
		o.bus.Publish(events.TaskFailedEvent{
			ID: task.ID, Name: task.Name, Agent: c.agentID,
			Err: err.Error(), Attempt: c.attempt, Retrying: true, Timestamp: now,
		})
		o.metrics.TaskRetried()
		return
	}

	task.Status = scheduler.StatusFailed
	task.CompletedAt = now
	log.Printf("ERROR: task %s failed after %d attempts: %v", task.ID, c.attempt, err)
	o.bus.Publish(events.TaskFailedEvent{
		ID: task.ID, Name: task.Name, Agent: c.agentID,
		Err: err.Error(), Attempt: c.attempt, Timestamp: now,
	})
	o.metrics.TaskFinished(string(scheduler.StatusFailed), c.ended.Sub(c.started))
}

// sweepExpiredLocks reclaims dead leases so one hung task cannot block
// its files past the TTL.
func (o *Orchestrator) sweepExpiredLocks() {
	for _, lock := range o.locks.CleanupExpired() {
		log.Printf("WARNING: lock on %s held by %s (task %s) expired, reclaiming", lock.File, lock.AgentID, lock.TaskID)
		o.metrics.LockExpired()
		o.bus.Publish(events.LockExpiredEvent{
			File: lock.File, Agent: lock.AgentID, Task: lock.TaskID,
			HeldFor: time.Since(lock.AcquiredAt), Timestamp: time.Now(),
		})
	}
}

// reconcileAgents aligns agent statuses with their breaker states: an
// open breaker parks the agent, a recovered breaker frees it.
func (o *Orchestrator) reconcileAgents() {
	for _, a := range o.agents.Agents() {
		state := o.breakers.Get(a.ID).State()
		switch {
		case state == gobreaker.StateOpen && a.Status == scheduler.AgentIdle:
			o.agents.MarkError(a.ID)
		case state != gobreaker.StateOpen && a.Status == scheduler.AgentError:
			o.agents.MarkIdle(a.ID)
			o.bus.Publish(events.AgentIdleEvent{Agent: a.ID, Timestamp: time.Now()})
		}
	}
}

// hasDeferredWork reports whether the idle backlog can make progress
// later without outside input: retries cooling down, a lease waiting out
// its TTL, or every agent parked by its breaker.
func (o *Orchestrator) hasDeferredWork() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.locks.Locks()) > 0 {
		return true // the sweep reclaims these at TTL
	}
	now := time.Now()
	for _, id := range o.queue.IDs() {
		if rt := o.runtime[id]; rt != nil && rt.notBefore.After(now) {
			return true
		}
	}
	if len(o.agents.Idle()) == 0 {
		return true // breakers half-open after their cooldown
	}
	return false
}

// failStalled fails every backlog task. Reached only when nothing is
// running, nothing is dispatchable, and nothing will become dispatchable:
// the remaining tasks wait on each other or on something that does not
// exist.
func (o *Orchestrator) failStalled() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	ids := o.queue.IDs()
	for _, id := range ids {
		task := o.tasks[id]
		task.Status = scheduler.StatusFailed
		task.Error = errStallDetected
		task.CompletedAt = now
		o.queue.Remove(id)

		o.bus.Publish(events.TaskFailedEvent{
			ID: task.ID, Name: task.Name, Err: errStallDetected.Error(),
			Attempt: o.runtime[id].attempt, Timestamp: now,
		})
		o.metrics.TaskFinished(string(scheduler.StatusFailed), 0)
	}
	if len(ids) > 0 {
		log.Printf("ERROR: scheduler stalled, failed %d tasks: %v", len(ids), errStallDetected)
		o.metrics.SetQueueDepth(0)
		o.publishRunProgressLocked()
	}
}

// cancelBacklog marks every undispatched task cancelled. Used when the
// run's context is torn down.
func (o *Orchestrator) cancelBacklog() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	for _, id := range o.queue.IDs() {
		task := o.tasks[id]
		task.Status = scheduler.StatusCancelled
		task.CompletedAt = now
		o.queue.Remove(id)
		o.metrics.TaskFinished(string(scheduler.StatusCancelled), 0)
	}
	o.metrics.SetQueueDepth(0)
	o.publishRunProgressLocked()
}

func (o *Orchestrator) resolutionsPending() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pendingResolutions
}

func (o *Orchestrator) sleep(ctx context.Context) {
	select {
	case <-time.After(o.cfg.StallPollInterval):
	case <-ctx.Done():
	}
}

// publishRunProgressLocked emits the counters snapshot. Verifying counts
// as running; an unresolved conflict counts as failed.
func (o *Orchestrator) publishRunProgressLocked() {
	e := events.RunProgressEvent{Timestamp: time.Now()}
	for _, task := range o.tasks {
		e.Total++
		switch task.Status {
		case scheduler.StatusComplete:
			e.Completed++
		case scheduler.StatusFailed, scheduler.StatusConflict:
			e.Failed++
		case scheduler.StatusRunning, scheduler.StatusVerifying:
			e.Running++
		case scheduler.StatusCancelled:
			e.Cancelled++
		default:
			e.Queued++
		}
	}
	o.bus.Publish(e)
}
