package events

import (
	"time"
)

// Event is the base interface for everything published on the bus.
// Topic groups related event types so subscribers can filter coarsely;
// TaskID is empty for events not tied to a single task.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAgent = "agent"
	TopicLock  = "lock"
	TopicRun   = "run"
)

// Event type constants
const (
	EventTypeTaskQueued    = "task.queued"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskProgress  = "task.progress"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskConflict  = "task.conflict"
	EventTypeAgentIdle     = "agent.idle"
	EventTypeAgentBusy     = "agent.busy"
	EventTypeLockAcquired  = "lock.acquired"
	EventTypeLockReleased  = "lock.released"
	EventTypeLockExpired   = "lock.expired"
	EventTypeRunProgress   = "run.progress"
)

// TaskQueuedEvent is published when a task is accepted into the backlog.
type TaskQueuedEvent struct {
	ID        string
	Name      string
	Priority  string
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) Topic() string     { return TopicTask }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task is dispatched to an agent.
// Attempt is 1 on the first dispatch and grows with each retry.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Agent     string
	Files     []string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskProgressEvent is published when an executor reports progress.
type TaskProgressEvent struct {
	ID        string
	Agent     string
	Percent   int
	Note      string
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) Topic() string     { return TopicTask }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task reaches complete.
type TaskCompletedEvent struct {
	ID        string
	Name      string
	Agent     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published on every failed attempt. Retrying tells
// subscribers whether the scheduler will requeue the task.
type TaskFailedEvent struct {
	ID        string
	Name      string
	Agent     string
	Err       string
	Attempt   int
	Retrying  bool
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskConflictEvent is published when two agents touched the same file.
// Resolution is empty while the conflict is unresolved.
type TaskConflictEvent struct {
	ID         string
	File       string
	HeldBy     string
	ReportedBy string
	Resolution string
	Timestamp  time.Time
}

func (e TaskConflictEvent) EventType() string { return EventTypeTaskConflict }
func (e TaskConflictEvent) Topic() string     { return TopicTask }
func (e TaskConflictEvent) TaskID() string    { return e.ID }

// AgentIdleEvent is published when an agent returns to the pool.
type AgentIdleEvent struct {
	Agent     string
	Timestamp time.Time
}

func (e AgentIdleEvent) EventType() string { return EventTypeAgentIdle }
func (e AgentIdleEvent) Topic() string     { return TopicAgent }
func (e AgentIdleEvent) TaskID() string    { return "" }

// AgentBusyEvent is published when an agent picks up a task.
type AgentBusyEvent struct {
	Agent     string
	Task      string
	Timestamp time.Time
}

func (e AgentBusyEvent) EventType() string { return EventTypeAgentBusy }
func (e AgentBusyEvent) Topic() string     { return TopicAgent }
func (e AgentBusyEvent) TaskID() string    { return e.Task }

// LockAcquiredEvent is published per file when a dispatch takes its leases.
type LockAcquiredEvent struct {
	File      string
	Agent     string
	Task      string
	ExpiresAt time.Time
	Timestamp time.Time
}

func (e LockAcquiredEvent) EventType() string { return EventTypeLockAcquired }
func (e LockAcquiredEvent) Topic() string     { return TopicLock }
func (e LockAcquiredEvent) TaskID() string    { return e.Task }

// LockReleasedEvent is published per file when a task gives its leases back.
type LockReleasedEvent struct {
	File      string
	Agent     string
	Timestamp time.Time
}

func (e LockReleasedEvent) EventType() string { return EventTypeLockReleased }
func (e LockReleasedEvent) Topic() string     { return TopicLock }
func (e LockReleasedEvent) TaskID() string    { return "" }

// LockExpiredEvent is published when the sweep reclaims a dead lease.
type LockExpiredEvent struct {
	File      string
	Agent     string
	Task      string
	HeldFor   time.Duration
	Timestamp time.Time
}

func (e LockExpiredEvent) EventType() string { return EventTypeLockExpired }
func (e LockExpiredEvent) Topic() string     { return TopicLock }
func (e LockExpiredEvent) TaskID() string    { return e.Task }

// RunProgressEvent is a counters snapshot, published whenever the backlog
// composition changes.
type RunProgressEvent struct {
	Total     int
	Completed int
	Failed    int
	Running   int
	Queued    int
	Cancelled int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) Topic() string     { return TopicRun }
func (e RunProgressEvent) TaskID() string    { return "" }
