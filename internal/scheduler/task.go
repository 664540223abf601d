package scheduler

import (
	"errors"
	"time"
)

// ErrQueueFull is returned when a task cannot be accepted because the
// backlog is at its configured capacity.
var ErrQueueFull = errors.New("scheduler: task queue is full")

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"      // waiting for dependencies
	StatusQueued      TaskStatus = "queued"       // dependencies met, waiting for an agent
	StatusWaitingLock TaskStatus = "waiting_lock" // ready, blocked on a file lock
	StatusRunning     TaskStatus = "running"      // dispatched to an agent
	StatusVerifying   TaskStatus = "verifying"    // executor finished, conflict check in progress
	StatusComplete    TaskStatus = "complete"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
	StatusConflict    TaskStatus = "conflict" // unresolved file conflict
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusWaitingLock, StatusRunning,
		StatusVerifying, StatusComplete, StatusFailed, StatusCancelled, StatusConflict:
		return true
	}
	return false
}

// Terminal reports whether a task in status s will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled, StatusConflict:
		return true
	}
	return false
}

// Priority orders tasks for dispatch. Within a tier, insertion order wins.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// priorityTiers lists every priority in dispatch order, most urgent first.
var priorityTiers = [...]Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.rank() >= 0
}

// rank returns p's tier index in dispatch order, or -1 if unknown.
func (p Priority) rank() int {
	for i, tier := range priorityTiers {
		if p == tier {
			return i
		}
	}
	return -1
}

// AgentStatus represents the availability of one agent slot.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentError   AgentStatus = "error" // circuit breaker open, temporarily unschedulable
)

// TaskSpec describes a task to be added to the orchestrator. IDs are
// assigned on insertion, never supplied by the caller.
type TaskSpec struct {
	Name              string
	Command           string // consumed by the command executor; opaque to the scheduler
	Description       string
	Files             []string // files the task may modify, used for lock conflicts
	DependsOn         []string // task IDs, or names of other specs in the same batch
	Priority          Priority
	MaxRetries        int
	EstimatedDuration time.Duration // optional, feeds the time-saved estimate
	Timeout           time.Duration // optional per-task override of the default
}

// AgentTask is the scheduler's record of one unit of work. Tasks are never
// deleted; terminal tasks remain readable for inspection and statistics.
type AgentTask struct {
	ID                string
	Name              string
	Command           string
	Description       string
	Files             []string
	DependsOn         []string
	Priority          Priority
	Status            TaskStatus
	RetryCount        int
	MaxRetries        int
	EstimatedDuration time.Duration
	Timeout           time.Duration

	AssignedAgent string
	CreatedAt     time.Time
	StartedAt     time.Time // zero until first dispatch
	CompletedAt   time.Time // zero until terminal
	Result        *TaskResult
	Error         error
}

// Duration returns the wall time of the last attempt, or zero if the task
// never reached a terminal state.
func (t *AgentTask) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// TaskResult is what an executor reports back for one attempt.
type TaskResult struct {
	Success       bool
	Output        string
	FilesModified []string
	Conflicts     []FileConflict
}

// FileConflict describes two agents touching the same file.
type FileConflict struct {
	File       string
	HeldBy     string // agent that held the lock first
	ReportedBy string // agent reporting the conflict
	Kind       string // e.g. "concurrent_edit"
	Resolution string // empty until resolved
}

// Clone returns a deep copy so callers can't mutate scheduler state
// through a returned task.
func (t *AgentTask) Clone() *AgentTask {
	clone := *t
	clone.Files = append([]string(nil), t.Files...)
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Result != nil {
		res := *t.Result
		res.FilesModified = append([]string(nil), t.Result.FilesModified...)
		res.Conflicts = append([]FileConflict(nil), t.Result.Conflicts...)
		clone.Result = &res
	}
	return &clone
}
