package orchestrator

import (
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// RunStats summarizes a run. ParallelizationFactor compares the estimated
// sequential time against the wall time actually spent; TimeSaved is the
// difference (negative when scheduling overhead dominated).
type RunStats struct {
	Total    int
	ByStatus map[scheduler.TaskStatus]int

	AvgDuration           time.Duration // mean attempt wall time of completed tasks
	SequentialEstimate    time.Duration // what this backlog would cost one worker
	WallTime              time.Duration
	ParallelizationFactor float64
	TimeSaved             time.Duration
}

// Stats computes a snapshot over the current task table. Callable at any
// time; Run returns the final snapshot of its backlog.
func (o *Orchestrator) Stats() *RunStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.statsLocked()
}

func (o *Orchestrator) statsLocked() *RunStats {
	stats := &RunStats{
		ByStatus: make(map[scheduler.TaskStatus]int),
	}

	var completedDur time.Duration
	completedN := 0

	for _, task := range o.tasks {
		stats.Total++
		stats.ByStatus[task.Status]++

		// Prefer measured durations, fall back to the caller's estimate.
		d := task.Duration()
		if d == 0 {
			d = task.EstimatedDuration
		}
		stats.SequentialEstimate += d

		if task.Status == scheduler.StatusComplete {
			completedDur += task.Duration()
			completedN++
		}
	}

	if completedN > 0 {
		stats.AvgDuration = completedDur / time.Duration(completedN)
	}
	switch {
	case o.runStart.IsZero():
		// never ran; wall time stays zero
	case o.runEnd.After(o.runStart):
		stats.WallTime = o.runEnd.Sub(o.runStart)
	default:
		stats.WallTime = time.Since(o.runStart)
	}
	if stats.WallTime > 0 && stats.SequentialEstimate > 0 {
		stats.ParallelizationFactor = float64(stats.SequentialEstimate) / float64(stats.WallTime)
		stats.TimeSaved = stats.SequentialEstimate - stats.WallTime
	}
	return stats
}
