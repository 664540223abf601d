package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// errTaskReportedFailure marks results the executor itself flagged as
// unsuccessful, so the circuit breaker counts them like returned errors.
var errTaskReportedFailure = errors.New("task reported failure")

type execResult struct {
	result *scheduler.TaskResult
	err    error
}

// execute runs one attempt and sends exactly one completion. The executor
// call is raced against the attempt deadline: a hung executor is abandoned
// (its goroutine finishes into the buffered channel and is dropped) and
// the completion path reclaims the agent and its locks.
func (o *Orchestrator) execute(ctx context.Context, completionCh chan<- completion, task *scheduler.AgentTask, agent scheduler.Agent, attempt int) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.TaskTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resultCh := make(chan execResult, 1)
	cb := o.breakers.Get(agent.ID)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- execResult{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()

		var result *scheduler.TaskResult
		_, err := cb.Execute(func() (interface{}, error) {
			res, execErr := o.executor.Execute(execCtx, task, agent)
			result = res
			if execErr != nil {
				return nil, execErr
			}
			if res != nil && !res.Success {
				return nil, errTaskReportedFailure
			}
			return res, nil
		})
		resultCh <- execResult{result: result, err: err}
	}()

	select {
	case r := <-resultCh:
		completionCh <- completion{
			taskID: task.ID, agentID: agent.ID, attempt: attempt,
			result: r.result, err: r.err, started: started, ended: time.Now(),
		}
	case <-execCtx.Done():
		err := execCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("attempt timed out after %v", timeout)
		}
		completionCh <- completion{
			taskID: task.ID, agentID: agent.ID, attempt: attempt,
			err: err, started: started, ended: time.Now(),
		}
	}
}
