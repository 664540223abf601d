// Package runner executes task commands through the shell and reports what
// they changed. It is the executor the CLI wires into the orchestrator;
// tests and embedders are free to supply their own.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aristath/conductor/internal/scheduler"
)

// CommandExecutor runs each task's Command via `sh -c` in the workspace
// root. Declared files are digested before and after the run so the result
// reports exactly which of them the command touched.
type CommandExecutor struct {
	workspace string
	procs     *ProcessManager
}

// New creates a CommandExecutor rooted at workspace. A nil ProcessManager
// disables subprocess tracking.
func New(workspace string, procs *ProcessManager) *CommandExecutor {
	if workspace == "" {
		workspace = "."
	}
	return &CommandExecutor{workspace: workspace, procs: procs}
}

// Execute implements orchestrator.Executor. A non-zero exit reports failure
// with the command's stderr folded into the error; the partial result still
// carries captured output and any file changes the attempt made.
func (e *CommandExecutor) Execute(ctx context.Context, task *scheduler.AgentTask, agent scheduler.Agent) (*scheduler.TaskResult, error) {
	if strings.TrimSpace(task.Command) == "" {
		return nil, errors.New("task has no command")
	}

	before, err := snapshot(e.workspace, task.Files)
	if err != nil {
		return nil, fmt.Errorf("pre-run snapshot: %w", err)
	}

	cmd := newCommand(ctx, "sh", "-c", task.Command)
	cmd.Dir = e.workspace
	cmd.Env = taskEnv(task, agent)

	stdout, _, runErr := runCommand(cmd, e.procs)

	after, err := snapshot(e.workspace, task.Files)
	if err != nil {
		return nil, fmt.Errorf("post-run snapshot: %w", err)
	}

	result := &scheduler.TaskResult{
		Success:       runErr == nil,
		Output:        string(stdout),
		FilesModified: changedFiles(before, after),
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// taskEnv extends the inherited environment with the task's identity, so
// commands can tell runs apart in their own logs.
func taskEnv(task *scheduler.AgentTask, agent scheduler.Agent) []string {
	return append(os.Environ(),
		"CONDUCTOR_TASK_ID="+task.ID,
		"CONDUCTOR_TASK_NAME="+task.Name,
		"CONDUCTOR_AGENT_ID="+agent.ID,
		fmt.Sprintf("CONDUCTOR_ATTEMPT=%d", task.RetryCount+1),
	)
}
