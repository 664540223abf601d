package orchestrator

import (
	"context"

	"github.com/aristath/conductor/internal/scheduler"
)

// ConflictRequest asks for a decision on a task whose result reported
// file conflicts while auto-resolution is disabled.
type ConflictRequest struct {
	Task       *scheduler.AgentTask
	Conflicts  []scheduler.FileConflict
	responseCh chan ConflictDecision
}

// ConflictDecision names the agent whose edit stands. An empty Winner or
// a non-nil Err leaves the task in the conflict status.
type ConflictDecision struct {
	Winner string
	Err    error
}

// DecideFunc resolves one conflict request. Implementations may take
// arbitrarily long (a human deciding, a diff review); the scheduler does
// not block on them.
type DecideFunc func(ctx context.Context, req ConflictRequest) (string, error)

// ConflictResolver serializes conflict decisions through a handler
// goroutine so a DecideFunc never runs concurrently with itself.
type ConflictResolver struct {
	requestCh chan ConflictRequest
	decideFn  DecideFunc
	done      chan struct{}
}

// NewConflictResolver creates a resolver. bufferSize should cover the
// number of agents so parked conflicts never block completion handling.
func NewConflictResolver(bufferSize int, fn DecideFunc) *ConflictResolver {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &ConflictResolver{
		requestCh: make(chan ConflictRequest, bufferSize),
		decideFn:  fn,
		done:      make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (r *ConflictResolver) Start(ctx context.Context) {
	go r.handleRequests(ctx)
}

func (r *ConflictResolver) handleRequests(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requestCh:
			winner, err := r.decideFn(ctx, req)

			select {
			case <-ctx.Done():
				req.responseCh <- ConflictDecision{Err: ctx.Err()}
				return
			default:
				req.responseCh <- ConflictDecision{Winner: winner, Err: err}
			}
		}
	}
}

// Resolve submits a request and waits for the decision. It respects ctx
// at both the send and the receive.
func (r *ConflictResolver) Resolve(ctx context.Context, task *scheduler.AgentTask, conflicts []scheduler.FileConflict) (string, error) {
	responseCh := make(chan ConflictDecision, 1)

	req := ConflictRequest{
		Task:       task,
		Conflicts:  conflicts,
		responseCh: responseCh,
	}

	select {
	case r.requestCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case decision := <-responseCh:
		if decision.Err != nil {
			return "", decision.Err
		}
		return decision.Winner, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (r *ConflictResolver) Stop() {
	<-r.done
}
