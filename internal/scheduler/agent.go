package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// Agent is one of the pool's fixed worker slots. Counters are
// per-attempt: an attempt that fails and is later retried elsewhere
// still counts against the agent that ran it.
type Agent struct {
	ID             string
	Status         AgentStatus
	CurrentTask    string // task ID while working, empty otherwise
	TasksCompleted int
	TasksFailed    int
	BusyTime       time.Duration // cumulative attempt wall time
}

// AgentPool manages a fixed set of named agents. The pool size is the
// concurrency ceiling: a task runs only by occupying an idle agent.
type AgentPool struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// NewAgentPool creates size agents named agent-1 through agent-N, all
// idle. Sizes below one are raised to one.
func NewAgentPool(size int) *AgentPool {
	if size < 1 {
		size = 1
	}
	p := &AgentPool{
		agents: make(map[string]*Agent, size),
		order:  make([]string, 0, size),
	}
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("agent-%d", i+1)
		p.agents[id] = &Agent{ID: id, Status: AgentIdle}
		p.order = append(p.order, id)
	}
	return p
}

// Size returns the number of agents in the pool.
func (p *AgentPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Get returns a copy of the agent with the given ID.
func (p *AgentPool) Get(id string) (*Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, false
	}
	c := *a
	return &c, true
}

// Agents returns copies of every agent in creation order.
func (p *AgentPool) Agents() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Agent, 0, len(p.order))
	for _, id := range p.order {
		c := *p.agents[id]
		out = append(out, &c)
	}
	return out
}

// Idle returns copies of the currently idle agents in creation order.
func (p *AgentPool) Idle() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Agent
	for _, id := range p.order {
		if p.agents[id].Status == AgentIdle {
			c := *p.agents[id]
			out = append(out, &c)
		}
	}
	return out
}

// MarkWorking assigns taskID to the agent and flips it to working.
func (p *AgentPool) MarkWorking(id, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.agents[id]; ok {
		a.Status = AgentWorking
		a.CurrentTask = taskID
	}
}

// MarkIdle returns the agent to the schedulable pool.
func (p *AgentPool) MarkIdle(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.agents[id]; ok {
		a.Status = AgentIdle
		a.CurrentTask = ""
	}
}

// MarkError parks the agent; the scheduler skips it until it is marked
// idle again.
func (p *AgentPool) MarkError(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.agents[id]; ok {
		a.Status = AgentError
		a.CurrentTask = ""
	}
}

// RecordOutcome charges one finished attempt to the agent.
func (p *AgentPool) RecordOutcome(id string, d time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return
	}
	a.BusyTime += d
	if success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
}
