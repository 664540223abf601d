package scheduler

import (
	"fmt"
	"sync"

	"github.com/gammazero/toposort"
)

// DependencyGraph tracks forward and reverse dependency edges between task
// IDs. It stores edges only; the orchestrator owns the tasks themselves.
//
// Add performs no cycle detection. A cycle makes its members permanently
// not-ready, which the orchestrator surfaces through stall detection.
// Validate is available for callers that want a pre-flight check instead.
type DependencyGraph struct {
	mu         sync.RWMutex
	deps       map[string][]string // task -> tasks it depends on
	dependents map[string][]string // task -> tasks that depend on it
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Add records a task and its dependencies. Dependencies do not need to be
// added first; forward references are legal and resolve as tasks arrive.
func (g *DependencyGraph) Add(id string, dependsOn []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.deps[id] = append([]string(nil), dependsOn...)
	for _, dep := range dependsOn {
		g.dependents[dep] = append(g.dependents[dep], id)
	}
}

// Remove deletes a task and severs its edges in both directions. Tasks
// that depended on it no longer wait for it.
func (g *DependencyGraph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range g.deps[id] {
		g.dependents[dep] = removeString(g.dependents[dep], id)
	}
	for _, child := range g.dependents[id] {
		g.deps[child] = removeString(g.deps[child], id)
	}
	delete(g.deps, id)
	delete(g.dependents, id)
}

// CanRun reports whether every dependency of id is in the completed set.
// A task with no dependencies can always run.
func (g *DependencyGraph) CanRun(id string, completed map[string]bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, dep := range g.deps[id] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// ReadyTasks filters pending down to the tasks whose dependencies are all
// complete, preserving the order of the input.
func (g *DependencyGraph) ReadyTasks(pending []string, completed map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := make([]string, 0, len(pending))
	for _, id := range pending {
		ok := true
		for _, dep := range g.deps[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Dependents returns the tasks that directly depend on id.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Len returns the number of tasks in the graph.
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.deps)
}

// Validate checks the whole graph for unknown dependencies and cycles and
// returns a valid execution order. The scheduler never calls this on the
// hot path; it exists for pre-flight checks on externally supplied plans.
func (g *DependencyGraph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := make([]toposort.Edge, 0, len(g.deps))
	for id, deps := range g.deps {
		if len(deps) == 0 {
			// Root tasks still need to appear in the sort.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps {
			if _, ok := g.deps[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle detected: %w", err)
	}
	if len(sorted) != len(g.deps) {
		return nil, fmt.Errorf("graph is malformed: sorted %d of %d tasks", len(sorted), len(g.deps))
	}

	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		order = append(order, v.(string))
	}
	return order, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
