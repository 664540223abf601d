// Package plan loads task plans from JSON documents. A plan is
// self-contained: depends_on entries name other tasks in the same document,
// and the loader rejects references it cannot resolve instead of letting
// them stall at runtime.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// Document is the on-disk shape of a plan file.
type Document struct {
	Tasks []Task `json:"tasks"`
}

// Task is one plan entry. Durations are millisecond integers, matching the
// config file convention.
type Task struct {
	Name                string   `json:"name"`
	Command             string   `json:"command"`
	Description         string   `json:"description,omitempty"`
	Files               []string `json:"files,omitempty"`
	DependsOn           []string `json:"depends_on,omitempty"`
	Priority            string   `json:"priority,omitempty"`
	MaxRetries          int      `json:"max_retries,omitempty"`
	EstimatedDurationMS int      `json:"estimated_duration_ms,omitempty"`
	TimeoutMS           int      `json:"timeout_ms,omitempty"`
}

// Load reads and validates the plan at path.
func Load(path string) ([]scheduler.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	specs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return specs, nil
}

// Parse validates the document and converts it to task specs ready for
// AddTasks, which resolves the name references to generated IDs.
func Parse(data []byte) ([]scheduler.TaskSpec, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}

	names := make(map[string]bool, len(doc.Tasks))
	for i, t := range doc.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}
		if names[t.Name] {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		names[t.Name] = true
	}

	specs := make([]scheduler.TaskSpec, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if t.Command == "" {
			return nil, fmt.Errorf("task %q has no command", t.Name)
		}
		priority := scheduler.Priority(t.Priority)
		if t.Priority == "" {
			priority = scheduler.PriorityNormal
		}
		if !priority.Valid() {
			return nil, fmt.Errorf("task %q has unknown priority %q", t.Name, t.Priority)
		}
		if t.MaxRetries < 0 {
			return nil, fmt.Errorf("task %q has negative max_retries", t.Name)
		}
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
			if dep == t.Name {
				return nil, fmt.Errorf("task %q depends on itself", t.Name)
			}
		}

		specs = append(specs, scheduler.TaskSpec{
			Name:              t.Name,
			Command:           t.Command,
			Description:       t.Description,
			Files:             t.Files,
			DependsOn:         t.DependsOn,
			Priority:          priority,
			MaxRetries:        t.MaxRetries,
			EstimatedDuration: time.Duration(t.EstimatedDurationMS) * time.Millisecond,
			Timeout:           time.Duration(t.TimeoutMS) * time.Millisecond,
		})
	}

	// Cycles would otherwise surface only as a runtime stall.
	if _, err := ExecutionOrder(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ExecutionOrder returns a topological order for the plan's tasks, by name.
// Any valid order is acceptable; this one is for pre-flight display.
func ExecutionOrder(specs []scheduler.TaskSpec) ([]string, error) {
	graph := scheduler.NewDependencyGraph()
	for _, spec := range specs {
		graph.Add(spec.Name, spec.DependsOn)
	}
	return graph.Validate()
}
