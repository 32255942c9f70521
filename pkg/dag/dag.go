// Package dag models the host orchestrator's workflow graph: a DAG of tasks,
// the datasets each task reads and writes, and the history of its runs.
// It supports cycle detection, topological ordering and YAML definitions.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// State is the execution state of a run or task instance.
type State string

// Run and task instance states reported by the host.
const (
	StateSuccess        State = "success"
	StateFailed         State = "failed"
	StateRunning        State = "running"
	StateQueued         State = "queued"
	StateSkipped        State = "skipped"
	StateUpstreamFailed State = "upstream_failed"
)

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateUpstreamFailed:
		return true
	default:
		return false
	}
}

// ErrNilDAG is returned when an operation requires a workflow graph but got none.
var ErrNilDAG = errors.New("dag is nil")

// Task is a single unit of work in a workflow.
type Task struct {
	ID          string
	Operator    string
	Description string
	Inlets      []core.DatasetRef
	Outlets     []core.DatasetRef
	Downstream  []string
	StartDate   time.Time
	EndDate     time.Time
}

// TaskInstance is the execution of a task within one run.
type TaskInstance struct {
	TaskID    string
	State     State
	StartDate time.Time
	EndDate   time.Time
}

// Run is one execution of the whole workflow.
type Run struct {
	RunID         string
	State         State
	ExecutionDate time.Time
	StartDate     time.Time
	EndDate       time.Time
	TaskInstances []TaskInstance
}

// DAG is a scheduled workflow and its constituent tasks.
type DAG struct {
	ID          string
	Description string
	Owner       string
	Tags        []string
	Schedule    string
	StartDate   time.Time
	FileLoc     string
	Tasks       []*Task
	Runs        []Run
}

// Task returns the task with the given ID.
func (d *DAG) Task(id string) (*Task, bool) {
	for _, t := range d.Tasks {
		if t != nil && t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Graph builds the task dependency graph from each task's downstream links.
func (d *DAG) Graph() (*Graph, error) {
	if d == nil {
		return nil, ErrNilDAG
	}

	g := NewGraph()
	for _, t := range d.Tasks {
		if t != nil {
			g.AddNode(t.ID)
		}
	}
	for _, t := range d.Tasks {
		if t == nil {
			continue
		}
		for _, down := range t.Downstream {
			if err := g.AddEdge(t.ID, down); err != nil {
				return nil, fmt.Errorf("dag %s: task %s: %w", d.ID, t.ID, err)
			}
		}
	}
	return g, nil
}

// Validate checks identifiers, dataset references and the absence of cycles.
func (d *DAG) Validate() error {
	if d == nil {
		return ErrNilDAG
	}
	if d.ID == "" {
		return fmt.Errorf("dag id is required")
	}

	seen := make(map[string]bool, len(d.Tasks))
	for i, t := range d.Tasks {
		if t == nil {
			return fmt.Errorf("dag %s: task %d is nil", d.ID, i)
		}
		if t.ID == "" {
			return fmt.Errorf("dag %s: task id is required", d.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("dag %s: duplicate task id %q", d.ID, t.ID)
		}
		seen[t.ID] = true

		for _, ref := range append(append([]core.DatasetRef{}, t.Inlets...), t.Outlets...) {
			if err := ref.Validate(); err != nil {
				return fmt.Errorf("dag %s: task %s: %w", d.ID, t.ID, err)
			}
		}
	}

	g, err := d.Graph()
	if err != nil {
		return err
	}
	if cycle := g.FindCycle(); cycle != nil {
		return fmt.Errorf("dag %s: cycle detected: %v", d.ID, cycle)
	}
	return nil
}

// RecentRuns returns at most n runs, newest execution date first.
func (d *DAG) RecentRuns(n int) []Run {
	if d == nil || n <= 0 {
		return nil
	}

	runs := make([]Run, len(d.Runs))
	copy(runs, d.Runs)
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].ExecutionDate.After(runs[j].ExecutionDate)
	})

	if len(runs) > n {
		runs = runs[:n]
	}
	return runs
}
