// Package xlets extracts the dataset cross-references ("xlets") declared by
// the tasks of a workflow: what each task reads (inlets) and writes (outlets).
package xlets

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// XLets holds the inlets and outlets of a single task.
type XLets struct {
	TaskID  string            `json:"task_id"`
	Inlets  []core.DatasetRef `json:"inlets"`
	Outlets []core.DatasetRef `json:"outlets"`
}

// FromDAG returns one XLets per task that declares at least one inlet or
// outlet, sorted by task ID. Nil tasks are skipped. Duplicate references
// within a task are dropped, keeping declaration order.
func FromDAG(d *dag.DAG) ([]XLets, error) {
	if d == nil {
		return nil, dag.ErrNilDAG
	}

	tasks := make([]*dag.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	var result []XLets
	for _, t := range tasks {
		inlets, err := dedupe(t.Inlets)
		if err != nil {
			return nil, fmt.Errorf("task %s inlets: %w", t.ID, err)
		}
		outlets, err := dedupe(t.Outlets)
		if err != nil {
			return nil, fmt.Errorf("task %s outlets: %w", t.ID, err)
		}
		if len(inlets) == 0 && len(outlets) == 0 {
			continue
		}
		result = append(result, XLets{TaskID: t.ID, Inlets: inlets, Outlets: outlets})
	}
	return result, nil
}

// Totals counts the inlets and outlets across all tasks.
func Totals(xs []XLets) (inlets, outlets int) {
	for _, x := range xs {
		inlets += len(x.Inlets)
		outlets += len(x.Outlets)
	}
	return inlets, outlets
}

func dedupe(refs []core.DatasetRef) ([]core.DatasetRef, error) {
	seen := make(map[core.DatasetRef]bool, len(refs))
	out := make([]core.DatasetRef, 0, len(refs))
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return nil, err
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out, nil
}
