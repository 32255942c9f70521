package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// NewDAGCommand creates the dag command.
func NewDAGCommand() *cobra.Command {
	var (
		dagFile string
		runs    int
		task    string
	)

	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Show a workflow's task graph and recent runs",
		Long: `Display the task graph of a workflow grouped by execution level,
followed by its most recent runs.

Tasks in the same level have no dependencies on each other. With --task,
only the tasks the given task transitively depends on and feeds are shown.`,
		Example: `  # Show the task graph
  leaplineage dag --dag dags/sales.yaml

  # Show everything around one task
  leaplineage dag --dag dags/sales.yaml --task rollup

  # Output as JSON
  leaplineage dag --dag dags/sales.yaml --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			d, err := dag.LoadFile(dagFile)
			if err != nil {
				return err
			}
			return runDAG(cc.Renderer, d, runs, task)
		},
	}

	cmd.Flags().StringVar(&dagFile, "dag", "", "Workflow definition file (YAML)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of recent runs to show")
	cmd.Flags().StringVar(&task, "task", "", "Show the transitive upstream and downstream of one task")
	_ = cmd.MarkFlagRequired("dag")

	return cmd
}

type dagLevelJSON struct {
	Level int      `json:"level"`
	Tasks []string `json:"tasks"`
}

type dagRunJSON struct {
	RunID         string    `json:"run_id"`
	State         string    `json:"state"`
	ExecutionDate time.Time `json:"execution_date"`
	Tasks         int       `json:"tasks"`
}

type dagFocusJSON struct {
	Task       string   `json:"task"`
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
}

type dagJSON struct {
	DAGID  string         `json:"dag_id"`
	Tasks  int            `json:"tasks"`
	Edges  int            `json:"edges"`
	Roots  []string       `json:"roots"`
	Leaves []string       `json:"leaves"`
	Levels []dagLevelJSON `json:"levels"`
	Focus  *dagFocusJSON  `json:"focus,omitempty"`
	Runs   []dagRunJSON   `json:"runs"`
}

func runDAG(r *output.Renderer, d *dag.DAG, runs int, task string) error {
	graph, err := d.Graph()
	if err != nil {
		return err
	}

	var focus *dagFocusJSON
	if task != "" {
		if !graph.HasNode(task) {
			return fmt.Errorf("task %q not found in workflow %s", task, d.ID)
		}
		focus = &dagFocusJSON{
			Task:       task,
			Upstream:   orEmpty(graph.AllUpstream(task)),
			Downstream: orEmpty(graph.AllDownstream(task)),
		}
	}

	levels, err := graph.ExecutionLevels()
	if err != nil {
		return fmt.Errorf("failed to get execution levels: %w", err)
	}
	recent := d.RecentRuns(runs)

	if r.EffectiveMode() == output.ModeJSON {
		out := dagJSON{
			DAGID:  d.ID,
			Tasks:  graph.NodeCount(),
			Edges:  graph.EdgeCount(),
			Roots:  orEmpty(graph.Roots()),
			Leaves: orEmpty(graph.Leaves()),
			Levels: []dagLevelJSON{},
			Focus:  focus,
			Runs:   []dagRunJSON{},
		}
		for i, level := range levels {
			out.Levels = append(out.Levels, dagLevelJSON{Level: i, Tasks: level})
		}
		for _, run := range recent {
			out.Runs = append(out.Runs, dagRunJSON{
				RunID:         run.RunID,
				State:         string(run.State),
				ExecutionDate: run.ExecutionDate,
				Tasks:         len(run.TaskInstances),
			})
		}
		return r.JSON(out)
	}

	r.Header("Workflow " + d.ID)
	if d.Description != "" {
		r.Println(d.Description)
	}
	r.Println("")

	for i, level := range levels {
		r.Printf("Level %d:\n", i)
		for _, task := range level {
			r.Printf("  %s\n", task)
			if deps := graph.Upstream(task); len(deps) > 0 {
				r.Printf("    depends on: %s\n", strings.Join(deps, ", "))
			}
			if children := graph.Downstream(task); len(children) > 0 {
				r.Printf("    used by: %s\n", strings.Join(children, ", "))
			}
		}
		r.Println("")
	}
	r.Printf("Total: %d tasks, %d dependencies\n", graph.NodeCount(), graph.EdgeCount())
	r.Printf("Entry tasks: %s\n", joinOrDash(graph.Roots()))
	r.Printf("Final tasks: %s\n\n", joinOrDash(graph.Leaves()))

	if focus != nil {
		r.Header("Task " + focus.Task)
		r.Printf("  upstream:   %s\n", joinOrDash(focus.Upstream))
		r.Printf("  downstream: %s\n\n", joinOrDash(focus.Downstream))
	}

	rows := make([][]any, 0, len(recent))
	for _, run := range recent {
		rows = append(rows, []any{run.RunID, output.Title(string(run.State)), formatDate(run.ExecutionDate), len(run.TaskInstances)})
	}
	r.Header("Recent runs")
	r.Table([]string{"RUN", "STATE", "EXECUTION DATE", "TASKS"}, rows)
	return nil
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
