package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/pkg/backend"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// NewSendCommand creates the send command.
func NewSendCommand() *cobra.Command {
	var (
		dagFile string
		taskID  string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a workflow's lineage to the metadata catalog",
		Long: `Load a workflow definition and call the lineage backend the way the
orchestrator does after a task completes.

Without --task, the backend is called once for every task that finished in
the most recent run (or for every task when the workflow has no runs).`,
		Example: `  # Report lineage for all finished tasks
  leaplineage send --dag dags/sales.yaml

  # Report lineage as if a single task had just completed
  leaplineage send --dag dags/sales.yaml --task rollup --host-port http://localhost:8585/api`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			d, err := dag.LoadFile(dagFile)
			if err != nil {
				return err
			}

			tasks, err := tasksToSend(d, taskID)
			if err != nil {
				return err
			}

			b := backend.New(backend.Options{
				Loader: config.NewCachedLoader(cc.Loader),
				Logger: cc.Logger,
			})
			result := sendLineage(cmd.Context(), b, cc.Logger, d, tasks)
			if err := renderSendResult(cc.Renderer, result); err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("lineage failed for %d of %d tasks", result.Failed, len(result.Tasks))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dagFile, "dag", "", "Workflow definition file (YAML)")
	cmd.Flags().StringVar(&taskID, "task", "", "Only report for this task")
	_ = cmd.MarkFlagRequired("dag")

	return cmd
}

// hostTask is the task handle handed to the backend.
type hostTask struct {
	id     string
	logger *slog.Logger
}

func (t hostTask) TaskID() string       { return t.id }
func (t hostTask) Logger() *slog.Logger { return t.logger }

// failureCounter counts error records passing through a handler.
type failureCounter struct {
	slog.Handler
	n *atomic.Int64
}

func (h failureCounter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.n.Add(1)
	}
	return h.Handler.Handle(ctx, r)
}

func (h failureCounter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return failureCounter{Handler: h.Handler.WithAttrs(attrs), n: h.n}
}

func (h failureCounter) WithGroup(name string) slog.Handler {
	return failureCounter{Handler: h.Handler.WithGroup(name), n: h.n}
}

type taskResult struct {
	TaskID string `json:"task_id"`
	OK     bool   `json:"ok"`
}

type sendResult struct {
	DAGID  string       `json:"dag_id"`
	Tasks  []taskResult `json:"tasks"`
	Failed int          `json:"failed"`
}

// tasksToSend returns the tasks the host would call the backend for.
func tasksToSend(d *dag.DAG, taskID string) ([]string, error) {
	if taskID != "" {
		if _, ok := d.Task(taskID); !ok {
			return nil, fmt.Errorf("task %q not found in workflow %s", taskID, d.ID)
		}
		return []string{taskID}, nil
	}

	g, err := d.Graph()
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	runs := d.RecentRuns(1)
	if len(runs) == 0 {
		return order, nil
	}
	finished := make(map[string]bool)
	for _, ti := range runs[0].TaskInstances {
		if ti.State.Finished() {
			finished[ti.TaskID] = true
		}
	}
	var tasks []string
	for _, id := range order {
		if finished[id] {
			tasks = append(tasks, id)
		}
	}
	return tasks, nil
}

// sendLineage calls the backend once per task, like a host task callback.
func sendLineage(ctx context.Context, lb core.LineageBackend, logger *slog.Logger, d *dag.DAG, tasks []string) sendResult {
	result := sendResult{DAGID: d.ID}
	hookCtx := core.HookContext{core.DAGKey: d}

	for _, id := range tasks {
		var failures atomic.Int64
		taskLogger := slog.New(failureCounter{Handler: logger.Handler(), n: &failures}).With("dag_id", d.ID)

		var inlets, outlets []core.DatasetRef
		if t, ok := d.Task(id); ok {
			inlets, outlets = t.Inlets, t.Outlets
		}
		lb.SendLineage(ctx, hostTask{id: id, logger: taskLogger}, inlets, outlets, hookCtx)

		ok := failures.Load() == 0
		if !ok {
			result.Failed++
		}
		result.Tasks = append(result.Tasks, taskResult{TaskID: id, OK: ok})
	}
	return result
}

func renderSendResult(r *output.Renderer, result sendResult) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(result)
	}

	rows := make([][]any, 0, len(result.Tasks))
	for _, t := range result.Tasks {
		status := "sent"
		if !t.OK {
			status = "failed"
		}
		rows = append(rows, []any{t.TaskID, status})
	}
	r.Header("Lineage for " + result.DAGID)
	r.Table([]string{"TASK", "RESULT"}, rows)
	r.Printf("%d tasks, %d failed\n", len(result.Tasks), result.Failed)
	return nil
}
