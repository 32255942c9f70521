package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/pkg/backend"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	var (
		dagFile  string
		taskID   string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-send lineage whenever a workflow file changes",
		Long: `Send a workflow's lineage, then watch its definition file and send it
again after every change. The lineage configuration is reloaded before each
send, so edits to lineage.yaml apply from the next change. Stops on interrupt.`,
		Example: `  leaplineage watch --dag dags/sales.yaml --only-keep-dag-lineage`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			send := newWatchRound(cmd.Context(), cc, dagFile, taskID)

			send()
			cc.Renderer.Notice("Watching %s for changes (Ctrl+C to stop)", dagFile)
			return watchFile(cmd.Context(), cc.Logger, dagFile, debounce, send)
		},
	}

	cmd.Flags().StringVar(&dagFile, "dag", "", "Workflow definition file (YAML)")
	cmd.Flags().StringVar(&taskID, "task", "", "Only report for this task")
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "Wait this long after the last change before sending")
	_ = cmd.MarkFlagRequired("dag")

	return cmd
}

// newWatchRound returns the function watch runs on every change: load the
// workflow and send lineage for its tasks. Configuration is loaded once per
// round and shared by that round's tasks.
func newWatchRound(ctx context.Context, cc *CommandContext, dagFile, taskID string) func() {
	loader := config.NewCachedLoader(cc.Loader)
	b := backend.New(backend.Options{
		Loader: loader,
		Logger: cc.Logger,
	})

	return func() {
		loader.Reset()

		d, err := dag.LoadFile(dagFile)
		if err != nil {
			cc.Logger.Error("failed to load workflow", "file", dagFile, "error", err)
			return
		}
		tasks, err := tasksToSend(d, taskID)
		if err != nil {
			cc.Logger.Error("failed to select tasks", "dag_id", d.ID, "error", err)
			return
		}
		result := sendLineage(ctx, b, cc.Logger, d, tasks)
		if err := renderSendResult(cc.Renderer, result); err != nil {
			cc.Logger.Error("failed to render result", "error", err)
		}
	}
}

// watchFile calls onChange after path is written or re-created, coalescing
// bursts of events within debounce. It returns when ctx is done.
func watchFile(ctx context.Context, logger *slog.Logger, path string, debounce time.Duration, onChange func()) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Editors often replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			logger.Debug("workflow file changed", "file", target)
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", err)
		}
	}
}
