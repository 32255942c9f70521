// Package commands_test provides tests for CLI command creation.
package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/internal/cli/testutil"
	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

func TestDAGFileCommands(t *testing.T) {
	for _, cmd := range []*cobra.Command{NewSendCommand(), NewWatchCommand(), NewXLetsCommand(), NewDAGCommand()} {
		t.Run(cmd.Use, func(t *testing.T) {
			assert.NotEmpty(t, cmd.Short, "Short should not be empty")
			assert.NotEmpty(t, cmd.Example, "Example should not be empty")

			flag := cmd.Flags().Lookup("dag")
			require.NotNil(t, flag, "flag dag should exist")
			assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])
		})
	}
}

func TestNewSendCommand(t *testing.T) {
	cmd := NewSendCommand()

	assert.Equal(t, "send", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("task"), "flag task should exist")
}

func TestNewWatchCommand(t *testing.T) {
	cmd := NewWatchCommand()

	assert.Equal(t, "watch", cmd.Use)
	flag := cmd.Flags().Lookup("debounce")
	require.NotNil(t, flag)
	assert.Equal(t, "200ms", flag.DefValue)
}

func TestNewCheckAndConfigCommands(t *testing.T) {
	assert.Equal(t, "check", NewCheckCommand().Use)
	assert.Equal(t, "config", NewConfigCommand().Use)
	assert.NotEmpty(t, NewCheckCommand().Long)
	assert.NotEmpty(t, NewConfigCommand().Long)
}

func TestGetGlobals_Defaults(t *testing.T) {
	g := GetGlobals(context.Background())
	require.NotNil(t, g.Logger)
	assert.Equal(t, "auto", string(g.Output))

	want := &Globals{ConfigFile: "lineage.yaml"}
	assert.Same(t, want, GetGlobals(WithGlobals(context.Background(), want)))
}

func salesDAG(t *testing.T) *dag.DAG {
	t.Helper()
	d, err := dag.Parse([]byte(testutil.SalesDAG))
	require.NoError(t, err)
	return d
}

func TestTasksToSend(t *testing.T) {
	d := salesDAG(t)

	tasks, err := tasksToSend(d, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"extract", "rollup"}, tasks)

	tasks, err = tasksToSend(d, "rollup")
	require.NoError(t, err)
	assert.Equal(t, []string{"rollup"}, tasks)

	_, err = tasksToSend(d, "publish")
	assert.Error(t, err)
}

func TestTasksToSend_OnlyFinishedInLatestRun(t *testing.T) {
	d := salesDAG(t)
	d.Runs = append(d.Runs, dag.Run{
		RunID:         "manual__2026-03-03",
		State:         dag.StateRunning,
		ExecutionDate: time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC),
		TaskInstances: []dag.TaskInstance{
			{TaskID: "extract", State: dag.StateSuccess},
			{TaskID: "rollup", State: dag.StateRunning},
		},
	})

	tasks, err := tasksToSend(d, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"extract"}, tasks)

	d.Runs = nil
	tasks, err = tasksToSend(d, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"extract", "rollup"}, tasks, "no runs: every task")
}

// recordingBackend fails for the tasks listed in fail.
type recordingBackend struct {
	fail  map[string]bool
	calls []string
}

func (b *recordingBackend) SendLineage(_ context.Context, task core.TaskHandle, _, _ []core.DatasetRef, hookCtx core.HookContext) {
	b.calls = append(b.calls, task.TaskID())
	if _, ok := hookCtx[core.DAGKey].(*dag.DAG); !ok {
		task.Logger().Error("missing dag")
	}
	if b.fail[task.TaskID()] {
		task.Logger().Warn("about to fail")
		task.Logger().Error("catalog unreachable")
	}
}

func TestSendLineage_CountsFailuresPerTask(t *testing.T) {
	d := salesDAG(t)
	lb := &recordingBackend{fail: map[string]bool{"rollup": true}}
	logger := slog.New(slog.DiscardHandler)

	result := sendLineage(context.Background(), lb, logger, d, []string{"extract", "rollup"})

	assert.Equal(t, []string{"extract", "rollup"}, lb.calls)
	assert.Equal(t, "sales_daily", result.DAGID)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []taskResult{{TaskID: "extract", OK: true}, {TaskID: "rollup", OK: false}}, result.Tasks)
}

func TestRenderSendResult(t *testing.T) {
	tr := testutil.NewTestRendererText()
	err := renderSendResult(tr.Renderer, sendResult{
		DAGID:  "sales_daily",
		Tasks:  []taskResult{{TaskID: "extract", OK: true}, {TaskID: "rollup", OK: false}},
		Failed: 1,
	})
	require.NoError(t, err)

	out := tr.Output()
	assert.Contains(t, out, "Lineage for sales_daily")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "2 tasks, 1 failed")
}

func TestWatchFile(t *testing.T) {
	path := testutil.WriteDAG(t, testutil.SalesDAG)
	other := filepath.Join(filepath.Dir(path), "other.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, slog.New(slog.DiscardHandler), path, 20*time.Millisecond, func() {
			changes.Add(1)
			changed <- struct{}{}
		})
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(testutil.SalesDAG+"\n"), 0o600))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
	assert.GreaterOrEqual(t, changes.Load(), int32(1))
}

func TestWatchRound_ReloadsConfig(t *testing.T) {
	testutil.IsolateEnv(t)
	srv := testutil.NewSalesCatalog(t)
	dagPath := testutil.WriteDAG(t, testutil.SalesDAG)
	cfgPath := filepath.Join(t.TempDir(), config.ConfigFileName)
	writeCfg := func(service string) {
		content := "lineage:\n  service_name: " + service + "\n  metadata:\n    host_port: " + srv.URL() + "\n"
		require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	}

	tr := testutil.NewTestRendererText()
	cc := &CommandContext{
		Logger:   slog.New(slog.DiscardHandler),
		Renderer: tr.Renderer,
		Loader:   &config.FileLoader{Path: cfgPath},
	}
	round := newWatchRound(context.Background(), cc, dagPath, "")

	writeCfg("dagster")
	round()
	assert.Contains(t, tr.Output(), "2 tasks, 2 failed")
	_, ok := srv.Pipeline("airflow.sales_daily")
	assert.False(t, ok)

	writeCfg("airflow")
	tr.Out.Reset()
	round()
	assert.Contains(t, tr.Output(), "2 tasks, 0 failed")
	_, ok = srv.Pipeline("airflow.sales_daily")
	assert.True(t, ok, "edited config applies on the next round")
}
