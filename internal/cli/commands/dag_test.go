package commands

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/internal/cli/testutil"
	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/internal/xlets"
)

func TestRunDAG_JSON(t *testing.T) {
	tr := testutil.NewTestRendererJSON()

	require.NoError(t, runDAG(tr.Renderer, salesDAG(t), 1, ""))

	var got dagJSON
	require.NoError(t, json.Unmarshal(tr.Out.Bytes(), &got))
	assert.Equal(t, "sales_daily", got.DAGID)
	assert.Equal(t, 2, got.Tasks)
	assert.Equal(t, 1, got.Edges)
	require.Len(t, got.Levels, 2)
	assert.Equal(t, []string{"extract"}, got.Levels[0].Tasks)
	assert.Equal(t, []string{"rollup"}, got.Levels[1].Tasks)
	assert.Equal(t, []string{"extract"}, got.Roots)
	assert.Equal(t, []string{"rollup"}, got.Leaves)
	assert.Nil(t, got.Focus)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, "scheduled__2026-03-02", got.Runs[0].RunID)
	assert.Equal(t, "failed", got.Runs[0].State)
}

func TestRunDAG_TextWithoutRuns(t *testing.T) {
	tr := testutil.NewTestRendererText()
	d := salesDAG(t)
	d.Runs = nil

	require.NoError(t, runDAG(tr.Renderer, d, 5, ""))

	out := tr.Output()
	assert.Contains(t, out, "Level 0:")
	assert.Contains(t, out, "used by: rollup")
	assert.Contains(t, out, "Total: 2 tasks, 1 dependencies")
	assert.Contains(t, out, "Entry tasks: extract")
	assert.Contains(t, out, "Final tasks: rollup")
	assert.Contains(t, out, "(none)")
}

func TestRunDAG_FocusTask(t *testing.T) {
	tr := testutil.NewTestRendererJSON()

	require.NoError(t, runDAG(tr.Renderer, salesDAG(t), 0, "rollup"))

	var got dagJSON
	require.NoError(t, json.Unmarshal(tr.Out.Bytes(), &got))
	require.NotNil(t, got.Focus)
	assert.Equal(t, "rollup", got.Focus.Task)
	assert.Equal(t, []string{"extract"}, got.Focus.Upstream)
	assert.Empty(t, got.Focus.Downstream)

	text := testutil.NewTestRendererText()
	require.NoError(t, runDAG(text.Renderer, salesDAG(t), 0, "extract"))
	assert.Contains(t, text.Output(), "downstream: rollup")

	err := runDAG(testutil.NewTestRendererText().Renderer, salesDAG(t), 0, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `task "missing" not found`)
}

func TestRenderXLets_EmptyJSON(t *testing.T) {
	tr := testutil.NewTestRendererJSON()

	require.NoError(t, renderXLets(tr.Renderer, "empty", nil))
	assert.JSONEq(t, "[]", tr.Output())
}

func TestRenderXLets_Text(t *testing.T) {
	tr := testutil.NewTestRendererText()
	xs, err := xlets.FromDAG(salesDAG(t))
	require.NoError(t, err)

	require.NoError(t, renderXLets(tr.Renderer, "sales_daily", xs))
	assert.Contains(t, tr.Output(), "XLets for sales_daily")
	assert.Contains(t, tr.Output(), "table:svc.db.mart.sales")
}

func TestRenderConfig(t *testing.T) {
	cfg := config.LineageConfig{
		ServiceName: "airflow",
		MaxStatus:   10,
		Metadata: config.MetadataConfig{
			HostPort:     "http://catalog:8585/api",
			AuthProvider: config.AuthOpenMetadata,
			JWTToken:     "secret",
		},
	}

	tr := testutil.NewTestRendererText()
	require.NoError(t, renderConfig(tr.Renderer, cfg.Masked()))
	assert.Contains(t, tr.Output(), "lineage.metadata.host_port")
	assert.Contains(t, tr.Output(), "********")
	assert.NotContains(t, tr.Output(), "secret")

	tr = testutil.NewTestRendererJSON()
	require.NoError(t, renderConfig(tr.Renderer, cfg.Masked()))
	var got map[string]any
	require.NoError(t, json.Unmarshal(tr.Out.Bytes(), &got))
	assert.Equal(t, "airflow", got["service_name"])
	assert.InDelta(t, 10, got["max_status"], 0)
}

func TestRenderCheck(t *testing.T) {
	tr := testutil.NewTestRendererText()
	require.NoError(t, renderCheck(tr.Renderer, checkResult{HostPort: "http://x/api", Version: "1.3.0", Service: "airflow"}))
	assert.Contains(t, tr.Output(), "missing")
	assert.Contains(t, tr.Output(), "version 1.3.0")
}
