// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/metadata/metadatatest"
)

// SalesDAG is a workflow with two sources feeding one mart table, and two runs.
const SalesDAG = `dag_id: sales_daily
description: Daily sales rollup
owner: data-eng
schedule: "@daily"
tasks:
  - task_id: extract
    operator: PythonOperator
    outlets: ["table:svc.db.raw.orders"]
    downstream: [rollup]
  - task_id: rollup
    operator: SQLExecuteQueryOperator
    inlets:
      - svc.db.raw.orders
      - table:svc.db.raw.customers
    outlets: ["table:svc.db.mart.sales"]
runs:
  - run_id: scheduled__2026-03-01
    state: success
    execution_date: 2026-03-01T06:00:00Z
    tasks:
      - {task_id: extract, state: success}
      - {task_id: rollup, state: success}
  - run_id: scheduled__2026-03-02
    state: failed
    execution_date: 2026-03-02T06:00:00Z
    tasks:
      - {task_id: extract, state: success}
      - {task_id: rollup, state: failed}
`

// WriteDAG writes a workflow definition into a temp dir and returns its path.
func WriteDAG(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dag.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write dag.yaml: %v", err)
	}
	return path
}

// NewSalesCatalog starts a fake catalog knowing the pipeline service
// "airflow" and every table SalesDAG references.
func NewSalesCatalog(t *testing.T) *metadatatest.Server {
	t.Helper()

	srv := metadatatest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddPipelineService("airflow")
	for _, fqn := range []string{"svc.db.raw.orders", "svc.db.raw.customers", "svc.db.mart.sales"} {
		srv.AddTable(fqn)
	}
	return srv
}

// IsolateEnv clears LEAPLINEAGE_* variables and moves into an empty working
// directory so no local lineage.yaml is picked up.
func IsolateEnv(t *testing.T) {
	t.Helper()

	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, "LEAPLINEAGE_") {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
	t.Chdir(t.TempDir())
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a new test renderer with the specified mode.
func NewTestRenderer(mode output.Mode) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRenderer(out, errOut, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// NewTestRendererText creates a new test renderer in text mode.
func NewTestRendererText() *TestRenderer {
	return NewTestRenderer(output.ModeText)
}

// NewTestRendererJSON creates a new test renderer in JSON mode.
func NewTestRendererJSON() *TestRenderer {
	return NewTestRenderer(output.ModeJSON)
}

// Output returns the stdout output as a string.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output as a string.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}
