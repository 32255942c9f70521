package backend_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/internal/metadata"
	"github.com/leapstack-labs/leaplineage/internal/metadata/metadatatest"
	"github.com/leapstack-labs/leaplineage/internal/runner"
	"github.com/leapstack-labs/leaplineage/internal/testutil"
	"github.com/leapstack-labs/leaplineage/internal/xlets"
	"github.com/leapstack-labs/leaplineage/pkg/backend"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeTask struct {
	id      string
	logger  *slog.Logger
	records *testutil.CaptureHandler
}

func newTask(id string) *fakeTask {
	logger, h := testutil.NewCaptureLogger()
	return &fakeTask{id: id, logger: logger, records: h}
}

func (t *fakeTask) TaskID() string       { return t.id }
func (t *fakeTask) Logger() *slog.Logger { return t.logger }

func (t *fakeTask) errors() []testutil.Record {
	return t.records.AtLevel(slog.LevelError)
}

type fakeClient struct{ runner.MetadataClient }

type fakeRunner struct {
	opts     runner.Options
	executed int
	err      error
	panicMsg string
}

func (r *fakeRunner) Execute(context.Context) error {
	r.executed++
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	return r.err
}

// harness wires fakes for every collaborator and records how they were used.
type harness struct {
	cfg         *config.LineageConfig
	loadErr     error
	clientErr   error
	extractErr  error
	runnerErr   error
	client      *fakeClient
	runner      *fakeRunner
	clientCfg   *config.MetadataConfig
	extractedOn *dag.DAG
	xlets       []xlets.XLets
	runnersMade int
}

func newHarness() *harness {
	return &harness{
		cfg: &config.LineageConfig{
			ServiceName:        "prod_airflow",
			OnlyKeepDagLineage: true,
			MaxStatus:          3,
			Metadata:           config.MetadataConfig{HostPort: "http://catalog:8585/api"},
		},
		client: &fakeClient{},
		runner: &fakeRunner{},
		xlets: []xlets.XLets{{
			TaskID:  "load",
			Inlets:  []core.DatasetRef{core.Table("a.b.c.in1"), core.Table("a.b.c.in2")},
			Outlets: []core.DatasetRef{core.Table("a.b.c.out")},
		}},
	}
}

func (h *harness) backend() *backend.Backend {
	return backend.New(backend.Options{
		Loader: config.LoaderFunc(func() (*config.LineageConfig, error) {
			if h.loadErr != nil {
				return nil, h.loadErr
			}
			return h.cfg, nil
		}),
		NewClient: func(cfg config.MetadataConfig, _ *slog.Logger) (runner.MetadataClient, error) {
			h.clientCfg = &cfg
			if h.clientErr != nil {
				return nil, h.clientErr
			}
			return h.client, nil
		},
		Extract: func(d *dag.DAG) ([]xlets.XLets, error) {
			h.extractedOn = d
			if h.extractErr != nil {
				return nil, h.extractErr
			}
			return h.xlets, nil
		},
		NewRunner: func(opts runner.Options) (backend.Runner, error) {
			h.runnersMade++
			if h.runnerErr != nil {
				return nil, h.runnerErr
			}
			h.runner.opts = opts
			return h.runner, nil
		},
	})
}

func workflow() *dag.DAG {
	return &dag.DAG{
		ID: "orders",
		Tasks: []*dag.Task{{
			ID:      "load",
			Inlets:  []core.DatasetRef{core.Table("a.b.c.in1"), core.Table("a.b.c.in2")},
			Outlets: []core.DatasetRef{core.Table("a.b.c.out")},
		}},
	}
}

func hookCtx(d *dag.DAG) core.HookContext {
	return core.HookContext{core.DAGKey: d}
}

// =============================================================================
// Tests
// =============================================================================

func TestSendLineage_Success(t *testing.T) {
	h := newHarness()
	task := newTask("load")
	d := workflow()

	h.backend().SendLineage(context.Background(), task, nil, nil, hookCtx(d))

	assert.Empty(t, task.errors())
	assert.Equal(t, 1, h.runner.executed)
	require.NotNil(t, h.clientCfg)
	assert.Equal(t, h.cfg.Metadata, *h.clientCfg)

	opts := h.runner.opts
	assert.Same(t, h.client, opts.Client)
	assert.Equal(t, "prod_airflow", opts.ServiceName)
	assert.True(t, opts.OnlyKeepDagLineage)
	assert.Equal(t, 3, opts.MaxStatus)
	assert.Same(t, d, opts.DAG)
	assert.Equal(t, h.xlets, opts.XLets)
}

func TestSendLineage_XLetsComeFromHookContext(t *testing.T) {
	h := newHarness()
	task := newTask("load")
	d := workflow()
	inlets := []core.DatasetRef{core.Table("ignored.in")}
	outlets := []core.DatasetRef{core.Table("ignored.out")}

	h.backend().SendLineage(context.Background(), task, inlets, outlets, hookCtx(d))

	assert.Same(t, d, h.extractedOn)
	assert.Equal(t, h.xlets, h.runner.opts.XLets)
	assert.Empty(t, task.errors())
}

func TestSendLineage_ContainsFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		setup    func(h *harness)
		step     backend.Step
		runners  int
		executed int
		panics   bool
	}{
		{"loader error", func(h *harness) { h.loadErr = boom }, backend.StepLoadConfig, 0, 0, false},
		{"client error", func(h *harness) { h.clientErr = boom }, backend.StepCreateClient, 0, 0, false},
		{"extractor error", func(h *harness) { h.extractErr = boom }, backend.StepExtractXLets, 0, 0, false},
		{"runner construction error", func(h *harness) { h.runnerErr = boom }, backend.StepCreateRunner, 1, 0, false},
		{"runner execute error", func(h *harness) { h.runner.err = boom }, backend.StepExecute, 1, 1, false},
		{"runner execute panic", func(h *harness) { h.runner.panicMsg = "boom" }, backend.StepExecute, 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h)
			task := newTask("transform")

			assert.NotPanics(t, func() {
				h.backend().SendLineage(context.Background(), task, nil, nil, hookCtx(workflow()))
			})

			errs := task.errors()
			require.Len(t, errs, 1, "exactly one error record")
			assert.Contains(t, errs[0].Message, "boom")
			assert.Equal(t, "transform", errs[0].Attrs["task_id"])
			assert.Equal(t, string(tt.step), errs[0].Attrs["step"])
			if tt.panics {
				assert.Contains(t, errs[0].Attrs["stack"], "fakeRunner")
			} else {
				assert.NotContains(t, errs[0].Attrs, "stack", "returned errors carry no stack")
			}
			assert.Equal(t, tt.runners, h.runnersMade)
			assert.Equal(t, tt.executed, h.runner.executed)
		})
	}
}

func TestSendLineage_MissingDAG(t *testing.T) {
	tests := []struct {
		name string
		ctx  core.HookContext
	}{
		{"nil context", nil},
		{"no dag key", core.HookContext{"run_id": "manual"}},
		{"nil dag", core.HookContext{core.DAGKey: (*dag.DAG)(nil)}},
		{"wrong type", core.HookContext{core.DAGKey: "orders"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			task := newTask("load")

			h.backend().SendLineage(context.Background(), task, nil, nil, tt.ctx)

			errs := task.errors()
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Message, backend.ErrMissingDAG.Error())
			assert.Equal(t, string(backend.StepExtractXLets), errs[0].Attrs["step"])
			assert.Nil(t, h.extractedOn)
			assert.Zero(t, h.runnersMade)
		})
	}
}

func TestSendLineage_TwoInputsOneOutput(t *testing.T) {
	h := newHarness()
	task := newTask("load")
	b := backend.New(backend.Options{
		Loader: config.LoaderFunc(func() (*config.LineageConfig, error) { return h.cfg, nil }),
		NewClient: func(config.MetadataConfig, *slog.Logger) (runner.MetadataClient, error) {
			return h.client, nil
		},
		NewRunner: func(opts runner.Options) (backend.Runner, error) {
			h.runnersMade++
			h.runner.opts = opts
			return h.runner, nil
		},
	})

	b.SendLineage(context.Background(), task, nil, nil, hookCtx(workflow()))

	assert.Empty(t, task.errors())
	assert.Equal(t, 1, h.runnersMade)
	assert.Equal(t, 1, h.runner.executed)
	require.Len(t, h.runner.opts.XLets, 1)
	inlets, outlets := xlets.Totals(h.runner.opts.XLets)
	assert.Equal(t, 2, inlets)
	assert.Equal(t, 1, outlets)
}

func TestSendLineage_MissingEndpoint(t *testing.T) {
	t.Setenv("LEAPLINEAGE_METADATA__HOST_PORT", "")
	h := newHarness()
	task := newTask("load")
	b := backend.New(backend.Options{
		Loader: config.NewCachedLoader(&config.FileLoader{Dir: t.TempDir()}),
		NewRunner: func(runner.Options) (backend.Runner, error) {
			h.runnersMade++
			return h.runner, nil
		},
	})

	b.SendLineage(context.Background(), task, nil, nil, hookCtx(workflow()))

	errs := task.errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, config.ErrMissingEndpoint.Error())
	assert.Equal(t, string(backend.StepLoadConfig), errs[0].Attrs["step"])
	assert.Zero(t, h.runnersMade)
}

func TestSendLineage_EndToEnd(t *testing.T) {
	srv := metadatatest.NewServer()
	defer srv.Close()
	srv.AddPipelineService("airflow")
	srv.AddTable("a.b.c.in1")
	srv.AddTable("a.b.c.in2")
	srv.AddTable("a.b.c.out")

	cfg := &config.LineageConfig{
		ServiceName: "airflow",
		MaxStatus:   10,
		Metadata:    config.MetadataConfig{HostPort: srv.URL()},
	}
	b := backend.New(backend.Options{
		Loader: config.LoaderFunc(func() (*config.LineageConfig, error) { return cfg, nil }),
		Logger: testutil.NewTestLoggerAt(t, slog.LevelInfo),
	})
	task := newTask("load")

	b.SendLineage(context.Background(), task, nil, nil, hookCtx(workflow()))

	assert.Empty(t, task.errors())
	_, ok := srv.Pipeline("airflow.orders")
	assert.True(t, ok)
	edges := srv.Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, "a.b.c.in1", edges[0].From.FullyQualifiedName)
	assert.Equal(t, "a.b.c.out", edges[0].To.FullyQualifiedName)
	assert.Equal(t, "a.b.c.in2", edges[1].From.FullyQualifiedName)
}

func TestSendLineage_UnknownServiceIsLogged(t *testing.T) {
	srv := metadatatest.NewServer()
	defer srv.Close()

	cfg := &config.LineageConfig{
		ServiceName: "airflow",
		Metadata:    config.MetadataConfig{HostPort: srv.URL()},
	}
	b := backend.New(backend.Options{
		Loader: config.LoaderFunc(func() (*config.LineageConfig, error) { return cfg, nil }),
	})
	task := newTask("load")

	b.SendLineage(context.Background(), task, nil, nil, hookCtx(workflow()))

	errs := task.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, string(backend.StepExecute), errs[0].Attrs["step"])
	assert.Contains(t, errs[0].Message, `pipeline service "airflow" not found`)
}

// lookupPanicClient registers the pipeline, then panics when resolving
// datasets, which the runner does on errgroup goroutines.
type lookupPanicClient struct{ runner.MetadataClient }

func (lookupPanicClient) GetPipelineService(_ context.Context, name string) (*metadata.PipelineService, error) {
	return &metadata.PipelineService{Entity: metadata.Entity{Name: name, FullyQualifiedName: name}}, nil
}

func (lookupPanicClient) CreateOrUpdatePipeline(_ context.Context, req metadata.CreatePipelineRequest) (*metadata.Pipeline, error) {
	return &metadata.Pipeline{Entity: metadata.Entity{Name: req.Name, FullyQualifiedName: req.Service + "." + req.Name}}, nil
}

func (lookupPanicClient) GetEntityByName(context.Context, core.DatasetRef) (*metadata.EntityReference, error) {
	panic("client bug")
}

func TestSendLineage_ContainsPanicOnLookupGoroutine(t *testing.T) {
	cfg := &config.LineageConfig{
		ServiceName: "airflow",
		Metadata:    config.MetadataConfig{HostPort: "http://catalog:8585/api"},
	}
	b := backend.New(backend.Options{
		Loader: config.LoaderFunc(func() (*config.LineageConfig, error) { return cfg, nil }),
		NewClient: func(config.MetadataConfig, *slog.Logger) (runner.MetadataClient, error) {
			return lookupPanicClient{}, nil
		},
	})
	task := newTask("load")

	assert.NotPanics(t, func() {
		b.SendLineage(context.Background(), task, nil, nil, hookCtx(workflow()))
	})

	errs := task.errors()
	require.Len(t, errs, 1, "exactly one error record")
	assert.Equal(t, string(backend.StepExecute), errs[0].Attrs["step"])
	assert.Contains(t, errs[0].Message, "client bug")
	assert.Contains(t, errs[0].Attrs["stack"], "GetEntityByName")
}

func TestStepError_Unwrap(t *testing.T) {
	err := &backend.StepError{Step: backend.StepExecute, Err: backend.ErrMissingDAG}
	assert.ErrorIs(t, err, backend.ErrMissingDAG)
	assert.Equal(t, `execute: `+backend.ErrMissingDAG.Error(), err.Error())
}
