// Package backend is the lineage backend a host orchestrator calls after each
// task completes. It loads the lineage configuration, builds a catalog client,
// extracts the workflow's xlets and hands them to the lineage runner.
//
// Every failure, including panics, is contained: it is written as a single
// error record to the task's logger and SendLineage returns normally.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/internal/metadata"
	"github.com/leapstack-labs/leaplineage/internal/runner"
	"github.com/leapstack-labs/leaplineage/internal/xlets"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// Step names a stage of SendLineage.
type Step string

// Stages of SendLineage, in execution order.
const (
	StepLoadConfig   Step = "load_config"
	StepCreateClient Step = "create_client"
	StepExtractXLets Step = "extract_xlets"
	StepCreateRunner Step = "create_runner"
	StepExecute      Step = "execute"
)

// ErrMissingDAG is returned when the hook context carries no workflow graph.
var ErrMissingDAG = errors.New(`hook context has no workflow under "dag"`)

// StepError wraps the error of a failed stage.
type StepError struct {
	Step Step
	Err  error
	// Stack is the stack of the goroutine that panicked, empty when the
	// stage returned an error.
	Stack []byte
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Runner executes one lineage report.
type Runner interface {
	Execute(ctx context.Context) error
}

// ClientFactory builds a catalog client from the metadata configuration.
type ClientFactory func(cfg config.MetadataConfig, logger *slog.Logger) (runner.MetadataClient, error)

// Extractor derives xlets from a workflow graph.
type Extractor func(d *dag.DAG) ([]xlets.XLets, error)

// RunnerFactory builds a runner from its options.
type RunnerFactory func(opts runner.Options) (Runner, error)

// Options configures a Backend. Nil fields use the defaults.
type Options struct {
	// Loader supplies the configuration (default: lineage.yaml and
	// LEAPLINEAGE_* env vars, loaded once per process).
	Loader config.Loader
	// NewClient builds the catalog client (default: metadata.NewClient).
	NewClient ClientFactory
	// Extract derives xlets (default: xlets.FromDAG).
	Extract Extractor
	// NewRunner builds the runner (default: runner.New).
	NewRunner RunnerFactory
	// Logger receives progress from the client and runner (default: discard).
	// Failures are always reported on the task's logger.
	Logger *slog.Logger
}

// Backend reports lineage to the metadata catalog.
type Backend struct {
	loader    config.Loader
	newClient ClientFactory
	extract   Extractor
	newRunner RunnerFactory
	logger    *slog.Logger
}

var _ core.LineageBackend = (*Backend)(nil)

// New creates a backend.
func New(opts Options) *Backend {
	b := &Backend{
		loader:    opts.Loader,
		newClient: opts.NewClient,
		extract:   opts.Extract,
		newRunner: opts.NewRunner,
		logger:    opts.Logger,
	}
	if b.loader == nil {
		b.loader = config.NewCachedLoader(&config.FileLoader{})
	}
	if b.newClient == nil {
		b.newClient = defaultClient
	}
	if b.extract == nil {
		b.extract = xlets.FromDAG
	}
	if b.newRunner == nil {
		b.newRunner = defaultRunner
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

func defaultClient(cfg config.MetadataConfig, logger *slog.Logger) (runner.MetadataClient, error) {
	return metadata.NewClient(cfg, logger)
}

func defaultRunner(opts runner.Options) (Runner, error) {
	return runner.New(opts), nil
}

// SendLineage reports the lineage of the workflow in hookCtx. Inlets and
// outlets of the finished task are not used: xlets always come from the
// whole workflow graph.
func (b *Backend) SendLineage(ctx context.Context, task core.TaskHandle, _, _ []core.DatasetRef, hookCtx core.HookContext) {
	if err := b.report(ctx, hookCtx); err != nil {
		logFailure(task, err)
	}
}

// report runs every stage and returns the first failure as a *StepError.
func (b *Backend) report(ctx context.Context, hookCtx core.HookContext) error {
	var cfg *config.LineageConfig
	if err := run(StepLoadConfig, func() (err error) {
		cfg, err = b.loader.Load()
		return err
	}); err != nil {
		return err
	}

	var client runner.MetadataClient
	if err := run(StepCreateClient, func() (err error) {
		client, err = b.newClient(cfg.Metadata, b.logger)
		return err
	}); err != nil {
		return err
	}

	var (
		workflow *dag.DAG
		xs       []xlets.XLets
	)
	if err := run(StepExtractXLets, func() (err error) {
		if workflow, err = dagFrom(hookCtx); err != nil {
			return err
		}
		xs, err = b.extract(workflow)
		return err
	}); err != nil {
		return err
	}

	var r Runner
	if err := run(StepCreateRunner, func() (err error) {
		r, err = b.newRunner(runner.Options{
			Client:             client,
			ServiceName:        cfg.ServiceName,
			DAG:                workflow,
			XLets:              xs,
			OnlyKeepDagLineage: cfg.OnlyKeepDagLineage,
			MaxStatus:          cfg.MaxStatus,
			Logger:             b.logger,
		})
		return err
	}); err != nil {
		return err
	}

	return run(StepExecute, func() error {
		return r.Execute(ctx)
	})
}

// run executes one stage, converting errors and panics into a *StepError.
// Panics on the runner's lookup goroutines arrive as *runner.PanicError.
func run(step Step, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &StepError{Step: step, Err: fmt.Errorf("panic: %v", p), Stack: debug.Stack()}
		}
	}()

	if err := fn(); err != nil {
		stepErr := &StepError{Step: step, Err: err}
		var panicErr *runner.PanicError
		if errors.As(err, &panicErr) {
			stepErr.Stack = panicErr.Stack
		}
		return stepErr
	}
	return nil
}

func dagFrom(hookCtx core.HookContext) (*dag.DAG, error) {
	v, ok := hookCtx[core.DAGKey]
	if !ok || v == nil {
		return nil, ErrMissingDAG
	}
	d, ok := v.(*dag.DAG)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrMissingDAG, v)
	}
	if d == nil {
		return nil, ErrMissingDAG
	}
	return d, nil
}

// logFailure writes exactly one error record for err.
func logFailure(task core.TaskHandle, err error) {
	logger := slog.Default()
	taskID := ""
	if task != nil {
		taskID = task.TaskID()
		if l := task.Logger(); l != nil {
			logger = l
		}
	}

	attrs := []any{"task_id", taskID, "error", err.Error()}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		attrs = append(attrs, "step", string(stepErr.Step))
		if len(stepErr.Stack) > 0 {
			attrs = append(attrs, "stack", string(stepErr.Stack))
		}
	}
	logger.Error("failed to send lineage to the metadata catalog: "+err.Error(), attrs...)
}
