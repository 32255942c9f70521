// Package runner turns a workflow and its xlets into catalog entities:
// the pipeline, its recent run statuses and the lineage edges between the
// datasets its tasks read and write.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leaplineage/internal/metadata"
	"github.com/leapstack-labs/leaplineage/internal/xlets"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// DefaultConcurrency bounds parallel entity lookups.
const DefaultConcurrency = 4

// lineageSource marks edges created by this runner.
const lineageSource = "PipelineLineage"

// MetadataClient is the subset of the catalog API the runner uses.
type MetadataClient interface {
	GetPipelineService(ctx context.Context, name string) (*metadata.PipelineService, error)
	GetEntityByName(ctx context.Context, ref core.DatasetRef) (*metadata.EntityReference, error)
	CreateOrUpdatePipeline(ctx context.Context, req metadata.CreatePipelineRequest) (*metadata.Pipeline, error)
	AddPipelineStatus(ctx context.Context, pipelineFQN string, status metadata.PipelineStatus) error
	AddLineage(ctx context.Context, req metadata.AddLineageRequest) error
	GetLineageByName(ctx context.Context, entityType, fqn string, upstreamDepth, downstreamDepth int) (*metadata.EntityLineage, error)
	DeleteLineageEdge(ctx context.Context, from, to metadata.EntityReference) error
}

var _ MetadataClient = (*metadata.Client)(nil)

// Options configures a Runner.
type Options struct {
	Client             MetadataClient
	ServiceName        string
	DAG                *dag.DAG
	XLets              []xlets.XLets
	OnlyKeepDagLineage bool
	MaxStatus          int
	// Concurrency bounds parallel entity lookups (default: DefaultConcurrency).
	Concurrency int
	// Logger is the structured logger (optional, uses discard if nil).
	Logger *slog.Logger
}

// Summary describes what a run sent to the catalog.
type Summary struct {
	PipelineFQN      string
	StatusesReported int
	EdgesAdded       int
	EdgesRemoved     int
	Unresolved       []string
}

// PanicError is a panic recovered on an entity lookup goroutine. Stack is
// the stack of the panicking goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Runner reports one workflow's lineage.
type Runner struct {
	opts    Options
	logger  *slog.Logger
	summary Summary
}

// New creates a runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Runner{opts: opts, logger: logger}
}

// Summary returns the outcome of the last Execute.
func (r *Runner) Summary() Summary {
	return r.summary
}

// Execute registers the pipeline, reports recent run statuses and lineage.
func (r *Runner) Execute(ctx context.Context) error {
	r.summary = Summary{}

	if r.opts.Client == nil {
		return errors.New("runner: metadata client is required")
	}
	if r.opts.DAG == nil {
		return fmt.Errorf("runner: %w", dag.ErrNilDAG)
	}

	svc, err := r.opts.Client.GetPipelineService(ctx, r.opts.ServiceName)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("pipeline service %q not found in the catalog; create it before reporting lineage: %w", r.opts.ServiceName, err)
		}
		return fmt.Errorf("failed to get pipeline service %q: %w", r.opts.ServiceName, err)
	}

	pipeline, err := r.opts.Client.CreateOrUpdatePipeline(ctx, buildPipelineRequest(r.opts.DAG, svc))
	if err != nil {
		return fmt.Errorf("failed to register pipeline %s: %w", r.opts.DAG.ID, err)
	}
	r.summary.PipelineFQN = pipeline.FullyQualifiedName
	r.logger.Debug("pipeline registered", "pipeline", pipeline.FullyQualifiedName)

	if err := r.reportStatuses(ctx, pipeline); err != nil {
		return err
	}

	current, err := r.reportLineage(ctx, pipeline)
	if err != nil {
		return err
	}

	if r.opts.OnlyKeepDagLineage {
		if err := r.cleanStaleLineage(ctx, pipeline, current); err != nil {
			return err
		}
	}

	r.logger.Info("lineage reported",
		"pipeline", r.summary.PipelineFQN,
		"statuses", r.summary.StatusesReported,
		"edges_added", r.summary.EdgesAdded,
		"edges_removed", r.summary.EdgesRemoved,
		"unresolved", len(r.summary.Unresolved))
	return nil
}

// =============================================================================
// Pipeline and statuses
// =============================================================================

func buildPipelineRequest(d *dag.DAG, svc *metadata.PipelineService) metadata.CreatePipelineRequest {
	req := metadata.CreatePipelineRequest{
		Name:             d.ID,
		Description:      d.Description,
		Service:          svc.FullyQualifiedName,
		ScheduleInterval: d.Schedule,
		StartDate:        formatTime(d.StartDate),
		SourceURL:        d.FileLoc,
		Tags:             d.Tags,
		Owner:            d.Owner,
	}
	for _, t := range d.Tasks {
		if t == nil {
			continue
		}
		req.Tasks = append(req.Tasks, metadata.Task{
			Name:           t.ID,
			Description:    t.Description,
			TaskType:       t.Operator,
			DownstreamTask: t.Downstream,
			StartDate:      formatTime(t.StartDate),
			EndDate:        formatTime(t.EndDate),
		})
	}
	return req
}

func (r *Runner) reportStatuses(ctx context.Context, pipeline *metadata.Pipeline) error {
	runs := r.opts.DAG.RecentRuns(r.opts.MaxStatus)

	// Oldest first so the catalog sees runs in the order they happened.
	for i := len(runs) - 1; i >= 0; i-- {
		status, ok := buildStatus(runs[i])
		if !ok {
			r.logger.Warn("skipping run without timestamps", "run_id", runs[i].RunID)
			continue
		}
		if err := r.opts.Client.AddPipelineStatus(ctx, pipeline.FullyQualifiedName, status); err != nil {
			return fmt.Errorf("failed to add status for run %s: %w", runs[i].RunID, err)
		}
		r.summary.StatusesReported++
	}
	return nil
}

func buildStatus(run dag.Run) (metadata.PipelineStatus, bool) {
	ts := run.ExecutionDate
	if ts.IsZero() {
		ts = run.StartDate
	}
	if ts.IsZero() {
		return metadata.PipelineStatus{}, false
	}

	status := metadata.PipelineStatus{
		Timestamp:       ts.UnixMilli(),
		ExecutionStatus: statusFor(run.State),
	}
	for _, ti := range run.TaskInstances {
		status.TaskStatus = append(status.TaskStatus, metadata.TaskStatus{
			Name:            ti.TaskID,
			ExecutionStatus: statusFor(ti.State),
			StartTime:       millis(ti.StartDate),
			EndTime:         millis(ti.EndDate),
		})
	}
	return status, true
}

func statusFor(s dag.State) metadata.StatusType {
	switch s {
	case dag.StateSuccess:
		return metadata.StatusSuccessful
	case dag.StateFailed, dag.StateUpstreamFailed:
		return metadata.StatusFailed
	case dag.StateSkipped:
		return metadata.StatusSkipped
	default:
		return metadata.StatusPending
	}
}

// =============================================================================
// Lineage
// =============================================================================

// edgeKey identifies an edge by entity IDs.
type edgeKey struct{ from, to string }

// reportLineage adds one edge per inlet x outlet of every task and returns
// the set of edges the workflow currently declares.
func (r *Runner) reportLineage(ctx context.Context, pipeline *metadata.Pipeline) (map[edgeKey]bool, error) {
	resolved, err := r.resolveEntities(ctx)
	if err != nil {
		return nil, err
	}

	pipelineRef := pipeline.Ref(metadata.EntityTypePipeline)
	current := make(map[edgeKey]bool)

	for _, x := range r.opts.XLets {
		for _, in := range x.Inlets {
			from, ok := resolved[in]
			if !ok {
				continue
			}
			for _, out := range x.Outlets {
				to, ok := resolved[out]
				if !ok || from.ID == to.ID {
					continue
				}
				key := edgeKey{from.ID, to.ID}
				if current[key] {
					continue
				}
				current[key] = true

				err := r.opts.Client.AddLineage(ctx, metadata.AddLineageRequest{Edge: metadata.EntitiesEdge{
					FromEntity: from,
					ToEntity:   to,
					LineageDetails: &metadata.LineageDetails{
						Pipeline:    &pipelineRef,
						Source:      lineageSource,
						Description: fmt.Sprintf("Lineage from %s task %s", r.opts.DAG.ID, x.TaskID),
					},
				}})
				if err != nil {
					return nil, fmt.Errorf("failed to add lineage %s -> %s: %w", in.FQN, out.FQN, err)
				}
				r.summary.EdgesAdded++
				r.logger.Debug("lineage edge added", "from", in.FQN, "to", out.FQN, "task", x.TaskID)
			}
		}
	}
	return current, nil
}

// resolveEntities looks up every referenced dataset. References the catalog
// does not know are logged and left out of the result.
func (r *Runner) resolveEntities(ctx context.Context) (map[core.DatasetRef]metadata.EntityReference, error) {
	var refs []core.DatasetRef
	seen := make(map[core.DatasetRef]bool)
	for _, x := range r.opts.XLets {
		for _, ref := range append(append([]core.DatasetRef{}, x.Inlets...), x.Outlets...) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}

	var (
		mu         sync.Mutex
		resolved   = make(map[core.DatasetRef]metadata.EntityReference, len(refs))
		unresolved []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, ref := range refs {
		g.Go(func() (err error) {
			// Panics here would escape the caller's recover.
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("failed to resolve %s: %w", ref, &PanicError{Value: p, Stack: debug.Stack()})
				}
			}()

			entity, err := r.opts.Client.GetEntityByName(gctx, ref)
			if errors.Is(err, metadata.ErrNotFound) {
				r.logger.Warn("dataset not found in catalog, skipping", "entity", ref.Entity, "fqn", ref.FQN)
				mu.Lock()
				unresolved = append(unresolved, ref.String())
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", ref, err)
			}
			mu.Lock()
			resolved[ref] = *entity
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(unresolved)
	r.summary.Unresolved = unresolved
	return resolved, nil
}

// cleanStaleLineage deletes edges tagged with this pipeline that the
// workflow no longer declares.
func (r *Runner) cleanStaleLineage(ctx context.Context, pipeline *metadata.Pipeline, current map[edgeKey]bool) error {
	lineage, err := r.opts.Client.GetLineageByName(ctx, metadata.EntityTypePipeline, pipeline.FullyQualifiedName, 1, 1)
	if err != nil {
		return fmt.Errorf("failed to get lineage of pipeline %s: %w", pipeline.FullyQualifiedName, err)
	}

	edges := append(append([]metadata.Edge{}, lineage.UpstreamEdges...), lineage.DownstreamEdges...)
	done := make(map[edgeKey]bool)
	for _, e := range edges {
		key := edgeKey{e.FromEntity, e.ToEntity}
		if current[key] || done[key] {
			continue
		}
		if e.LineageDetails == nil || e.LineageDetails.Pipeline == nil || e.LineageDetails.Pipeline.ID != pipeline.ID {
			continue
		}
		done[key] = true

		from, okFrom := lineage.Node(e.FromEntity)
		to, okTo := lineage.Node(e.ToEntity)
		if !okFrom || !okTo {
			r.logger.Warn("cannot remove stale edge with unknown endpoints", "from", e.FromEntity, "to", e.ToEntity)
			continue
		}
		if err := r.opts.Client.DeleteLineageEdge(ctx, from, to); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("failed to remove stale lineage %s -> %s: %w", from.FullyQualifiedName, to.FullyQualifiedName, err)
		}
		r.summary.EdgesRemoved++
		r.logger.Debug("stale lineage edge removed", "from", from.FullyQualifiedName, "to", to.FullyQualifiedName)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
