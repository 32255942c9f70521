package core

import (
	"context"
	"log/slog"
)

// DAGKey is the HookContext key under which the host stores the workflow graph.
const DAGKey = "dag"

// HookContext is the host-supplied bundle passed to every lineage callback.
// It must contain the current workflow graph under DAGKey.
type HookContext map[string]any

// TaskHandle is the host's handle on the task that just finished.
// The backend only uses it to identify the task and to report failures.
type TaskHandle interface {
	TaskID() string
	Logger() *slog.Logger
}

// LineageBackend is the capability a host orchestrator calls after each task
// completes. Implementations must never panic or fail the host task; failures
// are reported through the task's logger.
type LineageBackend interface {
	SendLineage(ctx context.Context, task TaskHandle, inlets, outlets []DatasetRef, hookCtx HookContext)
}
