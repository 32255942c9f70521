// Package core defines the shared language between a host orchestrator and
// the lineage backend.
//
// This package contains:
//   - Dataset references (DatasetRef, EntityType)
//   - The host callback contract (LineageBackend, TaskHandle, HookContext)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
