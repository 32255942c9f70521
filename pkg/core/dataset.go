package core

import (
	"fmt"
	"strings"
)

// =============================================================================
// Entity types
// =============================================================================

// EntityType identifies the kind of catalog entity a dataset reference points to.
type EntityType string

// Supported entity types.
const (
	EntityTable     EntityType = "table"
	EntityContainer EntityType = "container"
	EntityTopic     EntityType = "topic"
	EntityDashboard EntityType = "dashboard"
)

// IsValid reports whether the entity type is one the catalog can link in lineage.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityTable, EntityContainer, EntityTopic, EntityDashboard:
		return true
	default:
		return false
	}
}

// =============================================================================
// DatasetRef
// =============================================================================

// DatasetRef is a reference to a dataset consumed or produced by a task.
type DatasetRef struct {
	Entity EntityType `json:"entity" yaml:"entity"`
	FQN    string     `json:"fqn" yaml:"fqn"`
}

// Table is shorthand for a table reference.
func Table(fqn string) DatasetRef {
	return DatasetRef{Entity: EntityTable, FQN: fqn}
}

// String returns the "<entity>:<fqn>" form accepted by ParseDatasetRef.
func (r DatasetRef) String() string {
	return string(r.Entity) + ":" + r.FQN
}

// Validate checks that the reference names a known entity type and a non-empty FQN.
func (r DatasetRef) Validate() error {
	if strings.TrimSpace(r.FQN) == "" {
		return fmt.Errorf("dataset reference has empty fqn")
	}
	if !r.Entity.IsValid() {
		return fmt.Errorf("dataset %q: unknown entity type %q", r.FQN, r.Entity)
	}
	return nil
}

// ParseDatasetRef parses "<entity>:<fqn>" or a bare FQN, which defaults to a table.
//
//	ParseDatasetRef("warehouse.sales.public.orders")        // table
//	ParseDatasetRef("container:s3.raw-bucket.events")       // container
func ParseDatasetRef(s string) (DatasetRef, error) {
	s = strings.TrimSpace(s)
	ref := DatasetRef{Entity: EntityTable, FQN: s}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		entity := EntityType(strings.ToLower(strings.TrimSpace(prefix)))
		if !entity.IsValid() {
			return DatasetRef{}, fmt.Errorf("dataset %q: unknown entity type %q", s, prefix)
		}
		ref = DatasetRef{Entity: entity, FQN: strings.TrimSpace(rest)}
	}

	if err := ref.Validate(); err != nil {
		return DatasetRef{}, err
	}
	return ref, nil
}
