package metadata

import "github.com/leapstack-labs/leaplineage/pkg/core"

// EntityReference identifies a catalog entity.
type EntityReference struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Name               string `json:"name,omitempty"`
	FullyQualifiedName string `json:"fullyQualifiedName,omitempty"`
}

// Entity is the subset of fields shared by every catalog entity.
type Entity struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	FullyQualifiedName string `json:"fullyQualifiedName"`
	Description        string `json:"description,omitempty"`
}

// Ref returns a reference to the entity with the given entity type.
func (e Entity) Ref(entityType string) EntityReference {
	return EntityReference{
		ID:                 e.ID,
		Type:               entityType,
		Name:               e.Name,
		FullyQualifiedName: e.FullyQualifiedName,
	}
}

// PipelineService is the service workflows are registered under.
type PipelineService struct {
	Entity
	ServiceType string `json:"serviceType,omitempty"`
}

// Task is a pipeline task as stored in the catalog.
type Task struct {
	Name           string   `json:"name"`
	DisplayName    string   `json:"displayName,omitempty"`
	Description    string   `json:"description,omitempty"`
	TaskType       string   `json:"taskType,omitempty"`
	DownstreamTask []string `json:"downstreamTasks,omitempty"`
	StartDate      string   `json:"startDate,omitempty"`
	EndDate        string   `json:"endDate,omitempty"`
}

// Pipeline is a workflow registered in the catalog.
type Pipeline struct {
	Entity
	Service          EntityReference `json:"service"`
	Tasks            []Task          `json:"tasks,omitempty"`
	ScheduleInterval string          `json:"scheduleInterval,omitempty"`
	SourceURL        string          `json:"sourceUrl,omitempty"`
}

// CreatePipelineRequest creates or updates a pipeline.
type CreatePipelineRequest struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"displayName,omitempty"`
	Description      string   `json:"description,omitempty"`
	Service          string   `json:"service"`
	Tasks            []Task   `json:"tasks,omitempty"`
	ScheduleInterval string   `json:"scheduleInterval,omitempty"`
	StartDate        string   `json:"startDate,omitempty"`
	SourceURL        string   `json:"sourceUrl,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Owner            string   `json:"owner,omitempty"`
}

// StatusType is the execution status of a pipeline run or task.
type StatusType string

// Execution statuses understood by the catalog.
const (
	StatusSuccessful StatusType = "Successful"
	StatusFailed     StatusType = "Failed"
	StatusPending    StatusType = "Pending"
	StatusSkipped    StatusType = "Skipped"
)

// TaskStatus is the status of one task within a pipeline run.
type TaskStatus struct {
	Name            string     `json:"name"`
	ExecutionStatus StatusType `json:"executionStatus"`
	StartTime       int64      `json:"startTime,omitempty"`
	EndTime         int64      `json:"endTime,omitempty"`
}

// PipelineStatus is the status of one pipeline run. Timestamp is in epoch millis.
type PipelineStatus struct {
	Timestamp       int64        `json:"timestamp"`
	ExecutionStatus StatusType   `json:"executionStatus"`
	TaskStatus      []TaskStatus `json:"taskStatus,omitempty"`
}

// LineageDetails annotates a lineage edge.
type LineageDetails struct {
	Pipeline    *EntityReference `json:"pipeline,omitempty"`
	Description string           `json:"description,omitempty"`
	Source      string           `json:"source,omitempty"`
}

// EntitiesEdge is a lineage edge between two entity references.
type EntitiesEdge struct {
	FromEntity     EntityReference `json:"fromEntity"`
	ToEntity       EntityReference `json:"toEntity"`
	LineageDetails *LineageDetails `json:"lineageDetails,omitempty"`
}

// AddLineageRequest adds one lineage edge.
type AddLineageRequest struct {
	Edge EntitiesEdge `json:"edge"`
}

// Edge is a lineage edge as returned by lineage queries (IDs only).
type Edge struct {
	FromEntity     string          `json:"fromEntity"`
	ToEntity       string          `json:"toEntity"`
	LineageDetails *LineageDetails `json:"lineageDetails,omitempty"`
}

// EntityLineage is the lineage graph around an entity.
type EntityLineage struct {
	Entity          EntityReference   `json:"entity"`
	Nodes           []EntityReference `json:"nodes,omitempty"`
	UpstreamEdges   []Edge            `json:"upstreamEdges,omitempty"`
	DownstreamEdges []Edge            `json:"downstreamEdges,omitempty"`
}

// Node returns the node with the given ID, including the root entity.
func (l *EntityLineage) Node(id string) (EntityReference, bool) {
	if l.Entity.ID == id {
		return l.Entity, true
	}
	for _, n := range l.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return EntityReference{}, false
}

// VersionInfo is returned by the catalog's version endpoint.
type VersionInfo struct {
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
}

// entityPaths maps dataset entity types to their REST collection.
var entityPaths = map[core.EntityType]string{
	core.EntityTable:     "tables",
	core.EntityContainer: "containers",
	core.EntityTopic:     "topics",
	core.EntityDashboard: "dashboards",
}

// EntityTypePipeline is the lineage entity type of pipelines.
const EntityTypePipeline = "pipeline"
