package persistence

import (
	"context"

	"github.com/petrijr/weft/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow record does not exist.
	ErrWorkflowNotFound = api.ErrWorkflowNotFound

	// ErrNameTaken is returned by CreateWorkflow when (owner, name) is already
	// used by a persisted workflow.
	ErrNameTaken = api.ErrNameTaken
)

// WorkflowStore handles storage of workflow records.
type WorkflowStore interface {
	// CreateWorkflow persists def under a newly assigned id and returns the
	// stored record. def.ID is ignored.
	CreateWorkflow(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error)
	// UpdateWorkflow replaces the stored record with the same id.
	UpdateWorkflow(ctx context.Context, def api.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (api.WorkflowDefinition, error)
	// NameExists reports whether ownerID already has a workflow called name.
	NameExists(ctx context.Context, ownerID, name string) (bool, error)
}

// EdgeRecord is the durable form of an edge, keyed by workflow id.
type EdgeRecord struct {
	WorkflowID   string
	EdgeID       string
	SourceNodeID string
	TargetNodeID string
	EdgeType     string
	Metadata     map[string]any
}

// EdgeStore holds per-edge records.
type EdgeStore interface {
	// PutEdge inserts or replaces the record for (WorkflowID, EdgeID).
	PutEdge(ctx context.Context, rec EdgeRecord) error
	DeleteEdge(ctx context.Context, workflowID, edgeID string) error
	ListEdges(ctx context.Context, workflowID string) ([]EdgeRecord, error)
	// RekeyEdges moves every edge record of from onto to and returns how
	// many moved.
	RekeyEdges(ctx context.Context, from, to string) (int, error)
}

// SchemaStore holds the durable input schema of each node.
type SchemaStore interface {
	PutInputSchema(ctx context.Context, workflowID, nodeID string, s api.Schema) error
	// GetInputSchema returns ok=false when nothing is stored.
	GetInputSchema(ctx context.Context, workflowID, nodeID string) (s api.Schema, ok bool, err error)
	DeleteInputSchema(ctx context.Context, workflowID, nodeID string) error
	// RekeySchemas moves every schema of from onto to and returns how many
	// moved.
	RekeySchemas(ctx context.Context, from, to string) (int, error)
}
