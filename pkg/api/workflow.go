package api

import (
	"strings"

	"github.com/google/uuid"
)

// Category is the coarse kind of a node. The set is closed and shared with
// the execution backend.
type Category string

const (
	CategoryInput       Category = "input"
	CategoryProcessing  Category = "processing"
	CategoryAI          Category = "ai"
	CategoryOutput      Category = "output"
	CategoryIntegration Category = "integration"
	CategoryControl     Category = "control"
	CategoryUtility     Category = "utility"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryInput,
	CategoryProcessing,
	CategoryAI,
	CategoryOutput,
	CategoryIntegration,
	CategoryControl,
	CategoryUtility,
}

// ComponentType is the concrete node kind within a Category.
type ComponentType string

const (
	TypeDataInput            ComponentType = "data-input"
	TypeFileUpload           ComponentType = "file-upload"
	TypeSpreadsheetGenerator ComponentType = "spreadsheet-generator"

	TypeFiltering   ComponentType = "filtering"
	TypeSorting     ComponentType = "sorting"
	TypeAggregation ComponentType = "aggregation"
	TypeFormula     ComponentType = "formula"
	TypeJoin        ComponentType = "join"
	TypeDeduplicate ComponentType = "deduplicate"

	TypeAskAI     ComponentType = "askAI"
	TypeSummarize ComponentType = "summarize"
	TypeClassify  ComponentType = "classify"
	TypeExtract   ComponentType = "extract"

	TypeExport        ComponentType = "export"
	TypeVisualization ComponentType = "visualization"
	TypeReport        ComponentType = "report"

	TypeHTTPRequest ComponentType = "http-request"
	TypeWebhook     ComponentType = "webhook"
	TypeDatabase    ComponentType = "database"

	TypeCondition ComponentType = "condition"
	TypeLoop      ComponentType = "loop"
	TypeDelay     ComponentType = "delay"

	TypeNote  ComponentType = "note"
	TypeMerge ComponentType = "merge"
)

// Position is layout-only data. The engine never interprets it.
type Position struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// Node is a single processing step in a workflow graph.
type Node struct {
	ID            string         `json:"id" bson:"id"`
	Category      Category       `json:"category" bson:"category"`
	ComponentType ComponentType  `json:"componentType" bson:"component_type"`
	Position      Position       `json:"position" bson:"position"`
	Config        map[string]any `json:"config" bson:"config"`
	Label         string         `json:"label" bson:"label"`
}

// Clone returns a copy of n whose Config can be mutated independently.
func (n Node) Clone() Node {
	n.Config = CloneConfig(n.Config)
	return n
}

// Edge connects the output of Source to the input of Target.
type Edge struct {
	ID           string         `json:"id" bson:"id"`
	Source       string         `json:"source" bson:"source"`
	Target       string         `json:"target" bson:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty" bson:"source_handle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty" bson:"target_handle,omitempty"`
	Label        string         `json:"label,omitempty" bson:"label,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Clone returns a copy of e whose Metadata can be mutated independently.
func (e Edge) Clone() Edge {
	e.Metadata = CloneConfig(e.Metadata)
	return e
}

// Handles selects the sub-ports an edge attaches to.
type Handles struct {
	Source string
	Target string
}

// WorkflowDefinition is the persisted shape of a workflow graph.
//
// ID is either a temporary identity (see IsTemporaryID) or a persistent id
// issued by storage on first save.
type WorkflowDefinition struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// Clone deep-copies the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		out.Nodes[i] = n.Clone()
	}
	out.Edges = make([]Edge, len(d.Edges))
	for i, e := range d.Edges {
		out.Edges[i] = e.Clone()
	}
	return out
}

// TemporaryPrefix marks client-minted workflow ids.
const TemporaryPrefix = "temp-"

// TemporaryIdentity tracks a workflow id minted before the first save.
type TemporaryIdentity struct {
	TempID   string
	RealID   string
	Migrated bool
}

// NewTemporaryID returns a fresh temp-<uuid> identifier.
func NewTemporaryID() string {
	return TemporaryPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id is a temporary workflow identity.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}

// CloneConfig deep-copies a JSON-like map. Nested maps and slices are copied;
// scalar values are shared.
func CloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneConfig(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
