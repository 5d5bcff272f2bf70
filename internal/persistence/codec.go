package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/weft/pkg/api"
)

// Stored definitions keep nodes and edges in a JSON document; id, owner, name
// and description live in their own columns.
type definitionDoc struct {
	Nodes []api.Node `json:"nodes"`
	Edges []api.Edge `json:"edges"`
}

// EncodeDefinition serializes the graph part of def.
func EncodeDefinition(def api.WorkflowDefinition) ([]byte, error) {
	doc := definitionDoc{Nodes: def.Nodes, Edges: def.Edges}
	if doc.Nodes == nil {
		doc.Nodes = []api.Node{}
	}
	if doc.Edges == nil {
		doc.Edges = []api.Edge{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	return b, nil
}

// DecodeDefinition fills the nodes and edges of def from data.
func DecodeDefinition(def *api.WorkflowDefinition, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var doc definitionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode definition %s: %w", def.ID, err)
	}
	def.Nodes = doc.Nodes
	def.Edges = doc.Edges
	return nil
}

// EncodeValue serializes v as JSON. nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue decodes a JSON payload into T. Empty input yields the zero T.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
