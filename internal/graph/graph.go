// Package graph holds the in-memory workflow graph and its structural
// invariants: every edge references nodes of the same graph, there are no
// self-loops and no duplicate edges.
package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/weft/pkg/api"
)

// Edge metadata keys written by the graph.
const (
	MetaSchemaWarning  = "schemaWarning"
	MetaMissingColumns = "missingColumns"
)

// ConfigSource supplies default node configs (see nodeconfig.Store).
type ConfigSource interface {
	Defaults(category api.Category, componentType api.ComponentType) (map[string]any, error)
}

// CompatibilityFunc returns the columns target expects that source does not
// currently provide. An empty result means compatible or unknown.
type CompatibilityFunc func(source, target api.Node) []string

// Option configures a Graph.
type Option func(*Graph)

// WithCompatibility installs the check used to flag schema mismatches on
// Connect.
func WithCompatibility(fn CompatibilityFunc) Option {
	return func(g *Graph) { g.compat = fn }
}

// WithIDGenerator overrides node and edge id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Graph) { g.newID = fn }
}

// Graph is a goroutine-safe workflow graph.
type Graph struct {
	mu sync.RWMutex

	nodes     map[string]*api.Node
	nodeOrder []string
	edges     map[string]*api.Edge
	edgeOrder []string

	configs ConfigSource
	compat  CompatibilityFunc
	newID   func() string
}

// New creates an empty graph.
func New(configs ConfigSource, opts ...Option) *Graph {
	g := &Graph{
		nodes:   make(map[string]*api.Node),
		edges:   make(map[string]*api.Edge),
		configs: configs,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode creates a node with the catalog's default config.
func (g *Graph) AddNode(category api.Category, componentType api.ComponentType, label string) (api.Node, error) {
	cfg, err := g.configs.Defaults(category, componentType)
	if err != nil {
		return api.Node{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n := &api.Node{
		ID:            string(componentType) + "-" + g.newID(),
		Category:      category,
		ComponentType: componentType,
		Config:        cfg,
		Label:         label,
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
	return n.Clone(), nil
}

// RemoveNode deletes the node and every edge touching it. The removed edges
// are returned so callers can clean up derived state.
func (g *Graph) RemoveNode(id string) ([]api.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNodeNotFound, id)
	}

	var removed []api.Edge
	kept := g.edgeOrder[:0]
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		if e.Source == id || e.Target == id {
			removed = append(removed, e.Clone())
			delete(g.edges, eid)
			continue
		}
		kept = append(kept, eid)
	}
	g.edgeOrder = kept

	delete(g.nodes, id)
	g.nodeOrder = removeID(g.nodeOrder, id)
	return removed, nil
}

// Connect adds an edge from source to target.
//
// Structural violations return *api.InvalidConnectionError and create
// nothing. A schema mismatch still creates the edge; it is flagged in the
// edge metadata and returned as a warning. The compatibility check runs
// without the graph lock held, so a slow check never stalls other edits.
func (g *Graph) Connect(source, target string, handles api.Handles) (api.Edge, *api.SchemaWarning, error) {
	g.mu.RLock()
	src, dst, err := g.checkConnect(source, target, handles)
	var srcNode, dstNode api.Node
	if err == nil {
		srcNode, dstNode = src.Clone(), dst.Clone()
	}
	g.mu.RUnlock()
	if err != nil {
		return api.Edge{}, nil, err
	}

	var missing []string
	if g.compat != nil {
		missing = g.compat(srcNode, dstNode)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// The graph may have changed while the check ran.
	if _, _, err := g.checkConnect(source, target, handles); err != nil {
		return api.Edge{}, nil, err
	}

	e := &api.Edge{
		ID:           "edge-" + g.newID(),
		Source:       source,
		Target:       target,
		SourceHandle: handles.Source,
		TargetHandle: handles.Target,
		Metadata:     map[string]any{},
	}

	var warning *api.SchemaWarning
	if len(missing) > 0 {
		e.Metadata[MetaSchemaWarning] = true
		e.Metadata[MetaMissingColumns] = append([]string(nil), missing...)
		warning = &api.SchemaWarning{EdgeID: e.ID, Source: source, Target: target, Missing: missing}
	}

	g.edges[e.ID] = e
	g.edgeOrder = append(g.edgeOrder, e.ID)
	return e.Clone(), warning, nil
}

// checkConnect validates a new edge. g.mu must be held.
func (g *Graph) checkConnect(source, target string, handles api.Handles) (*api.Node, *api.Node, error) {
	src, ok := g.nodes[source]
	if !ok {
		return nil, nil, &api.InvalidConnectionError{Source: source, Target: target, Reason: api.ReasonMissingSource}
	}
	dst, ok := g.nodes[target]
	if !ok {
		return nil, nil, &api.InvalidConnectionError{Source: source, Target: target, Reason: api.ReasonMissingTarget}
	}
	if source == target {
		return nil, nil, &api.InvalidConnectionError{Source: source, Target: target, Reason: api.ReasonSelfLoop}
	}
	for _, e := range g.edges {
		if e.Source == source && e.Target == target &&
			e.SourceHandle == handles.Source && e.TargetHandle == handles.Target {
			return nil, nil, &api.InvalidConnectionError{Source: source, Target: target, Reason: api.ReasonDuplicate}
		}
	}
	return src, dst, nil
}

// Disconnect removes a single edge.
func (g *Graph) Disconnect(edgeID string) (api.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[edgeID]
	if !ok {
		return api.Edge{}, fmt.Errorf("%w: %s", api.ErrEdgeNotFound, edgeID)
	}
	delete(g.edges, edgeID)
	g.edgeOrder = removeID(g.edgeOrder, edgeID)
	return e.Clone(), nil
}

// UpdateNodeConfig merges patch into the node's config. Other node fields
// are left untouched.
func (g *Graph) UpdateNodeConfig(id string, patch map[string]any) (api.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return api.Node{}, fmt.Errorf("%w: %s", api.ErrNodeNotFound, id)
	}
	if n.Config == nil {
		n.Config = make(map[string]any, len(patch))
	}
	for k, v := range api.CloneConfig(patch) {
		n.Config[k] = v
	}
	return n.Clone(), nil
}

// SetEdgeWarning updates the schema warning flag on an edge. Missing edges
// are ignored; the edge may have been removed concurrently.
func (g *Graph) SetEdgeWarning(edgeID string, missing []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[edgeID]
	if !ok {
		return
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if len(missing) == 0 {
		delete(e.Metadata, MetaSchemaWarning)
		delete(e.Metadata, MetaMissingColumns)
		return
	}
	e.Metadata[MetaSchemaWarning] = true
	e.Metadata[MetaMissingColumns] = append([]string(nil), missing...)
}

// Node returns a copy of the node.
func (g *Graph) Node(id string) (api.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return api.Node{}, false
	}
	return n.Clone(), true
}

// Edge returns a copy of the edge.
func (g *Graph) Edge(id string) (api.Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.edges[id]
	if !ok {
		return api.Edge{}, false
	}
	return e.Clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []api.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]api.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Edges returns copies of all edges in insertion order.
func (g *Graph) Edges() []api.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]api.Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, g.edges[id].Clone())
	}
	return out
}

// Outgoing returns the edges leaving nodeID.
func (g *Graph) Outgoing(nodeID string) []api.Edge {
	return g.filterEdges(func(e *api.Edge) bool { return e.Source == nodeID })
}

// Incoming returns the edges entering nodeID.
func (g *Graph) Incoming(nodeID string) []api.Edge {
	return g.filterEdges(func(e *api.Edge) bool { return e.Target == nodeID })
}

func (g *Graph) filterEdges(keep func(*api.Edge) bool) []api.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []api.Edge
	for _, id := range g.edgeOrder {
		if e := g.edges[id]; keep(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Counts returns the number of nodes and edges.
func (g *Graph) Counts() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

// Snapshot fills the node and edge lists of meta from the current graph.
func (g *Graph) Snapshot(meta api.WorkflowDefinition) api.WorkflowDefinition {
	meta.Nodes = g.Nodes()
	meta.Edges = g.Edges()
	return meta
}

// Load replaces the graph contents with def. Edges that reference missing
// nodes, self-loops and duplicates are rejected.
func (g *Graph) Load(def api.WorkflowDefinition) error {
	nodes := make(map[string]*api.Node, len(def.Nodes))
	nodeOrder := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		cp := n.Clone()
		nodes[n.ID] = &cp
		nodeOrder = append(nodeOrder, n.ID)
	}

	type endpoints struct{ source, target, sourceHandle, targetHandle string }
	seen := make(map[endpoints]bool, len(def.Edges))
	edges := make(map[string]*api.Edge, len(def.Edges))
	edgeOrder := make([]string, 0, len(def.Edges))
	for _, e := range def.Edges {
		switch {
		case nodes[e.Source] == nil:
			return &api.InvalidConnectionError{Source: e.Source, Target: e.Target, Reason: api.ReasonMissingSource}
		case nodes[e.Target] == nil:
			return &api.InvalidConnectionError{Source: e.Source, Target: e.Target, Reason: api.ReasonMissingTarget}
		case e.Source == e.Target:
			return &api.InvalidConnectionError{Source: e.Source, Target: e.Target, Reason: api.ReasonSelfLoop}
		}
		ep := endpoints{e.Source, e.Target, e.SourceHandle, e.TargetHandle}
		if _, dup := edges[e.ID]; dup || seen[ep] {
			return &api.InvalidConnectionError{Source: e.Source, Target: e.Target, Reason: api.ReasonDuplicate}
		}
		seen[ep] = true
		cp := e.Clone()
		edges[e.ID] = &cp
		edgeOrder = append(edgeOrder, e.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes, g.nodeOrder = nodes, nodeOrder
	g.edges, g.edgeOrder = edges, edgeOrder
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
