package graph

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/weft/internal/nodeconfig"
	"github.com/petrijr/weft/pkg/api"
)

func newTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	return New(nodeconfig.New(), opts...)
}

func mustAdd(t *testing.T, g *Graph, cat api.Category, typ api.ComponentType) api.Node {
	t.Helper()
	n, err := g.AddNode(cat, typ, string(typ))
	require.NoError(t, err)
	return n
}

func TestAddNode_PullsDefaults(t *testing.T) {
	g := newTestGraph(t)

	n := mustAdd(t, g, api.CategoryProcessing, api.TypeFiltering)
	assert.Equal(t, "equals", n.Config["operator"])
	assert.Equal(t, api.TypeFiltering, n.ComponentType)
	assert.Equal(t, "filtering", n.Label)

	_, err := g.AddNode(api.CategoryProcessing, "bogus", "x")
	assert.ErrorIs(t, err, api.ErrUnknownComponent)
}

func TestConnect_Structural(t *testing.T) {
	g := newTestGraph(t)
	a := mustAdd(t, g, api.CategoryInput, api.TypeDataInput)
	b := mustAdd(t, g, api.CategoryProcessing, api.TypeFiltering)

	e, warn, err := g.Connect(a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	assert.Nil(t, warn)
	assert.Equal(t, a.ID, e.Source)
	assert.Equal(t, b.ID, e.Target)

	cases := []struct {
		name   string
		source string
		target string
		reason string
	}{
		{"duplicate", a.ID, b.ID, api.ReasonDuplicate},
		{"self-loop", a.ID, a.ID, api.ReasonSelfLoop},
		{"missing source", "ghost", b.ID, api.ReasonMissingSource},
		{"missing target", a.ID, "ghost", api.ReasonMissingTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := g.Connect(tc.source, tc.target, api.Handles{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, api.ErrInvalidConnection))

			var ic *api.InvalidConnectionError
			require.ErrorAs(t, err, &ic)
			assert.Equal(t, tc.reason, ic.Reason)
		})
	}

	_, edges := g.Counts()
	assert.Equal(t, 1, edges, "rejected connections must not create edges")
}

func TestConnect_DifferentHandlesAreNotDuplicates(t *testing.T) {
	g := newTestGraph(t)
	a := mustAdd(t, g, api.CategoryControl, api.TypeCondition)
	b := mustAdd(t, g, api.CategoryUtility, api.TypeMerge)

	_, _, err := g.Connect(a.ID, b.ID, api.Handles{Source: "true"})
	require.NoError(t, err)
	_, _, err = g.Connect(a.ID, b.ID, api.Handles{Source: "false"})
	require.NoError(t, err)
}

func TestConnect_SchemaMismatchIsWarningNotRejection(t *testing.T) {
	g := newTestGraph(t, WithCompatibility(func(source, target api.Node) []string {
		return []string{"amount"}
	}))
	a := mustAdd(t, g, api.CategoryInput, api.TypeDataInput)
	b := mustAdd(t, g, api.CategoryProcessing, api.TypeAggregation)

	e, warn, err := g.Connect(a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	require.NotNil(t, warn)
	assert.Equal(t, e.ID, warn.EdgeID)
	assert.Equal(t, []string{"amount"}, warn.Missing)
	assert.Equal(t, true, e.Metadata[MetaSchemaWarning])

	g.SetEdgeWarning(e.ID, nil)
	got, ok := g.Edge(e.ID)
	require.True(t, ok)
	assert.NotContains(t, got.Metadata, MetaSchemaWarning)
}

func TestRemoveNode_CascadesEdges(t *testing.T) {
	g := newTestGraph(t)
	a := mustAdd(t, g, api.CategoryInput, api.TypeDataInput)
	b := mustAdd(t, g, api.CategoryProcessing, api.TypeFiltering)
	c := mustAdd(t, g, api.CategoryOutput, api.TypeExport)

	_, _, err := g.Connect(a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	_, _, err = g.Connect(b.ID, c.ID, api.Handles{})
	require.NoError(t, err)
	_, _, err = g.Connect(a.ID, c.ID, api.Handles{})
	require.NoError(t, err)

	removed, err := g.RemoveNode(b.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, a.ID, edges[0].Source)
	assert.Equal(t, c.ID, edges[0].Target)

	_, err = g.RemoveNode(b.ID)
	assert.ErrorIs(t, err, api.ErrNodeNotFound)
}

// Random add/remove/connect sequences must never leave an edge whose
// endpoint is missing.
func TestRandomMutations_NoDanglingEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	g := newTestGraph(t)
	types := []struct {
		cat api.Category
		typ api.ComponentType
	}{
		{api.CategoryInput, api.TypeDataInput},
		{api.CategoryProcessing, api.TypeSorting},
		{api.CategoryAI, api.TypeSummarize},
		{api.CategoryOutput, api.TypeReport},
	}

	for step := 0; step < 500; step++ {
		nodes := g.Nodes()
		switch op := rng.Intn(10); {
		case op < 4 || len(nodes) < 2:
			pick := types[rng.Intn(len(types))]
			_, err := g.AddNode(pick.cat, pick.typ, "")
			require.NoError(t, err)
		case op < 8:
			a := nodes[rng.Intn(len(nodes))]
			b := nodes[rng.Intn(len(nodes))]
			_, _, _ = g.Connect(a.ID, b.ID, api.Handles{})
		default:
			victim := nodes[rng.Intn(len(nodes))]
			_, err := g.RemoveNode(victim.ID)
			require.NoError(t, err)
		}

		present := map[string]bool{}
		for _, n := range g.Nodes() {
			present[n.ID] = true
		}
		for _, e := range g.Edges() {
			require.True(t, present[e.Source], "dangling source at step %d", step)
			require.True(t, present[e.Target], "dangling target at step %d", step)
		}
	}
}

func TestUpdateNodeConfig_MergesOnlyConfig(t *testing.T) {
	g := newTestGraph(t)
	n := mustAdd(t, g, api.CategoryProcessing, api.TypeFiltering)

	updated, err := g.UpdateNodeConfig(n.ID, map[string]any{"column": "amount", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, "amount", updated.Config["column"])
	assert.Equal(t, "equals", updated.Config["operator"], "untouched keys survive")
	assert.Equal(t, 1, updated.Config["extra"])
	assert.Equal(t, n.Label, updated.Label)
	assert.Equal(t, n.ComponentType, updated.ComponentType)

	_, err = g.UpdateNodeConfig("ghost", nil)
	assert.ErrorIs(t, err, api.ErrNodeNotFound)
}

func TestConnect_CompatibilityRunsUnlocked(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	g := newTestGraph(t, WithCompatibility(func(source, target api.Node) []string {
		close(entered)
		<-release
		return nil
	}))
	a := mustAdd(t, g, api.CategoryInput, api.TypeDataInput)
	b := mustAdd(t, g, api.CategoryProcessing, api.TypeSorting)

	done := make(chan error, 1)
	go func() {
		_, _, err := g.Connect(a.ID, b.ID, api.Handles{})
		done <- err
	}()
	<-entered

	// Edits go through while the check is pending; removing the target
	// invalidates the edge being created.
	mustAdd(t, g, api.CategoryOutput, api.TypeExport)
	_, err := g.RemoveNode(b.ID)
	require.NoError(t, err)
	close(release)

	var cerr *api.InvalidConnectionError
	require.ErrorAs(t, <-done, &cerr)
	assert.Equal(t, api.ReasonMissingTarget, cerr.Reason)
	assert.Empty(t, g.Edges())
}

func TestLoadAndSnapshot(t *testing.T) {
	def := api.WorkflowDefinition{
		ID:   "wf-1",
		Name: "demo",
		Nodes: []api.Node{
			{ID: "a", Category: api.CategoryInput, ComponentType: api.TypeDataInput},
			{ID: "b", Category: api.CategoryOutput, ComponentType: api.TypeExport},
		},
		Edges: []api.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}

	g := newTestGraph(t)
	require.NoError(t, g.Load(def))

	snap := g.Snapshot(api.WorkflowDefinition{ID: "wf-1", Name: "demo"})
	assert.Equal(t, def.Nodes, snap.Nodes)
	assert.Equal(t, def.Edges, snap.Edges)

	bad := def.Clone()
	bad.Edges = append(bad.Edges, api.Edge{ID: "e2", Source: "a", Target: "zzz"})
	assert.ErrorIs(t, g.Load(bad), api.ErrInvalidConnection)

	// Same endpoints under another id are a duplicate, as Connect sees it.
	dup := def.Clone()
	dup.Edges = append(dup.Edges, api.Edge{ID: "e2", Source: "a", Target: "b"})
	var cerr *api.InvalidConnectionError
	require.ErrorAs(t, g.Load(dup), &cerr)
	assert.Equal(t, api.ReasonDuplicate, cerr.Reason)

	// Different handles make a distinct edge.
	handled := def.Clone()
	handled.Edges = append(handled.Edges, api.Edge{ID: "e2", Source: "a", Target: "b", TargetHandle: "right"})
	require.NoError(t, g.Load(handled))
	assert.Len(t, g.Edges(), 2)
}

func TestTopologicalOrder(t *testing.T) {
	def := api.WorkflowDefinition{
		Nodes: []api.Node{{ID: "c"}, {ID: "a"}, {ID: "b"}},
		Edges: []api.Edge{
			{ID: "1", Source: "a", Target: "b"},
			{ID: "2", Source: "b", Target: "c"},
		},
	}

	order, err := TopologicalOrder(def)
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	def.Edges = append(def.Edges, api.Edge{ID: "3", Source: "c", Target: "a"})
	_, err = TopologicalOrder(def)
	assert.ErrorIs(t, err, api.ErrCycle)
}
