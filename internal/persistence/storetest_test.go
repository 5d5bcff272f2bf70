package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/weft/pkg/api"
)

// The helpers below hold the behaviour every backend must share. Each
// backend test file calls the ones matching the interfaces it implements.
// Ids are randomized so container-backed runs can share one database.

func sampleDefinition(owner, name string) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		OwnerID:     owner,
		Name:        name,
		Description: "monthly numbers",
		Nodes: []api.Node{
			{ID: "in", Category: api.CategoryInput, ComponentType: api.TypeDataInput, Config: map[string]any{"columns": []any{}}},
			{ID: "agg", Category: api.CategoryProcessing, ComponentType: api.TypeAggregation, Config: map[string]any{"groupBy": "region"}},
		},
		Edges: []api.Edge{{ID: "e1", Source: "in", Target: "agg"}},
	}
}

func testWorkflowStore(t *testing.T, store WorkflowStore) {
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()

	created, err := store.CreateWorkflow(ctx, sampleDefinition(owner, "Report"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, api.IsTemporaryID(created.ID))

	got, err := store.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Report", got.Name)
	assert.Equal(t, owner, got.OwnerID)
	assert.Equal(t, "monthly numbers", got.Description)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "region", got.Nodes[1].Config["groupBy"])
	require.Len(t, got.Edges, 1)

	exists, err := store.NameExists(ctx, owner, "Report")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.NameExists(ctx, "someone-else-"+uuid.NewString(), "Report")
	require.NoError(t, err)
	assert.False(t, exists, "names are unique per owner only")

	_, err = store.CreateWorkflow(ctx, sampleDefinition(owner, "Report"))
	assert.ErrorIs(t, err, ErrNameTaken)

	got.Description = "quarterly numbers"
	got.Nodes = got.Nodes[:1]
	got.Edges = nil
	require.NoError(t, store.UpdateWorkflow(ctx, got))

	again, err := store.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", again.Description)
	assert.Len(t, again.Nodes, 1)
	assert.Empty(t, again.Edges)

	_, err = store.GetWorkflow(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	missing := sampleDefinition(owner, "Ghost")
	missing.ID = uuid.NewString()
	assert.ErrorIs(t, store.UpdateWorkflow(ctx, missing), ErrWorkflowNotFound)
}

func testUniqueName(t *testing.T, store WorkflowStore) {
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()

	name, err := UniqueName(ctx, store, owner, "Report")
	require.NoError(t, err)
	assert.Equal(t, "Report", name)

	_, err = store.CreateWorkflow(ctx, sampleDefinition(owner, name))
	require.NoError(t, err)

	name, err = UniqueName(ctx, store, owner, "Report")
	require.NoError(t, err)
	assert.Equal(t, "Report1", name)

	_, err = store.CreateWorkflow(ctx, sampleDefinition(owner, name))
	require.NoError(t, err)

	name, err = UniqueName(ctx, store, owner, "Report")
	require.NoError(t, err)
	assert.Equal(t, "Report2", name)

	// Report1 renaming itself to Report keeps its own name.
	name, err = UniqueNameExcept(ctx, store, owner, "Report", "Report1")
	require.NoError(t, err)
	assert.Equal(t, "Report1", name)
}

func testEdgeStore(t *testing.T, store EdgeStore) {
	ctx := context.Background()
	temp := api.NewTemporaryID()
	persistent := uuid.NewString()

	require.NoError(t, store.PutEdge(ctx, EdgeRecord{
		WorkflowID: temp, EdgeID: "e1", SourceNodeID: "a", TargetNodeID: "b", EdgeType: "default",
		Metadata: map[string]any{"schemaWarning": true},
	}))
	require.NoError(t, store.PutEdge(ctx, EdgeRecord{
		WorkflowID: temp, EdgeID: "e2", SourceNodeID: "b", TargetNodeID: "c", EdgeType: "default",
	}))
	// Upsert replaces.
	require.NoError(t, store.PutEdge(ctx, EdgeRecord{
		WorkflowID: temp, EdgeID: "e2", SourceNodeID: "b", TargetNodeID: "d", EdgeType: "default",
	}))

	edges, err := store.ListEdges(ctx, temp)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "e1", edges[0].EdgeID)
	assert.Equal(t, true, edges[0].Metadata["schemaWarning"])
	assert.Equal(t, "d", edges[1].TargetNodeID)

	moved, err := store.RekeyEdges(ctx, temp, persistent)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	edges, err = store.ListEdges(ctx, temp)
	require.NoError(t, err)
	assert.Empty(t, edges)

	edges, err = store.ListEdges(ctx, persistent)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, persistent, edges[0].WorkflowID)

	require.NoError(t, store.DeleteEdge(ctx, persistent, "e1"))
	edges, err = store.ListEdges(ctx, persistent)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func testSchemaStore(t *testing.T, store SchemaStore) {
	ctx := context.Background()
	temp := api.NewTemporaryID()
	persistent := uuid.NewString()
	schema := api.Schema{{Name: "amount", Type: "number"}, {Name: "date", Type: "date", Nullable: true}}

	_, ok, err := store.GetInputSchema(ctx, temp, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutInputSchema(ctx, temp, "n1", schema))
	require.NoError(t, store.PutInputSchema(ctx, temp, "n2", api.Schema{}))

	got, ok, err := store.GetInputSchema(ctx, temp, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema, got)

	moved, err := store.RekeySchemas(ctx, temp, persistent)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	_, ok, err = store.GetInputSchema(ctx, temp, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err = store.GetInputSchema(ctx, persistent, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, schema.Equal(got))

	_, ok, err = store.GetInputSchema(ctx, persistent, "n2")
	require.NoError(t, err)
	assert.True(t, ok, "an empty schema is still a stored schema")

	require.NoError(t, store.DeleteInputSchema(ctx, persistent, "n1"))
	_, ok, err = store.GetInputSchema(ctx, persistent, "n1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testEventStore(t *testing.T, store EventStore) {
	ctx := context.Background()
	runID := "run-" + uuid.NewString()
	at := time.Unix(1_700_000_000, 0)

	for i, st := range []api.RunStatus{api.RunQueued, api.RunRunning, api.RunCompleted} {
		require.NoError(t, store.AppendEvent(ctx, api.StatusEvent{
			RunID: runID, WorkflowID: "wf", Status: st, At: at.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := store.ListEvents(ctx, runID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, api.RunQueued, events[0].Status)
	assert.Equal(t, api.RunCompleted, events[2].Status)
	assert.True(t, events[1].At.Equal(at.Add(time.Second)))

	events, err = store.ListEvents(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}
