package weft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/internal/transport/memory"
	"github.com/petrijr/weft/pkg/api"
)

// recordingRunner remembers every workflow id it was asked to run.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) StartRun(ctx context.Context, workflowID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workflowID)
	return "run-1", nil
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type brokenWorkflows struct {
	*persistence.InMemoryStore
}

func (brokenWorkflows) CreateWorkflow(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	return api.WorkflowDefinition{}, errors.New("database is read-only")
}

func newTestSession(t *testing.T, deps Deps, opts Options) *Session {
	t.Helper()
	if deps.Store.Workflows == nil {
		deps.Store = persistence.NewInMemory()
	}
	s, err := NewSession(deps, opts)
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func columns(cols ...api.SchemaColumn) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = map[string]any{"name": c.Name, "type": c.Type}
	}
	return out
}

func TestSession_AmountDateCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, Deps{}, Options{DisableAutosave: true})
	require.NoError(t, s.Init(ctx, nil))

	a, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	_, err = s.UpdateNodeConfig(ctx, a.ID, map[string]any{
		"columns": columns(api.SchemaColumn{Name: "amount", Type: "number"}),
	})
	require.NoError(t, err)
	b, err := s.AddNode(ctx, api.CategoryProcessing, api.TypeSorting, "B")
	require.NoError(t, err)
	waitIdle(t, s)

	_, warning, err := s.Connect(ctx, a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	assert.Nil(t, warning)
	waitIdle(t, s)

	in, ok, err := s.InputSchema(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, api.Schema{{Name: "amount", Type: "number"}}, in)

	_, err = s.UpdateNodeConfig(ctx, a.ID, map[string]any{
		"columns": columns(
			api.SchemaColumn{Name: "amount", Type: "number"},
			api.SchemaColumn{Name: "date", Type: "string"},
		),
	})
	require.NoError(t, err)
	waitIdle(t, s)

	in, ok, err = s.InputSchema(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, in.Equal(api.Schema{{Name: "amount", Type: "number"}, {Name: "date", Type: "string"}}), "got %v", in)
}

func TestSession_ConnectFlagsMismatch(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	s := newTestSession(t, Deps{}, Options{DisableAutosave: true, Observer: metrics})
	require.NoError(t, s.Init(ctx, nil))

	a, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	_, err = s.UpdateNodeConfig(ctx, a.ID, map[string]any{"columns": []any{"amount"}})
	require.NoError(t, err)
	f, err := s.AddNode(ctx, api.CategoryProcessing, api.TypeFiltering, "F")
	require.NoError(t, err)
	_, err = s.UpdateNodeConfig(ctx, f.ID, map[string]any{"column": "region"})
	require.NoError(t, err)
	waitIdle(t, s)

	edge, warning, err := s.Connect(ctx, a.ID, f.ID, api.Handles{})
	require.NoError(t, err, "a mismatch never blocks the edge")
	require.NotNil(t, warning)
	assert.Equal(t, []string{"region"}, warning.Missing)
	waitIdle(t, s)

	got, ok := s.Edge(edge.ID)
	require.True(t, ok)
	assert.Equal(t, true, got.Metadata["schemaWarning"])

	in, ok, err := s.InputSchema(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, api.Schema{{Name: "amount", Type: "string"}}, in, "the schema is written anyway")
	assert.GreaterOrEqual(t, metrics.Snapshot().SchemaWarnings, int64(1))
}

// stalledSchemas never answers a schema read before its context ends.
type stalledSchemas struct {
	*persistence.InMemoryStore
}

func (stalledSchemas) GetInputSchema(ctx context.Context, workflowID, nodeID string) (api.Schema, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestSession_ConnectWithStalledSchemaStore(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewInMemoryStore()
	store := persistence.Persistence{Workflows: mem, Edges: mem, Schemas: stalledSchemas{mem}, Events: mem}
	s := newTestSession(t, Deps{Store: store}, Options{
		DisableAutosave: true,
		Propagation:     Retry(1).NoBackoff().Timeout(50 * time.Millisecond).Policy(),
	})
	require.NoError(t, s.Init(ctx, nil))

	a, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	b, err := s.AddNode(ctx, api.CategoryProcessing, api.TypeSorting, "B")
	require.NoError(t, err)

	start := time.Now()
	_, warning, err := s.Connect(ctx, a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	assert.Nil(t, warning)
	assert.Less(t, time.Since(start), time.Second)

	_, err = s.AddNode(ctx, api.CategoryOutput, api.TypeExport, "C")
	require.NoError(t, err)
}

func TestSession_RejectsInvalidConnections(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, Deps{}, Options{DisableAutosave: true})
	require.NoError(t, s.Init(ctx, nil))

	a, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	b, err := s.AddNode(ctx, api.CategoryOutput, api.TypeExport, "B")
	require.NoError(t, err)

	_, _, err = s.Connect(ctx, a.ID, a.ID, api.Handles{})
	assert.ErrorIs(t, err, api.ErrInvalidConnection)
	_, _, err = s.Connect(ctx, a.ID, "ghost", api.Handles{})
	assert.ErrorIs(t, err, api.ErrInvalidConnection)

	_, _, err = s.Connect(ctx, a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	_, _, err = s.Connect(ctx, a.ID, b.ID, api.Handles{})
	var cerr *api.InvalidConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, api.ReasonDuplicate, cerr.Reason)

	_, err = s.AddNode(ctx, api.CategoryAI, api.TypeExport, "wrong category")
	assert.ErrorIs(t, err, api.ErrUnknownComponent)
}

func TestSession_RemoveNodeLeavesNoDanglingEdges(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	deps := Deps{Store: persistence.Persistence{Workflows: store, Edges: store, Schemas: store, Events: store}}
	s := newTestSession(t, deps, Options{DisableAutosave: true})
	require.NoError(t, s.Init(ctx, nil))

	var ids []string
	for _, typ := range []api.ComponentType{api.TypeDataInput, api.TypeFileUpload} {
		n, err := s.AddNode(ctx, api.CategoryInput, typ, string(typ))
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	mid, err := s.AddNode(ctx, api.CategoryUtility, api.TypeMerge, "merge")
	require.NoError(t, err)
	out, err := s.AddNode(ctx, api.CategoryOutput, api.TypeExport, "export")
	require.NoError(t, err)

	for _, id := range ids {
		_, _, err := s.Connect(ctx, id, mid.ID, api.Handles{})
		require.NoError(t, err)
	}
	_, _, err = s.Connect(ctx, mid.ID, out.ID, api.Handles{})
	require.NoError(t, err)
	waitIdle(t, s)

	removed, err := s.RemoveNode(ctx, mid.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	def := s.Definition()
	assert.Len(t, def.Nodes, 3)
	assert.Empty(t, def.Edges)

	records, err := store.ListEdges(ctx, s.WorkflowID())
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = s.RemoveNode(ctx, mid.ID)
	assert.ErrorIs(t, err, api.ErrNodeNotFound)
}

func TestSession_FirstSaveMigratesState(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	deps := Deps{Store: persistence.Persistence{Workflows: store, Edges: store, Schemas: store, Events: store}}
	metrics := &api.BasicMetrics{}
	s := newTestSession(t, deps, Options{OwnerID: "u1", DisableAutosave: true, Observer: metrics})
	require.NoError(t, s.Init(ctx, &api.WorkflowDefinition{Name: "Report"}))

	tempID := s.WorkflowID()
	require.True(t, api.IsTemporaryID(tempID))
	assert.Equal(t, api.SaveIdle, s.SaveState())

	a, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	_, err = s.UpdateNodeConfig(ctx, a.ID, map[string]any{"columns": []any{"id", "total"}})
	require.NoError(t, err)
	var targets []api.Node
	for i := 0; i < 3; i++ {
		n, err := s.AddNode(ctx, api.CategoryProcessing, api.TypeDeduplicate, "")
		require.NoError(t, err)
		_, _, err = s.Connect(ctx, a.ID, n.ID, api.Handles{})
		require.NoError(t, err)
		targets = append(targets, n)
	}
	waitIdle(t, s)
	require.Equal(t, 3, store.SchemaCount(tempID))

	res, err := s.Save(ctx)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NoError(t, res.Warning)
	assert.Equal(t, "Report", res.Name)
	assert.False(t, api.IsTemporaryID(res.WorkflowID))
	assert.Equal(t, res.WorkflowID, s.WorkflowID())
	assert.Equal(t, api.SaveSaved, s.SaveState())

	assert.Equal(t, 3, store.SchemaCount(res.WorkflowID))
	assert.Equal(t, 0, store.SchemaCount(tempID))
	edges, err := store.ListEdges(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	stored, err := store.GetWorkflow(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 4)
	assert.Len(t, stored.Edges, 3)

	for _, n := range targets {
		in, ok, err := s.InputSchema(ctx, n.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, in, 2)
	}

	again, err := s.Save(ctx)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.WorkflowID, again.WorkflowID)
	assert.Equal(t, int64(1), metrics.Snapshot().Migrations)
	assert.Equal(t, int64(2), metrics.Snapshot().Saves)
}

func TestSession_UniqueNamesPerOwner(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()

	var names []string
	for _, owner := range []string{"u1", "u1", "u2"} {
		s := newTestSession(t, Deps{Store: store}, Options{OwnerID: owner, DisableAutosave: true})
		require.NoError(t, s.Init(ctx, &api.WorkflowDefinition{Name: "Report"}))
		res, err := s.Save(ctx)
		require.NoError(t, err)
		names = append(names, res.Name)
	}
	assert.Equal(t, []string{"Report", "Report1", "Report"}, names)
}

func TestSession_RenameOntoTakenName(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()

	first := newTestSession(t, Deps{Store: store}, Options{OwnerID: "u1", DisableAutosave: true})
	require.NoError(t, first.Init(ctx, &api.WorkflowDefinition{Name: "Report"}))
	_, err := first.Save(ctx)
	require.NoError(t, err)

	second := newTestSession(t, Deps{Store: store}, Options{OwnerID: "u1", DisableAutosave: true})
	require.NoError(t, second.Init(ctx, &api.WorkflowDefinition{Name: "Draft"}))
	_, err = second.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, second.SetName("Report"))
	res, err := second.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Report1", res.Name)
	assert.Equal(t, api.SaveSaved, second.SaveState())
	assert.Equal(t, "Report1", second.Definition().Name)

	stored, err := store.Workflows.GetWorkflow(ctx, second.WorkflowID())
	require.NoError(t, err)
	assert.Equal(t, "Report1", stored.Name)

	// Saving again under the suffixed name is a plain update.
	res, err = second.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Report1", res.Name)
}

func TestSession_SaveFailure(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewInMemoryStore()
	store := persistence.Persistence{Workflows: brokenWorkflows{mem}, Edges: mem, Schemas: mem, Events: mem}
	runner := &recordingRunner{}
	s := newTestSession(t, Deps{Store: store, Runner: runner, Subscriber: memory.NewBroker()}, Options{DisableAutosave: true})
	require.NoError(t, s.Init(ctx, nil))

	_, err := s.Save(ctx)
	require.Error(t, err)
	assert.Equal(t, api.SaveFailed, s.SaveState())
	assert.True(t, api.IsTemporaryID(s.WorkflowID()))

	_, err = s.Run(ctx)
	assert.ErrorIs(t, err, api.ErrExecutionStart)
	assert.Empty(t, runner.Calls(), "an unsaved workflow never reaches the runner")
}

func TestSession_RunSavesFirst(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()
	runner := &recordingRunner{}
	local := NewLocalRunner(store.Workflows, nil)
	s := newTestSession(t, Deps{Store: store, Runner: runner, Subscriber: local}, Options{AutosaveQuiet: time.Hour})
	require.NoError(t, s.Init(ctx, nil))

	_, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)

	run, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.RunQueued, run.Status)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.False(t, api.IsTemporaryID(calls[0]))
	assert.Equal(t, s.WorkflowID(), calls[0])
	assert.Equal(t, []string{"run-1"}, s.Runs())
}

func TestSession_RunWithLocalRunner(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()

	var mu sync.Mutex
	var executed []api.ComponentType
	executor := api.NodeExecutorFunc(func(ctx context.Context, workflowID string, node api.Node, input any) (any, error) {
		mu.Lock()
		executed = append(executed, node.ComponentType)
		mu.Unlock()
		return node.Label, nil
	})

	runner := NewLocalRunner(store.Workflows, executor)
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	s := newTestSession(t, Deps{Store: store, Runner: runner, Subscriber: runner}, Options{DisableAutosave: true})
	require.NoError(t, s.Init(ctx, nil))

	a, err := s.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	b, err := s.AddNode(ctx, api.CategoryOutput, api.TypeExport, "B")
	require.NoError(t, err)
	_, _, err = s.Connect(ctx, a.ID, b.ID, api.Handles{})
	require.NoError(t, err)

	run, err := s.Run(ctx)
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := s.WaitRun(wctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, final.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []api.ComponentType{api.TypeDataInput, api.TypeExport}, executed)
}

func TestSession_AutosaveDebounces(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	s := newTestSession(t, Deps{}, Options{AutosaveQuiet: 30 * time.Millisecond, Observer: metrics})
	require.NoError(t, s.Init(ctx, nil))

	for i := 0; i < 5; i++ {
		_, err := s.AddNode(ctx, api.CategoryUtility, api.TypeNote, "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return s.SaveState() == api.SaveSaved
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int64(1), metrics.Snapshot().Saves, "a burst of edits is one save")
	assert.False(t, api.IsTemporaryID(s.WorkflowID()))
}

func TestSession_Dispose(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	s, err := NewSession(Deps{Store: persistence.NewInMemory()}, Options{AutosaveQuiet: 20 * time.Millisecond, Observer: metrics})
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx, nil))

	_, err = s.AddNode(ctx, api.CategoryUtility, api.TypeNote, "")
	require.NoError(t, err)

	s.Dispose()
	s.Dispose()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, metrics.Snapshot().Saves, "a disposed session never autosaves")

	_, err = s.AddNode(ctx, api.CategoryUtility, api.TypeNote, "")
	assert.ErrorIs(t, err, api.ErrSessionDisposed)
	_, err = s.Save(ctx)
	assert.ErrorIs(t, err, api.ErrSessionDisposed)
	_, err = s.Run(ctx)
	assert.ErrorIs(t, err, api.ErrSessionDisposed)
	assert.ErrorIs(t, s.Init(ctx, nil), api.ErrSessionDisposed)
}

func TestSession_OpenPersisted(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()

	first := newTestSession(t, Deps{Store: store}, Options{DisableAutosave: true})
	require.NoError(t, first.Init(ctx, nil))
	a, err := first.AddNode(ctx, api.CategoryInput, api.TypeDataInput, "A")
	require.NoError(t, err)
	b, err := first.AddNode(ctx, api.CategoryOutput, api.TypeReport, "B")
	require.NoError(t, err)
	_, _, err = first.Connect(ctx, a.ID, b.ID, api.Handles{})
	require.NoError(t, err)
	res, err := first.Save(ctx)
	require.NoError(t, err)
	first.Dispose()

	second := newTestSession(t, Deps{Store: store}, Options{DisableAutosave: true})
	require.NoError(t, second.Open(ctx, res.WorkflowID))
	assert.Equal(t, res.WorkflowID, second.WorkflowID())
	def := second.Definition()
	assert.Len(t, def.Nodes, 2)
	assert.Len(t, def.Edges, 1)

	_, err = second.Save(ctx)
	require.NoError(t, err)

	missing := newTestSession(t, Deps{Store: store}, Options{})
	assert.ErrorIs(t, missing.Open(ctx, "wf-does-not-exist"), api.ErrWorkflowNotFound)
}

func TestSession_RequiresInit(t *testing.T) {
	s := newTestSession(t, Deps{}, Options{})
	_, err := s.AddNode(context.Background(), api.CategoryUtility, api.TypeNote, "")
	assert.Error(t, err)

	_, err = NewSession(Deps{}, Options{})
	assert.Error(t, err)
}
