package weft

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/pkg/api"
)

func saveTwoNodeWorkflow(t *testing.T, store persistence.WorkflowStore) api.WorkflowDefinition {
	t.Helper()
	def, err := store.CreateWorkflow(context.Background(), api.WorkflowDefinition{
		OwnerID: "u1",
		Name:    "pipeline",
		Nodes: []api.Node{
			{ID: "in", Category: api.CategoryInput, ComponentType: api.TypeDataInput},
			{ID: "out", Category: api.CategoryOutput, ComponentType: api.TypeExport},
		},
		Edges: []api.Edge{{ID: "e1", Source: "in", Target: "out"}},
	})
	require.NoError(t, err)
	return def
}

// collect reads events until a terminal status arrives.
func collect(t *testing.T, stream api.StatusStream) []api.RunStatus {
	t.Helper()
	var seen []api.RunStatus
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			require.True(t, ok, "stream closed before the run settled")
			seen = append(seen, ev.Status)
			if ev.Status.IsTerminal() {
				return seen
			}
		case <-timeout:
			t.Fatalf("run did not settle, saw %v", seen)
			return nil
		}
	}
}

func TestLocalRunner_ExecutesQueuedRun(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	def := saveTwoNodeWorkflow(t, store)

	var calls atomic.Int32
	runner := NewLocalRunner(store, api.NodeExecutorFunc(func(ctx context.Context, workflowID string, node api.Node, input any) (any, error) {
		calls.Add(1)
		if node.ID == "out" {
			assert.Equal(t, "rows", input)
		}
		return "rows", nil
	}))

	runID, err := runner.StartRun(ctx, def.ID)
	require.NoError(t, err)
	assert.Contains(t, runID, "run-")

	stream, err := runner.Subscribe(ctx, runID, def.ID)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()

	assert.Equal(t, []api.RunStatus{api.RunQueued, api.RunRunning, api.RunCompleted}, collect(t, stream))
	assert.Equal(t, int32(2), calls.Load())
}

func TestLocalRunner_NodeFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	def := saveTwoNodeWorkflow(t, store)

	runner := NewLocalRunner(store, api.NodeExecutorFunc(func(ctx context.Context, workflowID string, node api.Node, input any) (any, error) {
		if node.ID == "out" {
			return nil, errors.New("disk full")
		}
		return nil, nil
	}))
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	runID, err := runner.StartRun(ctx, def.ID)
	require.NoError(t, err)
	stream, err := runner.Subscribe(ctx, runID, def.ID)
	require.NoError(t, err)
	defer stream.Close()

	seen := collect(t, stream)
	assert.Equal(t, api.RunFailed, seen[len(seen)-1])
}

func TestLocalRunner_MissingWorkflowFailsRun(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner(persistence.NewInMemoryStore(), api.NodeExecutorFunc(func(ctx context.Context, workflowID string, node api.Node, input any) (any, error) {
		t.Error("no node should run")
		return nil, nil
	}))
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	runID, err := runner.StartRun(ctx, "wf-gone")
	require.NoError(t, err)
	stream, err := runner.Subscribe(ctx, runID, "wf-gone")
	require.NoError(t, err)
	defer stream.Close()

	seen := collect(t, stream)
	assert.Equal(t, api.RunFailed, seen[len(seen)-1])
}

func TestLocalRunner_StartStop(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner(persistence.NewInMemoryStore(), nil)

	require.NoError(t, runner.StartWorkers(ctx, 0))
	assert.Error(t, runner.StartWorkers(ctx, 1), "second start without Stop")

	runner.Stop()
	runner.Stop()

	require.NoError(t, runner.StartWorkers(ctx, 1))
	runner.Stop()
}
