package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/weft/pkg/api"
)

type schemaKey struct {
	workflowID string
	nodeID     string
}

// InMemoryStore is a goroutine-safe implementation of every store interface
// backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]api.WorkflowDefinition
	edges     map[string]map[string]EdgeRecord
	schemas   map[schemaKey]api.Schema
	events    map[string][]api.StatusEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]api.WorkflowDefinition),
		edges:     make(map[string]map[string]EdgeRecord),
		schemas:   make(map[schemaKey]api.Schema),
		events:    make(map[string][]api.StatusEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ WorkflowStore = (*InMemoryStore)(nil)
	_ EdgeStore     = (*InMemoryStore)(nil)
	_ SchemaStore   = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) CreateWorkflow(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		if w.OwnerID == def.OwnerID && w.Name == def.Name {
			return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", ErrNameTaken, def.Name)
		}
	}
	stored := def.Clone()
	stored.ID = uuid.NewString()
	s.workflows[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *InMemoryStore) UpdateWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[def.ID]; !ok {
		return ErrWorkflowNotFound
	}
	for id, w := range s.workflows {
		if id != def.ID && w.OwnerID == def.OwnerID && w.Name == def.Name {
			return fmt.Errorf("%w: %q", ErrNameTaken, def.Name)
		}
	}
	s.workflows[def.ID] = def.Clone()
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.workflows[id]
	if !ok {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}
	return def.Clone(), nil
}

func (s *InMemoryStore) NameExists(ctx context.Context, ownerID, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.workflows {
		if w.OwnerID == ownerID && w.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) PutEdge(ctx context.Context, rec EdgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.edges[rec.WorkflowID]
	if !ok {
		byID = make(map[string]EdgeRecord)
		s.edges[rec.WorkflowID] = byID
	}
	rec.Metadata = api.CloneConfig(rec.Metadata)
	byID[rec.EdgeID] = rec
	return nil
}

func (s *InMemoryStore) DeleteEdge(ctx context.Context, workflowID, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges[workflowID], edgeID)
	return nil
}

func (s *InMemoryStore) ListEdges(ctx context.Context, workflowID string) ([]EdgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.edges[workflowID]
	out := make([]EdgeRecord, 0, len(byID))
	for _, rec := range byID {
		rec.Metadata = api.CloneConfig(rec.Metadata)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out, nil
}

func (s *InMemoryStore) RekeyEdges(ctx context.Context, from, to string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.edges[from]
	if !ok {
		return 0, nil
	}
	dst, ok := s.edges[to]
	if !ok {
		dst = make(map[string]EdgeRecord, len(byID))
		s.edges[to] = dst
	}
	for id, rec := range byID {
		rec.WorkflowID = to
		dst[id] = rec
	}
	delete(s.edges, from)
	return len(byID), nil
}

func (s *InMemoryStore) RekeySchemas(ctx context.Context, from, to string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for k, sc := range s.schemas {
		if k.workflowID != from {
			continue
		}
		delete(s.schemas, k)
		s.schemas[schemaKey{workflowID: to, nodeID: k.nodeID}] = sc
		moved++
	}
	return moved, nil
}

func (s *InMemoryStore) PutInputSchema(ctx context.Context, workflowID, nodeID string, sc api.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schemas[schemaKey{workflowID, nodeID}] = sc.Clone()
	return nil
}

func (s *InMemoryStore) GetInputSchema(ctx context.Context, workflowID, nodeID string) (api.Schema, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schemas[schemaKey{workflowID, nodeID}]
	return sc.Clone(), ok, nil
}

func (s *InMemoryStore) DeleteInputSchema(ctx context.Context, workflowID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schemas, schemaKey{workflowID, nodeID})
	return nil
}

// SchemaCount returns how many schema rows exist for workflowID.
func (s *InMemoryStore) SchemaCount(workflowID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for k := range s.schemas {
		if k.workflowID == workflowID {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, runID string) ([]api.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]api.StatusEvent(nil), s.events[runID]...), nil
}
