package persistence

// Persistence bundles the store interfaces so a session can depend on a
// single abstraction.
type Persistence struct {
	Workflows WorkflowStore
	Edges     EdgeStore
	Schemas   SchemaStore
	Events    EventStore
}

// NewInMemory returns a Persistence where every store is one shared
// InMemoryStore.
func NewInMemory() Persistence {
	s := NewInMemoryStore()
	return Persistence{Workflows: s, Edges: s, Schemas: s, Events: s}
}
