// Package schema tracks the input and output data shape of every node and
// keeps them consistent across edges.
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/pkg/api"
)

type key struct {
	workflowID string
	nodeID     string
}

type entry struct {
	input     api.Schema
	hasInput  bool
	output    api.Schema
	hasOutput bool
}

// Registry caches each node's schemas. Input schemas are written through to
// a durable SchemaStore; output schemas are derived and live in the cache
// only.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
	store   persistence.SchemaStore
}

// NewRegistry creates a Registry. A nil store keeps everything in memory.
func NewRegistry(store persistence.SchemaStore) *Registry {
	return &Registry{
		entries: make(map[key]*entry),
		store:   store,
	}
}

func (r *Registry) get(k key) *entry {
	e, ok := r.entries[k]
	if !ok {
		e = &entry{}
		r.entries[k] = e
	}
	return e
}

// Input returns the cached input schema, falling back to the durable store.
func (r *Registry) Input(ctx context.Context, workflowID, nodeID string) (api.Schema, bool, error) {
	r.mu.RLock()
	e, ok := r.entries[key{workflowID, nodeID}]
	if ok && e.hasInput {
		s := e.input.Clone()
		r.mu.RUnlock()
		return s, true, nil
	}
	r.mu.RUnlock()

	s, ok, err := r.DurableInput(ctx, workflowID, nodeID)
	if err != nil || !ok {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e = r.get(key{workflowID, nodeID})
	if !e.hasInput {
		e.input, e.hasInput = s.Clone(), true
	}
	return s, true, nil
}

// DurableInput reads the input schema from the store, bypassing the cache.
func (r *Registry) DurableInput(ctx context.Context, workflowID, nodeID string) (api.Schema, bool, error) {
	if r.store == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		e, ok := r.entries[key{workflowID, nodeID}]
		if !ok || !e.hasInput {
			return nil, false, nil
		}
		return e.input.Clone(), true, nil
	}
	return r.store.GetInputSchema(ctx, workflowID, nodeID)
}

// SetInput writes the node's input schema durably, then caches it. The
// cache is untouched when the durable write fails.
func (r *Registry) SetInput(ctx context.Context, workflowID, nodeID string, s api.Schema) error {
	if r.store != nil {
		if err := r.store.PutInputSchema(ctx, workflowID, nodeID, s); err != nil {
			return fmt.Errorf("store input schema %s/%s: %w", workflowID, nodeID, err)
		}
	}
	r.cacheInput(workflowID, nodeID, s)
	return nil
}

func (r *Registry) cacheInput(workflowID, nodeID string, s api.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(key{workflowID, nodeID})
	e.input, e.hasInput = s.Clone(), true
}

// Output returns the cached output schema.
func (r *Registry) Output(workflowID, nodeID string) (api.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key{workflowID, nodeID}]
	if !ok || !e.hasOutput {
		return nil, false
	}
	return e.output.Clone(), true
}

// SetOutput replaces the node's output schema wholesale and reports whether
// it differs from the previous one.
func (r *Registry) SetOutput(workflowID, nodeID string, s api.Schema) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(key{workflowID, nodeID})
	changed := !e.hasOutput || !e.output.Equal(s)
	e.output, e.hasOutput = s.Clone(), true
	return changed
}

// DeleteNode drops the cached and durable schemas of a removed node.
func (r *Registry) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	r.mu.Lock()
	delete(r.entries, key{workflowID, nodeID})
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.DeleteInputSchema(ctx, workflowID, nodeID)
}

// Len returns the number of cached entries for workflowID.
func (r *Registry) Len(workflowID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for k := range r.entries {
		if k.workflowID == workflowID {
			n++
		}
	}
	return n
}

// Name identifies the registry as a migration participant.
func (r *Registry) Name() string { return "schema-cache" }

// Rekey moves durable rows first and then cache entries from one workflow
// id to another. It returns the number of cache entries moved. If the
// durable move fails the cache is left alone so both stay aligned.
func (r *Registry) Rekey(ctx context.Context, from, to string) (int, error) {
	if r.store != nil {
		if _, err := r.store.RekeySchemas(ctx, from, to); err != nil {
			return 0, fmt.Errorf("rekey durable schemas: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	moved := 0
	for k, e := range r.entries {
		if k.workflowID != from {
			continue
		}
		delete(r.entries, k)
		r.entries[key{workflowID: to, nodeID: k.nodeID}] = e
		moved++
	}
	return moved, nil
}
