package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/weft/internal/scheduler"
	"github.com/petrijr/weft/pkg/api"
)

// DefaultRecheckDelay is how long the propagator waits before the single
// deferred re-check of an edge whose retries were exhausted.
const DefaultRecheckDelay = 30 * time.Second

// GraphView is the part of the workflow graph the propagator reads.
type GraphView interface {
	Node(id string) (api.Node, bool)
	Edge(id string) (api.Edge, bool)
	Outgoing(nodeID string) []api.Edge
	Incoming(nodeID string) []api.Edge
	SetEdgeWarning(edgeID string, missing []string)
}

// Gate serializes schema writes against workflow id migration.
type Gate interface {
	// Resolve maps a migrated temporary id to its persistent id.
	Resolve(id string) string
	// Acquire blocks while id is being migrated and returns the id writes
	// must use. release must be called when the write is done.
	Acquire(ctx context.Context, id string) (resolved string, release func(), err error)
}

type passthroughGate struct{}

func (passthroughGate) Resolve(id string) string { return id }
func (passthroughGate) Acquire(ctx context.Context, id string) (string, func(), error) {
	return id, func() {}, nil
}

// Outcome describes what PropagateEdge did.
type Outcome int

const (
	// Unchanged means the target already had the desired input schema.
	Unchanged Outcome = iota
	// Updated means the target's input schema was written.
	Updated
	// Deferred means every attempt failed and a re-check is scheduled.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Propagator copies source output schemas onto target input schemas and
// cascades changes downstream.
//
// A mismatch between what a target requires and what it receives never
// blocks the write; it only flags the edge and notifies the observer.
type Propagator struct {
	registry     *Registry
	graph        GraphView
	policy       api.RetryPolicy
	recheckDelay time.Duration
	scheduler    *scheduler.Scheduler
	gate         Gate
	observer     api.Observer
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithPolicy sets the retry policy for schema writes.
func WithPolicy(p api.RetryPolicy) Option {
	return func(pr *Propagator) { pr.policy = p }
}

// WithRecheck enables the deferred re-check on s after delay.
func WithRecheck(s *scheduler.Scheduler, delay time.Duration) Option {
	return func(pr *Propagator) {
		pr.scheduler = s
		pr.recheckDelay = delay
	}
}

// WithGate installs the identity gate used around every write.
func WithGate(g Gate) Option {
	return func(pr *Propagator) { pr.gate = g }
}

// WithObserver sets the observer notified of propagation events.
func WithObserver(o api.Observer) Option {
	return func(pr *Propagator) { pr.observer = o }
}

// NewPropagator creates a Propagator over registry and graph.
func NewPropagator(registry *Registry, graph GraphView, opts ...Option) *Propagator {
	p := &Propagator{
		registry:     registry,
		graph:        graph,
		policy:       api.DefaultPropagationPolicy,
		recheckDelay: DefaultRecheckDelay,
		gate:         passthroughGate{},
		observer:     api.NoopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Desired returns the output schema of source: the cached one if present,
// otherwise an inference from its config and current input, which is then
// cached.
func (p *Propagator) Desired(ctx context.Context, workflowID string, source api.Node) api.Schema {
	out, err := p.desired(ctx, p.gate.Resolve(workflowID), source)
	if err != nil {
		return InferOutput(source, nil)
	}
	return out
}

func (p *Propagator) desired(ctx context.Context, workflowID string, source api.Node) (api.Schema, error) {
	if out, ok := p.registry.Output(workflowID, source.ID); ok {
		return out, nil
	}
	in, _, err := p.registry.Input(ctx, workflowID, source.ID)
	if err != nil {
		return nil, err
	}
	out := InferOutput(source, in)
	p.registry.SetOutput(workflowID, source.ID, out)
	return out, nil
}

// Compatibility returns the columns target requires that source does not
// currently provide. The lookup is bounded by the policy's attempt timeout;
// if the source schema cannot be read in time nothing is reported and the
// edge is flagged later by propagation.
func (p *Propagator) Compatibility(ctx context.Context, workflowID string, source, target api.Node) []string {
	if p.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.policy.AttemptTimeout)
		defer cancel()
	}
	resolved, release, err := p.gate.Acquire(ctx, workflowID)
	if err != nil {
		return nil
	}
	defer release()
	out, err := p.desired(ctx, resolved, source)
	if err != nil {
		return nil
	}
	return Missing(target, out)
}

// PropagateEdge sets edge's target input schema to the source's output
// schema and cascades downstream if the target's output changed.
// Re-propagating an already current schema is a no-op.
func (p *Propagator) PropagateEdge(ctx context.Context, workflowID string, edge api.Edge) (Outcome, error) {
	return p.propagate(ctx, workflowID, edge, make(map[string]bool))
}

// NodeChanged recomputes nodeID's output after a config change and, if it
// changed, propagates to every downstream node recursively. Incoming edges
// are re-checked for compatibility since the node's requirements may have
// changed too.
//
// Each hop re-resolves the workflow id, so a migration that lands halfway
// through a cascade moves the remaining hops onto the persistent id.
func (p *Propagator) NodeChanged(ctx context.Context, workflowID, nodeID string) error {
	node, ok := p.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrNodeNotFound, nodeID)
	}

	resolved, release, err := p.gate.Acquire(ctx, workflowID)
	if err != nil {
		return err
	}
	in, _, err := p.registry.Input(ctx, resolved, nodeID)
	release()
	if err != nil {
		return err
	}
	for _, e := range p.graph.Incoming(nodeID) {
		p.flag(ctx, resolved, e, node, in)
	}

	return p.cascade(ctx, resolved, node, make(map[string]bool))
}

func (p *Propagator) propagate(ctx context.Context, workflowID string, edge api.Edge, visited map[string]bool) (Outcome, error) {
	if visited[edge.ID] {
		return Unchanged, nil
	}
	visited[edge.ID] = true

	source, ok := p.graph.Node(edge.Source)
	if !ok {
		return Unchanged, fmt.Errorf("%w: %s", api.ErrNodeNotFound, edge.Source)
	}
	target, ok := p.graph.Node(edge.Target)
	if !ok {
		return Unchanged, fmt.Errorf("%w: %s", api.ErrNodeNotFound, edge.Target)
	}

	h, err := p.applyWithRetry(ctx, workflowID, edge.ID, source, target)
	if err != nil {
		if ctx.Err() != nil {
			return Unchanged, ctx.Err()
		}
		if p.scheduler != nil {
			if serr := p.scheduleRecheck(h.workflowID, edge.ID); serr == nil {
				return Deferred, nil
			}
		}
		perr := &api.SchemaPropagationError{
			WorkflowID: h.workflowID,
			EdgeID:     edge.ID,
			Attempts:   p.policy.Attempts(),
			Err:        err,
		}
		p.observer.OnPropagationFailed(ctx, perr)
		return Unchanged, perr
	}

	if !h.wrote {
		p.flag(ctx, h.workflowID, edge, target, h.desired)
		return Unchanged, nil
	}
	p.observer.OnSchemaPropagated(ctx, h.workflowID, edge, h.desired)
	p.flag(ctx, h.workflowID, edge, target, h.desired)
	return Updated, p.cascade(ctx, h.workflowID, target, visited)
}

// cascade recomputes node's output and, when it changed, propagates every
// outgoing edge.
func (p *Propagator) cascade(ctx context.Context, workflowID string, node api.Node, visited map[string]bool) error {
	resolved, release, err := p.gate.Acquire(ctx, workflowID)
	if err != nil {
		return err
	}
	in, _, err := p.registry.Input(ctx, resolved, node.ID)
	changed := err == nil && p.registry.SetOutput(resolved, node.ID, InferOutput(node, in))
	release()
	if err != nil || !changed {
		return err
	}

	var errs []error
	for _, e := range p.graph.Outgoing(node.ID) {
		if _, err := p.propagate(ctx, resolved, e, visited); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hop is the result of one read-compute-write step on an edge.
type hop struct {
	workflowID string // the id the step ran under
	desired    api.Schema
	wrote      bool
}

func (p *Propagator) applyWithRetry(ctx context.Context, workflowID, edgeID string, source, target api.Node) (hop, error) {
	attempts := p.policy.Attempts()
	h := hop{workflowID: p.gate.Resolve(workflowID)}
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.policy.Delay(attempt-1)); err != nil {
				return h, err
			}
		}

		h, lastErr = p.apply(ctx, workflowID, source, target, false)
		if lastErr == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return h, ctx.Err()
		}
		p.observer.OnPropagationAttemptFailed(ctx, h.workflowID, edgeID, attempt, lastErr)
	}
	return h, lastErr
}

// apply holds the shared lease on workflowID while it reads the source's
// output, compares it with the target's current input and writes it. durable
// makes the comparison read the store instead of the cache.
func (p *Propagator) apply(ctx context.Context, workflowID string, source, target api.Node, durable bool) (hop, error) {
	if p.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.policy.AttemptTimeout)
		defer cancel()
	}

	h := hop{workflowID: p.gate.Resolve(workflowID)}
	resolved, release, err := p.gate.Acquire(ctx, workflowID)
	if err != nil {
		return h, err
	}
	defer release()
	h.workflowID = resolved

	h.desired, err = p.desired(ctx, resolved, source)
	if err != nil {
		return h, err
	}

	var current api.Schema
	var ok bool
	if durable {
		current, ok, err = p.registry.DurableInput(ctx, resolved, target.ID)
	} else {
		current, ok, err = p.registry.Input(ctx, resolved, target.ID)
	}
	if err == nil && ok && current.Equal(h.desired) {
		if durable {
			p.registry.cacheInput(resolved, target.ID, current)
		}
		return h, nil
	}

	if err := p.registry.SetInput(ctx, resolved, target.ID, h.desired); err != nil {
		return h, err
	}
	h.wrote = true
	return h, nil
}

func (p *Propagator) scheduleRecheck(workflowID, edgeID string) error {
	key := scheduler.Key{WorkflowID: workflowID, Name: "recheck:" + edgeID}
	return p.scheduler.Schedule(key, p.recheckDelay, func(ctx context.Context, workflowID string) {
		p.recheck(ctx, workflowID, edgeID)
	})
}

// recheck is the single deferred attempt. It first asks whether the write
// is still needed so a late success of an earlier attempt is not repeated.
func (p *Propagator) recheck(ctx context.Context, workflowID, edgeID string) {
	edge, ok := p.graph.Edge(edgeID)
	if !ok {
		return
	}
	source, ok := p.graph.Node(edge.Source)
	if !ok {
		return
	}
	target, ok := p.graph.Node(edge.Target)
	if !ok {
		return
	}

	attempt := p.policy.Attempts() + 1
	h, err := p.apply(ctx, workflowID, source, target, true)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.observer.OnPropagationAttemptFailed(ctx, h.workflowID, edgeID, attempt, err)
		p.observer.OnPropagationFailed(ctx, &api.SchemaPropagationError{
			WorkflowID: h.workflowID,
			EdgeID:     edgeID,
			Attempts:   attempt,
			Err:        err,
		})
		return
	}

	if h.wrote {
		p.observer.OnSchemaPropagated(ctx, h.workflowID, edge, h.desired)
	}
	p.flag(ctx, h.workflowID, edge, target, h.desired)
	_ = p.cascade(ctx, h.workflowID, target, map[string]bool{edge.ID: true})
}

// flag updates the edge's mismatch marker for what target now receives.
func (p *Propagator) flag(ctx context.Context, workflowID string, edge api.Edge, target api.Node, available api.Schema) {
	missing := Missing(target, available)
	p.graph.SetEdgeWarning(edge.ID, missing)
	if len(missing) > 0 {
		p.observer.OnSchemaWarning(ctx, workflowID, &api.SchemaWarning{
			EdgeID:  edge.ID,
			Source:  edge.Source,
			Target:  edge.Target,
			Missing: missing,
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
