package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/weft/internal/config"
	"github.com/petrijr/weft/internal/execution"
	"github.com/petrijr/weft/internal/graph"
	"github.com/petrijr/weft/internal/identity"
	"github.com/petrijr/weft/internal/nodeconfig"
	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/internal/scheduler"
	"github.com/petrijr/weft/internal/schema"
	"github.com/petrijr/weft/pkg/api"
)

const autosaveTask = "autosave"

// DefaultAutosaveQuiet is the debounce window for autosave.
const DefaultAutosaveQuiet = 2 * time.Second

var errNotInitialized = errors.New("session not initialized")

// Deps are the collaborators a Session talks to. Store is required; Runner
// and Subscriber are only needed by Run.
type Deps struct {
	Store      persistence.Persistence
	Runner     api.Runner
	Subscriber api.Subscriber

	// Catalog defaults to the embedded node catalog.
	Catalog *nodeconfig.Store
}

// Options tune a Session. Zero values take the defaults of DefaultOptions.
type Options struct {
	// OwnerID scopes workflow name uniqueness.
	OwnerID string

	Propagation   api.RetryPolicy
	RecheckDelay  time.Duration
	AutosaveQuiet time.Duration
	StatusCutoff  time.Duration

	// DisableAutosave turns off the debounced save; Save and Run still work.
	DisableAutosave bool

	Observer api.Observer
	Logger   *slog.Logger
}

// DefaultOptions returns the settings used for zero Options fields.
func DefaultOptions() Options {
	return Options{
		Propagation:   api.DefaultPropagationPolicy,
		RecheckDelay:  schema.DefaultRecheckDelay,
		AutosaveQuiet: DefaultAutosaveQuiet,
		StatusCutoff:  execution.DefaultStatusCutoff,
	}
}

// OptionsFromConfig maps loaded configuration onto session options.
func OptionsFromConfig(cfg config.Config) Options {
	o := DefaultOptions()
	o.Propagation = propagationRetry(cfg.Propagation).Policy()
	o.RecheckDelay = cfg.Propagation.RecheckDelay
	o.AutosaveQuiet = cfg.AutosaveQuiet
	o.StatusCutoff = cfg.StatusCutoff
	return o
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Propagation.MaxAttempts <= 0 {
		o.Propagation = def.Propagation
	}
	if o.RecheckDelay <= 0 {
		o.RecheckDelay = def.RecheckDelay
	}
	if o.AutosaveQuiet <= 0 {
		o.AutosaveQuiet = def.AutosaveQuiet
	}
	if o.StatusCutoff <= 0 {
		o.StatusCutoff = def.StatusCutoff
	}
	if o.Observer == nil {
		o.Observer = api.NoopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SaveResult describes a completed save.
type SaveResult struct {
	WorkflowID string
	Name       string
	// Created is true for the save that gave the workflow its persistent id.
	Created bool
	// Migration is set when Created is true.
	Migration *identity.MigrationReport
	// Warning carries a partial *api.MigrationError. The save itself
	// succeeded.
	Warning error
}

// Session owns one open workflow: its graph, schema cache, timers,
// propagation goroutines, save state and run tracking. Every method is safe
// for concurrent use. A Session must be initialized with Init (or Open) and
// released with Dispose.
type Session struct {
	deps Deps
	opts Options

	graph    *graph.Graph
	registry *schema.Registry
	prop     *schema.Propagator
	sched    *scheduler.Scheduler
	ids      *identity.Manager
	coord    *execution.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	meta        api.WorkflowDefinition // Nodes and Edges unused; the graph owns them
	state       api.SaveState
	initialized bool
	disposed    bool
	pending     int
	idle        chan struct{}
	runs        []string

	saveMu sync.Mutex
}

// NewSession wires a Session. It does not touch storage; call Init next.
func NewSession(deps Deps, opts Options) (*Session, error) {
	if deps.Store.Workflows == nil || deps.Store.Edges == nil || deps.Store.Schemas == nil {
		return nil, errors.New("weft: session needs workflow, edge and schema stores")
	}
	if deps.Store.Events == nil {
		deps.Store.Events = persistence.NoopEventStore{}
	}
	if deps.Catalog == nil {
		deps.Catalog = nodeconfig.New()
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:   deps,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  api.SaveIdle,
		idle:   make(chan struct{}),
	}
	close(s.idle)

	s.sched = scheduler.New(ctx)
	s.registry = schema.NewRegistry(deps.Store.Schemas)
	s.ids = identity.NewManager(identity.WithObserver(opts.Observer))
	s.graph = graph.New(deps.Catalog, graph.WithCompatibility(func(source, target api.Node) []string {
		return s.prop.Compatibility(s.ctx, s.resolvedID(), source, target)
	}))
	s.prop = schema.NewPropagator(s.registry, s.graph,
		schema.WithPolicy(opts.Propagation),
		schema.WithRecheck(s.sched, opts.RecheckDelay),
		schema.WithGate(s.ids),
		schema.WithObserver(opts.Observer),
	)

	s.ids.Register(s.registry)
	s.ids.Register(identity.ParticipantFunc("edge-records", deps.Store.Edges.RekeyEdges))
	s.ids.Register(s.sched)

	if deps.Runner != nil && deps.Subscriber != nil {
		s.coord = execution.New(deps.Runner, deps.Subscriber,
			execution.WithStatusCutoff(opts.StatusCutoff),
			execution.WithEventStore(deps.Store.Events),
			execution.WithObserver(opts.Observer),
			execution.WithLogger(opts.Logger),
		)
	}
	return s, nil
}

// Init opens def. A nil def, or one without a persistent id, starts a new
// temporary workflow; its nodes and edges are kept.
func (s *Session) Init(ctx context.Context, def *api.WorkflowDefinition) error {
	var d api.WorkflowDefinition
	if def != nil {
		d = def.Clone()
	}
	if d.ID == "" || api.IsTemporaryID(d.ID) {
		d.ID = s.ids.Allocate().TempID
	}
	if d.OwnerID == "" {
		d.OwnerID = s.opts.OwnerID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return api.ErrSessionDisposed
	}
	if s.initialized {
		return errors.New("weft: session already initialized")
	}
	if err := s.graph.Load(d); err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	s.meta = api.WorkflowDefinition{ID: d.ID, OwnerID: d.OwnerID, Name: d.Name, Description: d.Description}
	s.initialized = true
	return nil
}

// Open loads a persisted workflow and initializes the session with it.
func (s *Session) Open(ctx context.Context, workflowID string) error {
	def, err := s.deps.Store.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	def.ID = workflowID
	return s.Init(ctx, &def)
}

// Dispose cancels timers, background propagation and status tracking, and
// waits for them to stop. Runs already dispatched keep running remotely.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	id := s.meta.ID
	s.mu.Unlock()

	s.cancel()
	s.sched.Close()
	if s.coord != nil {
		s.coord.Close()
	}
	_ = s.WaitIdle(context.Background())
	if api.IsTemporaryID(id) {
		s.ids.Forget(id)
	}
}

// WorkflowID returns the current id: temporary until the first save.
func (s *Session) WorkflowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.ID
}

// resolvedID is the id writes should use right now.
func (s *Session) resolvedID() string {
	return s.ids.Resolve(s.WorkflowID())
}

// SaveState returns the current save state.
func (s *Session) SaveState() api.SaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Definition returns a snapshot of the workflow as it would be saved.
func (s *Session) Definition() api.WorkflowDefinition {
	s.mu.Lock()
	meta := s.meta
	s.mu.Unlock()
	return s.graph.Snapshot(meta)
}

// SetName renames the workflow. A saved workflow keeps its stored name
// until the next save.
func (s *Session) SetName(name string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.mu.Lock()
	s.meta.Name = name
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// InputSchema returns the cached or durable input schema of nodeID.
func (s *Session) InputSchema(ctx context.Context, nodeID string) (api.Schema, bool, error) {
	return s.registry.Input(ctx, s.resolvedID(), nodeID)
}

// OutputSchema returns the output schema the propagator currently derives
// for nodeID.
func (s *Session) OutputSchema(ctx context.Context, nodeID string) (api.Schema, error) {
	n, ok := s.graph.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNodeNotFound, nodeID)
	}
	return s.prop.Desired(ctx, s.resolvedID(), n), nil
}

func (s *Session) Node(id string) (api.Node, bool) { return s.graph.Node(id) }
func (s *Session) Edge(id string) (api.Edge, bool) { return s.graph.Edge(id) }

// AddNode adds a node with the catalog defaults for (category, componentType).
func (s *Session) AddNode(ctx context.Context, category api.Category, componentType api.ComponentType, label string) (api.Node, error) {
	if err := s.alive(); err != nil {
		return api.Node{}, err
	}
	n, err := s.graph.AddNode(category, componentType, label)
	if err != nil {
		return api.Node{}, err
	}
	s.markDirty()
	return n, nil
}

// RemoveNode removes a node together with every incident edge and returns
// the removed edges.
func (s *Session) RemoveNode(ctx context.Context, id string) ([]api.Edge, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	removed, err := s.graph.RemoveNode(id)
	if err != nil {
		return nil, err
	}

	s.withWorkflow(ctx, "remove_node", func(wfID string) error {
		var errs []error
		for _, e := range removed {
			errs = append(errs, s.deps.Store.Edges.DeleteEdge(ctx, wfID, e.ID))
		}
		errs = append(errs, s.registry.DeleteNode(ctx, wfID, id))
		return errors.Join(errs...)
	})
	s.markDirty()
	return removed, nil
}

// Connect creates an edge and propagates the source's output schema to the
// target in the background. A schema mismatch does not block the edge; it
// is returned as a warning and recorded in the edge metadata.
func (s *Session) Connect(ctx context.Context, source, target string, handles api.Handles) (api.Edge, *api.SchemaWarning, error) {
	if err := s.alive(); err != nil {
		return api.Edge{}, nil, err
	}
	edge, warning, err := s.graph.Connect(source, target, handles)
	if err != nil {
		return api.Edge{}, nil, err
	}

	s.withWorkflow(ctx, "connect", func(wfID string) error {
		return s.deps.Store.Edges.PutEdge(ctx, edgeRecord(wfID, edge))
	})
	s.background(func(ctx context.Context) error {
		_, err := s.prop.PropagateEdge(ctx, s.WorkflowID(), edge)
		return err
	})
	s.markDirty()
	return edge, warning, nil
}

// Disconnect removes an edge. The target keeps its last input schema.
func (s *Session) Disconnect(ctx context.Context, edgeID string) (api.Edge, error) {
	if err := s.alive(); err != nil {
		return api.Edge{}, err
	}
	edge, err := s.graph.Disconnect(edgeID)
	if err != nil {
		return api.Edge{}, err
	}

	s.withWorkflow(ctx, "disconnect", func(wfID string) error {
		return s.deps.Store.Edges.DeleteEdge(ctx, wfID, edgeID)
	})
	s.markDirty()
	return edge, nil
}

// UpdateNodeConfig merges patch into the node's config and cascades the
// resulting output schema change downstream in the background.
func (s *Session) UpdateNodeConfig(ctx context.Context, id string, patch map[string]any) (api.Node, error) {
	if err := s.alive(); err != nil {
		return api.Node{}, err
	}
	n, err := s.graph.UpdateNodeConfig(id, patch)
	if err != nil {
		return api.Node{}, err
	}

	s.background(func(ctx context.Context) error {
		return s.prop.NodeChanged(ctx, s.WorkflowID(), id)
	})
	s.markDirty()
	return n, nil
}

// Save writes the workflow. The first save of a temporary workflow picks a
// unique name for the owner, creates the record and migrates every piece of
// temp-keyed state to the new id.
func (s *Session) Save(ctx context.Context) (SaveResult, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.alive(); err != nil {
		return SaveResult{}, err
	}
	def := s.Definition()
	s.setState(ctx, def.ID, api.SaveSaving, nil)

	res, err := s.save(ctx, def)
	if err != nil {
		s.setState(ctx, def.ID, api.SaveFailed, err)
		return SaveResult{}, err
	}
	s.setState(ctx, res.WorkflowID, api.SaveSaved, nil)
	return res, nil
}

func (s *Session) save(ctx context.Context, def api.WorkflowDefinition) (SaveResult, error) {
	if !api.IsTemporaryID(def.ID) {
		return s.update(ctx, def)
	}

	tempID := def.ID
	created, err := s.create(ctx, def)
	if err != nil {
		return SaveResult{}, err
	}

	report, merr := s.ids.Migrate(ctx, tempID, created.ID)
	if merr != nil {
		s.opts.Logger.WarnContext(ctx, "workflow_migration_partial",
			slog.String("temp_id", tempID),
			slog.String("workflow_id", created.ID),
			slog.Any("error", merr),
		)
	}

	s.mu.Lock()
	s.meta.ID = created.ID
	s.meta.Name = created.Name
	s.mu.Unlock()

	return SaveResult{
		WorkflowID: created.ID,
		Name:       created.Name,
		Created:    true,
		Migration:  &report,
		Warning:    merr,
	}, nil
}

// update writes a persisted workflow. A rename onto a name the owner already
// uses gets the next free suffix, as a first save would.
func (s *Session) update(ctx context.Context, def api.WorkflowDefinition) (SaveResult, error) {
	store := s.deps.Store.Workflows
	err := store.UpdateWorkflow(ctx, def)
	if errors.Is(err, api.ErrNameTaken) {
		stored, gerr := store.GetWorkflow(ctx, def.ID)
		if gerr != nil {
			return SaveResult{}, fmt.Errorf("update workflow %s: %w", def.ID, gerr)
		}
		name, nerr := persistence.UniqueNameExcept(ctx, store, def.OwnerID, def.Name, stored.Name)
		if nerr != nil {
			return SaveResult{}, fmt.Errorf("update workflow %s: %w", def.ID, nerr)
		}
		def.Name = name
		err = store.UpdateWorkflow(ctx, def)
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("update workflow %s: %w", def.ID, err)
	}

	s.mu.Lock()
	s.meta.Name = def.Name
	s.mu.Unlock()
	return SaveResult{WorkflowID: def.ID, Name: def.Name}, nil
}

// create inserts the record under a free name. A concurrent writer may take
// the probed name first, so the probe is repeated once on conflict.
func (s *Session) create(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	store := s.deps.Store.Workflows
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		name, err := persistence.UniqueName(ctx, store, def.OwnerID, def.Name)
		if err != nil {
			return api.WorkflowDefinition{}, err
		}
		def.Name = name
		created, err := store.CreateWorkflow(ctx, def)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, api.ErrNameTaken) {
			return api.WorkflowDefinition{}, fmt.Errorf("create workflow: %w", err)
		}
		lastErr = err
	}
	return api.WorkflowDefinition{}, lastErr
}

// Run cancels a pending autosave, saves, and starts a run of the saved
// workflow. The run is tracked until it settles or the session is disposed.
func (s *Session) Run(ctx context.Context) (api.ExecutionRun, error) {
	if err := s.alive(); err != nil {
		return api.ExecutionRun{}, err
	}
	if s.coord == nil {
		return api.ExecutionRun{}, &api.ExecutionStartError{WorkflowID: s.WorkflowID(), Reason: "no runner configured"}
	}

	s.sched.Cancel(scheduler.Key{WorkflowID: s.resolvedID(), Name: autosaveTask})
	res, err := s.Save(ctx)
	if err != nil {
		return api.ExecutionRun{}, &api.ExecutionStartError{WorkflowID: s.WorkflowID(), Reason: "save failed", Err: err}
	}

	run, err := s.coord.StartRun(ctx, res.WorkflowID)
	if err != nil {
		return api.ExecutionRun{}, err
	}
	s.mu.Lock()
	s.runs = append(s.runs, run.ID)
	s.mu.Unlock()
	return run, nil
}

// RunStatus returns the latest known state of a run started by this session.
func (s *Session) RunStatus(runID string) (api.ExecutionRun, error) {
	if s.coord == nil {
		return api.ExecutionRun{}, api.ErrRunNotFound
	}
	return s.coord.Run(runID)
}

// WaitRun blocks until the run settles or ctx is done.
func (s *Session) WaitRun(ctx context.Context, runID string) (api.ExecutionRun, error) {
	if s.coord == nil {
		return api.ExecutionRun{}, api.ErrRunNotFound
	}
	return s.coord.Wait(ctx, runID)
}

// Runs lists the ids of runs started by this session.
func (s *Session) Runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runs...)
}

// WaitIdle waits until no background propagation is in flight.
func (s *Session) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return api.ErrSessionDisposed
	}
	if !s.initialized {
		return errNotInitialized
	}
	return nil
}

// background runs fn on the session context and tracks it for WaitIdle.
func (s *Session) background(fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.pending--
			if s.pending == 0 {
				close(s.idle)
			}
			s.mu.Unlock()
		}()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.opts.Logger.Debug("propagation_incomplete",
				slog.String("workflow_id", s.WorkflowID()),
				slog.Any("error", err),
			)
		}
	}()
}

// withWorkflow runs a write keyed by the workflow id under the identity
// gate. Failures are logged: edge and schema rows mirror the graph, which
// stays authoritative.
func (s *Session) withWorkflow(ctx context.Context, op string, fn func(workflowID string) error) {
	wfID, release, err := s.ids.Acquire(ctx, s.WorkflowID())
	if err == nil {
		err = fn(wfID)
		release()
	}
	if err != nil {
		s.opts.Logger.WarnContext(ctx, "workflow_record_write_failed",
			slog.String("op", op),
			slog.String("workflow_id", wfID),
			slog.Any("error", err),
		)
	}
}

// markDirty (re)starts the autosave debounce timer.
func (s *Session) markDirty() {
	s.mu.Lock()
	if s.state == api.SaveSaved {
		s.state = api.SaveIdle
	}
	s.mu.Unlock()

	if s.opts.DisableAutosave {
		return
	}
	key := scheduler.Key{WorkflowID: s.resolvedID(), Name: autosaveTask}
	_ = s.sched.Schedule(key, s.opts.AutosaveQuiet, func(ctx context.Context, workflowID string) {
		if _, err := s.Save(ctx); err != nil && ctx.Err() == nil {
			s.opts.Logger.WarnContext(ctx, "autosave_failed",
				slog.String("workflow_id", workflowID),
				slog.Any("error", err),
			)
		}
	})
}

func (s *Session) setState(ctx context.Context, workflowID string, state api.SaveState, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.opts.Observer.OnSaveState(ctx, workflowID, state, err)
}

func edgeRecord(workflowID string, e api.Edge) persistence.EdgeRecord {
	typ := "default"
	if e.SourceHandle != "" || e.TargetHandle != "" {
		typ = e.SourceHandle + "->" + e.TargetHandle
	}
	return persistence.EdgeRecord{
		WorkflowID:   workflowID,
		EdgeID:       e.ID,
		SourceNodeID: e.Source,
		TargetNodeID: e.Target,
		EdgeType:     typ,
		Metadata:     api.CloneConfig(e.Metadata),
	}
}
