// Package execution starts runs of persisted workflows and tracks their
// status over an unreliable status transport.
package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/pkg/api"
)

// DefaultStatusCutoff is how long a run may stay silent before it is
// marked indeterminate.
const DefaultStatusCutoff = 10 * time.Minute

// DefaultResubscribePolicy paces resubscription after a stream failure.
// MaxAttempts is ignored: resubscription continues until the cutoff.
var DefaultResubscribePolicy = api.RetryPolicy{
	InitialBackoff:    500 * time.Millisecond,
	BackoffMultiplier: 2.0,
	MaxBackoff:        30 * time.Second,
}

var errStreamClosed = errors.New("status stream closed")

type tracked struct {
	run    api.ExecutionRun
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	runner     api.Runner
	subscriber api.Subscriber
	events     persistence.EventStore
	observer   api.Observer
	logger     *slog.Logger

	cutoff      time.Duration
	resubscribe api.RetryPolicy

	mu     sync.Mutex
	runs   map[string]*tracked
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStatusCutoff sets how long a run may go without updates.
func WithStatusCutoff(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cutoff = d
		}
	}
}

// WithResubscribePolicy sets the backoff between resubscriptions.
func WithResubscribePolicy(p api.RetryPolicy) Option {
	return func(c *Coordinator) { c.resubscribe = p }
}

// WithEventStore records every applied transition.
func WithEventStore(s persistence.EventStore) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.events = s
		}
	}
}

// WithObserver sets the observer notified of transitions and stream errors.
func WithObserver(o api.Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger used for event store failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Coordinator. Tracking goroutines run until their run
// settles, is detached, or Close is called.
func New(runner api.Runner, subscriber api.Subscriber, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		runner:      runner,
		subscriber:  subscriber,
		events:      persistence.NoopEventStore{},
		observer:    api.NoopObserver{},
		logger:      slog.Default(),
		cutoff:      DefaultStatusCutoff,
		resubscribe: DefaultResubscribePolicy,
		runs:        make(map[string]*tracked),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRun dispatches a run of workflowID and starts tracking it. A
// temporary workflow id is rejected without contacting the runner.
func (c *Coordinator) StartRun(ctx context.Context, workflowID string) (api.ExecutionRun, error) {
	if workflowID == "" || api.IsTemporaryID(workflowID) {
		return api.ExecutionRun{}, &api.ExecutionStartError{
			WorkflowID: workflowID,
			Reason:     "workflow has not been saved",
		}
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return api.ExecutionRun{}, &api.ExecutionStartError{WorkflowID: workflowID, Reason: "coordinator closed"}
	}

	runID, err := c.runner.StartRun(ctx, workflowID)
	if err != nil {
		return api.ExecutionRun{}, &api.ExecutionStartError{
			WorkflowID: workflowID,
			Reason:     "runner rejected the run",
			Err:        err,
		}
	}

	now := time.Now()
	tctx, cancel := context.WithCancel(c.ctx)
	t := &tracked{
		run: api.ExecutionRun{
			ID:            runID,
			WorkflowID:    workflowID,
			StartedAt:     now,
			LastUpdatedAt: now,
		},
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return api.ExecutionRun{}, &api.ExecutionStartError{WorkflowID: workflowID, Reason: "coordinator closed"}
	}
	c.runs[runID] = t
	c.wg.Add(1)
	c.mu.Unlock()

	c.apply(t, api.StatusEvent{RunID: runID, WorkflowID: workflowID, Status: api.RunQueued, At: now})
	run := c.snapshot(t)

	go c.track(t)
	return run, nil
}

// Run returns the latest known state of runID.
func (c *Coordinator) Run(runID string) (api.ExecutionRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.runs[runID]
	if !ok {
		return api.ExecutionRun{}, api.ErrRunNotFound
	}
	return t.run, nil
}

// Wait blocks until runID settles, is detached, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, runID string) (api.ExecutionRun, error) {
	c.mu.Lock()
	t, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return api.ExecutionRun{}, api.ErrRunNotFound
	}

	select {
	case <-ctx.Done():
		return c.snapshot(t), ctx.Err()
	case <-t.done:
		return c.snapshot(t), nil
	}
}

// Detach stops tracking runID. The remote run is not cancelled.
func (c *Coordinator) Detach(runID string) bool {
	c.mu.Lock()
	t, ok := c.runs[runID]
	if ok {
		delete(c.runs, runID)
	}
	c.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Close detaches every run and waits for tracking to stop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) snapshot(t *tracked) api.ExecutionRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.run
}

// track subscribes to t's status and applies events until the run reaches
// a terminal status. Transport failures only trigger resubscription.
func (c *Coordinator) track(t *tracked) {
	defer c.wg.Done()
	defer close(t.done)

	silence := time.NewTimer(c.cutoff)
	defer silence.Stop()

	failures := 0
	for {
		stream, err := c.subscriber.Subscribe(t.ctx, t.run.ID, t.run.WorkflowID)
		if err == nil {
			var settled bool
			settled, failures, err = c.consume(t, stream, silence, failures)
			_ = stream.Close()
			if settled {
				return
			}
		}
		if t.ctx.Err() != nil {
			return
		}

		failures++
		c.observer.OnStreamError(t.ctx, &api.StreamConnectivityError{RunID: t.run.ID, Err: err})

		select {
		case <-t.ctx.Done():
			return
		case <-silence.C:
			c.markIndeterminate(t)
			return
		case <-time.After(c.resubscribe.Delay(failures)):
		}
	}
}

// consume reads one stream until the run settles or the stream fails. It
// returns the updated failure count, reset whenever an event arrives.
func (c *Coordinator) consume(t *tracked, stream api.StatusStream, silence *time.Timer, failures int) (bool, int, error) {
	events := stream.Events()
	errs := stream.Errors()

	for {
		select {
		case <-t.ctx.Done():
			return true, failures, nil

		case <-silence.C:
			c.markIndeterminate(t)
			return true, failures, nil

		case ev, ok := <-events:
			if !ok {
				return false, failures, errStreamClosed
			}
			if ev.RunID != "" && ev.RunID != t.run.ID {
				// Workflow-routed transports carry other runs too.
				continue
			}
			failures = 0
			silence.Reset(c.cutoff)
			if c.apply(t, ev) {
				return true, failures, nil
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return false, failures, err
		}
	}
}

// apply records ev if it is a legal transition and reports whether the run
// is now terminal.
func (c *Coordinator) apply(t *tracked, ev api.StatusEvent) bool {
	c.mu.Lock()
	if !api.CanTransition(t.run.Status, ev.Status) {
		terminal := t.run.Status.IsTerminal()
		c.mu.Unlock()
		return terminal
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	t.run.Status = ev.Status
	t.run.LastUpdatedAt = at
	if ev.Status == api.RunFailed {
		t.run.Error = ev.Detail
	}
	run := t.run
	c.mu.Unlock()

	ev.RunID = run.ID
	ev.WorkflowID = run.WorkflowID
	ev.At = at
	c.record(run, ev)
	return run.Status.IsTerminal()
}

func (c *Coordinator) markIndeterminate(t *tracked) {
	c.mu.Lock()
	if t.run.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	t.run.Status = api.RunIndeterminate
	t.run.LastUpdatedAt = now
	run := t.run
	c.mu.Unlock()

	c.record(run, api.StatusEvent{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     api.RunIndeterminate,
		At:         now,
		Detail:     "no status update within " + c.cutoff.String(),
	})
}

func (c *Coordinator) record(run api.ExecutionRun, ev api.StatusEvent) {
	// The run's own context may already be cancelled by a detach.
	ctx := context.WithoutCancel(c.ctx)
	if err := c.events.AppendEvent(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "run_event_append_failed",
			slog.String("run_id", run.ID),
			slog.String("status", string(ev.Status)),
			slog.Any("error", err),
		)
	}
	c.observer.OnRunStatus(ctx, run)
}
