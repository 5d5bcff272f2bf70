package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/weft/internal/graph"
	"github.com/petrijr/weft/internal/taskqueue"
	"github.com/petrijr/weft/pkg/api"
)

// WorkflowSource loads persisted workflow definitions.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (api.WorkflowDefinition, error)
}

// Config controls leasing and retries of run tasks.
type Config struct {
	// Owner identifies this worker in task leases. Defaults to a random id.
	Owner string

	// LeaseTTL is how long a task stays leased before another worker may
	// take it over.
	LeaseTTL time.Duration

	// MaxAttempts bounds how often a task is retried after infrastructure
	// failures (loading the definition). Node failures are never retried.
	MaxAttempts int

	// RetryDelay is the wait before a nacked task becomes eligible again.
	RetryDelay time.Duration

	// NodeTimeout bounds each node execution; <= 0 means no bound.
	NodeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the settings used by New when none are given.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:    time.Minute,
		MaxAttempts: 3,
		RetryDelay:  time.Second,
	}
}

// Worker leases run tasks from a Queue, executes the workflow's nodes in
// topological order and publishes the run's status.
type Worker struct {
	queue     taskqueue.Queue
	workflows WorkflowSource
	executor  api.NodeExecutor
	publisher api.Publisher
	cfg       Config
}

// New creates a new Worker. Zero fields of cfg take their defaults.
func New(queue taskqueue.Queue, workflows WorkflowSource, executor api.NodeExecutor, publisher api.Publisher, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		queue:     queue,
		workflows: workflows,
		executor:  executor,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Enqueue schedules a run of workflowID under runID. It does NOT execute
// anything; that is done by ProcessOne.
func (w *Worker) Enqueue(ctx context.Context, workflowID, runID string) error {
	now := time.Now()
	if err := w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		RunID:      runID,
		EnqueuedAt: now,
	}); err != nil {
		return err
	}
	return w.publish(ctx, runID, workflowID, api.RunQueued, "")
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		_, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.cfg.Logger.WarnContext(ctx, "task_failed",
				slog.String("worker", w.cfg.Owner),
				slog.Any("error", err),
			)
		}
	}
}

// ProcessOne leases a single task and processes it.
// Returns (processed, error):
//   - processed == false: no task was leased (ctx cancelled or queue error)
//   - processed == true: a task was handled; err reports an infrastructure
//     failure that caused the task to be retried or abandoned. A failing
//     node is reported as a failed run, not as an error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.Owner, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.cfg.Logger.With(
		slog.String("run_id", task.RunID),
		slog.String("workflow_id", task.WorkflowID),
		slog.Int("attempt", task.Attempts),
	)

	def, err := w.workflows.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		if !errors.Is(err, api.ErrWorkflowNotFound) && task.Attempts < w.cfg.MaxAttempts {
			log.WarnContext(ctx, "run_load_retry", slog.Any("error", err))
			if nerr := w.queue.Nack(ctx, task.ID, w.cfg.Owner, time.Now().Add(w.cfg.RetryDelay)); nerr != nil {
				return true, errors.Join(err, nerr)
			}
			return true, err
		}
		return true, w.finish(ctx, task, api.RunFailed, fmt.Sprintf("load workflow: %v", err))
	}

	if err := w.publish(ctx, task.RunID, task.WorkflowID, api.RunRunning, ""); err != nil {
		log.WarnContext(ctx, "status_publish_failed", slog.Any("error", err))
	}

	if err := w.execute(ctx, def); err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the lease to expire so another worker
			// picks the run up.
			return true, ctx.Err()
		}
		log.InfoContext(ctx, "run_failed", slog.Any("error", err))
		return true, w.finish(ctx, task, api.RunFailed, err.Error())
	}

	log.InfoContext(ctx, "run_completed")
	return true, w.finish(ctx, task, api.RunCompleted, "")
}

// execute runs every node once, feeding each the outputs of its upstream
// nodes: nil for sources, the single upstream output, or a slice when
// several edges converge.
func (w *Worker) execute(ctx context.Context, def api.WorkflowDefinition) error {
	order, err := graph.TopologicalOrder(def)
	if err != nil {
		return err
	}

	upstream := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		upstream[e.Target] = append(upstream[e.Target], e.Source)
	}

	outputs := make(map[string]any, len(order))
	for _, node := range order {
		var input any
		switch srcs := upstream[node.ID]; len(srcs) {
		case 0:
		case 1:
			input = outputs[srcs[0]]
		default:
			merged := make([]any, len(srcs))
			for i, src := range srcs {
				merged[i] = outputs[src]
			}
			input = merged
		}

		out, err := w.executeNode(ctx, def.ID, node, input)
		if err != nil {
			name := node.Label
			if name == "" {
				name = node.ID
			}
			return fmt.Errorf("node %s (%s): %w", name, node.ComponentType, err)
		}
		outputs[node.ID] = out
	}
	return nil
}

func (w *Worker) executeNode(ctx context.Context, workflowID string, node api.Node, input any) (any, error) {
	if w.cfg.NodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.NodeTimeout)
		defer cancel()
	}
	return w.executor.ExecuteNode(ctx, workflowID, node.Clone(), input)
}

func (w *Worker) finish(ctx context.Context, task *taskqueue.Task, status api.RunStatus, detail string) error {
	perr := w.publish(ctx, task.RunID, task.WorkflowID, status, detail)
	if err := w.queue.Ack(ctx, task.ID, w.cfg.Owner); err != nil {
		return errors.Join(perr, fmt.Errorf("ack task %s: %w", task.ID, err))
	}
	return perr
}

func (w *Worker) publish(ctx context.Context, runID, workflowID string, status api.RunStatus, detail string) error {
	if w.publisher == nil {
		return nil
	}
	return w.publisher.Publish(ctx, api.StatusEvent{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     status,
		At:         time.Now(),
		Detail:     detail,
	})
}
