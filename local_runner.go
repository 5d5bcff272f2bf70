package weft

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/weft/internal/taskqueue"
	"github.com/petrijr/weft/internal/transport/memory"
	"github.com/petrijr/weft/pkg/api"
	"github.com/petrijr/weft/pkg/worker"
)

// StatusBus is a transport that both carries and delivers run status.
type StatusBus interface {
	api.Publisher
	api.Subscriber
}

// LocalRunner bundles a task queue, a Worker and a status bus into an
// in-process execution backend. It implements api.Runner and
// api.Subscriber, so a Session can run workflows without a remote service.
//
// Typical usage:
//
//	store := persistence.NewInMemory()
//	runner := weft.NewLocalRunner(store.Workflows, executor)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	sess, _ := weft.NewSession(weft.Deps{Store: store, Runner: runner, Subscriber: runner}, weft.Options{})
type LocalRunner struct {
	// Queue holds pending run tasks.
	Queue taskqueue.Queue

	// Worker executes run tasks from Queue.
	Worker *worker.Worker

	// Bus carries status from the Worker to subscribers.
	Bus StatusBus

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var (
	_ api.Runner     = (*LocalRunner)(nil)
	_ api.Subscriber = (*LocalRunner)(nil)
)

// NewLocalRunner constructs a LocalRunner with an in-memory queue, an
// in-memory status broker and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(workflows worker.WorkflowSource, executor api.NodeExecutor) *LocalRunner {
	return newLocalRunner(taskqueue.NewInMemoryQueue(), memory.NewBroker(), workflows, executor, worker.DefaultConfig())
}

func newLocalRunner(q taskqueue.Queue, bus StatusBus, workflows worker.WorkflowSource, executor api.NodeExecutor, cfg worker.Config) *LocalRunner {
	return &LocalRunner{
		Queue:  q,
		Worker: worker.New(q, workflows, executor, bus, cfg),
		Bus:    bus,
	}
}

// StartRun enqueues a run of workflowID and returns its id. The run is
// executed by a worker started with StartWorkers.
func (r *LocalRunner) StartRun(ctx context.Context, workflowID string) (string, error) {
	runID := "run-" + uuid.NewString()
	if err := r.Worker.Enqueue(ctx, workflowID, runID); err != nil {
		return "", err
	}
	return runID, nil
}

// Subscribe opens a status stream on the runner's bus.
func (r *LocalRunner) Subscribe(ctx context.Context, runID, workflowID string) (api.StatusStream, error) {
	return r.Bus.Subscribe(ctx, runID, workflowID)
}

// StartWorkers starts 'concurrency' worker goroutines that process tasks
// until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("weft: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			// Run logs task failures itself and only returns on shutdown.
			_ = r.Worker.Run(ctx)
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
