// Package scheduler runs keyed, cancellable, delayed tasks. A session owns
// one Scheduler; every debounce timer and deferred re-check lives here so it
// can be cancelled on dispose and re-keyed when a workflow id changes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("scheduler closed")

// Key identifies a task. Scheduling a task under an existing key replaces
// it, which is what makes debouncing work.
type Key struct {
	WorkflowID string
	Name       string
}

// Func is the task body. workflowID is the key's workflow id at fire time,
// which differs from the scheduling-time id if the task was re-keyed.
type Func func(ctx context.Context, workflowID string)

type task struct {
	key       Key
	fn        Func
	timer     *time.Timer
	notBefore time.Time
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[Key]*task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Task bodies receive a context derived from
// parent that is cancelled by Close.
func New(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		tasks:  make(map[Key]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule runs fn after delay, replacing any pending task with the same key.
func (s *Scheduler) Schedule(key Key, delay time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}

	t := &task{key: key, fn: fn, notBefore: time.Now().Add(delay)}
	t.timer = time.AfterFunc(delay, func() { s.fire(t) })
	s.tasks[key] = t
	return nil
}

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if s.closed || s.tasks[t.key] != t {
		// Replaced, cancelled or re-keyed onto a newer task.
		s.mu.Unlock()
		return
	}
	delete(s.tasks, t.key)
	workflowID := t.key.WorkflowID
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	t.fn(s.ctx, workflowID)
}

// Cancel stops the pending task for key. It reports whether one existed.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// CancelWorkflow stops every pending task of workflowID and returns how many
// were cancelled.
func (s *Scheduler) CancelWorkflow(workflowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, t := range s.tasks {
		if k.WorkflowID == workflowID {
			t.timer.Stop()
			delete(s.tasks, k)
			n++
		}
	}
	return n
}

// Pending returns the number of tasks waiting for workflowID.
func (s *Scheduler) Pending(workflowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.tasks {
		if k.WorkflowID == workflowID {
			n++
		}
	}
	return n
}

// NextDue returns when the task for key is due.
func (s *Scheduler) NextDue(key Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return t.notBefore, true
}

// Name identifies the scheduler as a migration participant.
func (s *Scheduler) Name() string { return "timers" }

// Rekey moves every pending task of from onto to, keeping its due time. A
// task already pending under the target key wins over the moved one.
func (s *Scheduler) Rekey(ctx context.Context, from, to string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for k, t := range s.tasks {
		if k.WorkflowID != from {
			continue
		}
		delete(s.tasks, k)
		nk := Key{WorkflowID: to, Name: k.Name}
		if _, exists := s.tasks[nk]; exists {
			t.timer.Stop()
			continue
		}
		t.key = nk
		s.tasks[nk] = t
		moved++
	}
	return moved, nil
}

// Close cancels all pending tasks and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for k, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, k)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
