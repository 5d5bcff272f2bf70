package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	task       Task
	owner      string
	leaseUntil time.Time
	seq        uint64
}

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	notify  chan struct{}

	pollInterval time.Duration
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries:      make(map[string]*memEntry),
		notify:       make(chan struct{}, 1),
		pollInterval: 20 * time.Millisecond,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.seq++
	q.entries[t.ID] = &memEntry{task: t, seq: q.seq}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	for {
		if t := q.claim(owner, leaseTTL); t != nil {
			return t, nil
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) claim(owner string, leaseTTL time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var ready []*memEntry
	for _, e := range q.entries {
		if e.task.NotBefore.After(now) {
			continue
		}
		if e.owner != "" && e.leaseUntil.After(now) {
			continue
		}
		ready = append(ready, e)
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if !a.task.NotBefore.Equal(b.task.NotBefore) {
			return a.task.NotBefore.Before(b.task.NotBefore)
		}
		return a.seq < b.seq
	})

	e := ready[0]
	e.owner = owner
	e.leaseUntil = now.Add(leaseTTL)
	e.task.Attempts++
	t := e.task
	return &t
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.owner != owner {
		return ErrLeaseLost
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	q.mu.Lock()
	e, ok := q.entries[taskID]
	if !ok || e.owner != owner {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	e.owner = ""
	e.leaseUntil = time.Time{}
	e.task.NotBefore = notBefore
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
