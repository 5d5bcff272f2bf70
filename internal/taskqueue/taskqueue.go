// Package taskqueue holds dispatched runs until a worker leases them.
//
// A leased task stays invisible to other workers until its lease expires;
// a worker that crashes mid-run therefore hands the task back implicitly.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned by Ack and Nack when owner no longer holds the
// task's lease.
var ErrLeaseLost = errors.New("task lease lost")

// Task asks a worker to execute one run of a persisted workflow.
type Task struct {
	ID         string
	WorkflowID string
	RunID      string

	// Attempts counts leases handed out for this task, including the
	// current one.
	Attempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time
}

// Queue is an at-least-once task queue with leases.
type Queue interface {
	// Enqueue adds a task. Task.ID must be unique.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task to owner for leaseTTL, blocking
	// until one is available or the context is cancelled.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a finished task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases the lease and makes the task eligible again at
	// notBefore.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error

	// Len returns the approximate number of tasks queued or leased.
	Len() int
}
