package api

import "time"

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	// RunIndeterminate is never reported by a backend. The coordinator
	// assigns it when a run goes silent for longer than the status cutoff.
	RunIndeterminate RunStatus = "indeterminate"
)

// IsTerminal reports whether no further transitions are accepted.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunIndeterminate:
		return true
	default:
		return false
	}
}

func (s RunStatus) rank() int {
	switch s {
	case RunQueued:
		return 1
	case RunRunning:
		return 2
	case RunCompleted, RunFailed, RunCancelled:
		return 3
	default:
		return 0
	}
}

// CanTransition enforces forward-only progression
// queued -> running -> {completed|failed|cancelled}. Duplicates, regressions,
// moves between terminal states and unknown values are rejected. An empty
// current status accepts any backend status.
func CanTransition(current, next RunStatus) bool {
	if next.rank() == 0 {
		return false
	}
	if current == "" {
		return true
	}
	if current.IsTerminal() {
		return false
	}
	return current.rank() < next.rank()
}

// ExecutionRun is one execution attempt of a persisted workflow.
type ExecutionRun struct {
	ID            string
	WorkflowID    string
	Status        RunStatus
	StartedAt     time.Time
	LastUpdatedAt time.Time

	// Error carries the backend's failure detail for RunFailed. Transport
	// problems are never recorded here.
	Error string
}

// StatusEvent is a single status notification for a run. Delivery is
// at-least-once and may be out of order.
type StatusEvent struct {
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	Status     RunStatus `json:"status"`
	At         time.Time `json:"at"`

	// Detail is small and human-oriented (e.g. an error string). Keep it
	// low-volume.
	Detail string `json:"detail,omitempty"`
}
