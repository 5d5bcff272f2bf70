package api

import "context"

// Runner starts executions on the remote backend. It is the single remote
// call the coordinator makes; node execution itself is a black box.
type Runner interface {
	// StartRun dispatches a run of the persisted workflow and returns the
	// backend-issued run id.
	StartRun(ctx context.Context, workflowID string) (string, error)
}

// StatusStream is an open subscription for one run.
//
// Events may be duplicated or arrive out of order. A value on Errors means
// the transport is unhealthy; it says nothing about the run itself. Both
// channels are closed once the stream is closed.
type StatusStream interface {
	Events() <-chan StatusEvent
	Errors() <-chan error
	Close() error
}

// Subscriber opens status streams. runID is the primary key; workflowID is
// a fallback for transports that only route by workflow.
type Subscriber interface {
	Subscribe(ctx context.Context, runID, workflowID string) (StatusStream, error)
}

// Publisher is the backend side of a status transport.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
}

// NodeExecutor runs a single node on the execution backend. The core never
// calls it; it exists for the in-process runner.
type NodeExecutor interface {
	ExecuteNode(ctx context.Context, workflowID string, node Node, input any) (any, error)
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, workflowID string, node Node, input any) (any, error)

func (f NodeExecutorFunc) ExecuteNode(ctx context.Context, workflowID string, node Node, input any) (any, error) {
	return f(ctx, workflowID, node, input)
}
