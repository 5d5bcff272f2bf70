// Package worker provides the in-process execution backend used to run
// persisted workflows.
//
// Workers lease run tasks from a task queue, load the workflow definition,
// execute its nodes in topological order through an api.NodeExecutor and
// publish the run's status (queued, running, completed or failed) to an
// api.Publisher. They are lightweight and can be scaled horizontally: every
// worker on the same queue leases distinct tasks, and a task whose worker
// dies is handed to another one once its lease expires.
//
// # Failures
//
// A node that returns an error fails the run; the error text becomes the
// run's detail. Failures to load the definition are infrastructure
// problems: the task is released and retried up to Config.MaxAttempts
// before the run is failed.
//
// # Usage
//
// Most applications construct workers through weft.NewLocalRunner, which
// wires a queue, a worker pool and a status broker together and exposes
// them as an api.Runner plus api.Subscriber pair.
package worker
