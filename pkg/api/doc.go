// Package api contains the core types shared by every weft component: the
// workflow graph model, schemas, run statuses, errors, retry policies and
// the observer and transport interfaces.
//
// Most users interact with the higher-level weft package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations: alternative runners, status transports or
// observers.
//
// # Graph model
//
// A WorkflowDefinition holds Nodes and Edges. Every node has a Category and
// a ComponentType drawn from a closed set that the execution backend shares.
// Node configuration is free-form JSON-like data; the positions are layout
// only.
//
// # Schemas
//
// A Schema is an ordered list of columns. Equality is set-based on
// (name, type) so that reordering columns never triggers re-propagation.
//
// # Runs
//
// Runs move forward only: queued, running, then one of completed, failed or
// cancelled. CanTransition is the single source of truth for that ordering;
// status streams are at-least-once and may deliver stale events, which the
// coordinator drops. RunIndeterminate is assigned locally when a run goes
// silent.
//
// # Errors
//
// Structural failures (InvalidConnectionError, ExecutionStartError) are
// returned to the caller. Non-fatal conditions (SchemaWarning,
// MigrationError) are returned alongside a successful result and reported
// to the Observer. Transport failures (StreamConnectivityError) never change
// a run's status.
package api
