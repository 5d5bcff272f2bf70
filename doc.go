// Package weft keeps a visual data-processing workflow consistent while it
// is being edited, and runs it on an execution backend.
//
// A workflow is a directed graph of typed nodes (data inputs, filters,
// aggregations, AI steps, exports, ...). weft does not execute nodes
// itself; it owns what surrounds execution:
//
//   - per-node input and output schemas, kept in sync across edges
//   - the temporary identity of an unsaved workflow and its migration to a
//     persistent id on first save
//   - starting runs and tracking their status over an unreliable channel
//
// # Session
//
// A Session is the single owner of one open workflow. It is created with
// NewSession, opened with Init (new or in-memory definition) or Open
// (persisted workflow), and released with Dispose:
//
//	store := persistence.NewInMemory()
//	sess, err := weft.NewSession(weft.Deps{Store: store}, weft.Options{OwnerID: "user-1"})
//	_ = sess.Init(ctx, nil)
//	defer sess.Dispose()
//
//	src, _ := sess.AddNode(ctx, "input", "data-input", "Orders")
//	flt, _ := sess.AddNode(ctx, "processing", "filtering", "Large orders")
//	_, warning, err := sess.Connect(ctx, src.ID, flt.ID, weft.Handles{})
//
// Graph mutations are synchronous. Schema propagation and the debounced
// autosave run in the background and are cancelled by Dispose. WaitIdle
// waits for in-flight propagation.
//
// # Schema propagation
//
// Connecting two nodes copies the source's output schema onto the target's
// input schema, with bounded retries and one deferred re-check. Changing a
// node's config recomputes its output schema and cascades the change to
// every downstream node. A target that needs columns its source does not
// provide still gets the edge; the edge is flagged with a SchemaWarning.
//
// # Saving
//
// A new workflow has a temporary id ("temp-<uuid>"). Its first Save picks a
// name unique for the owner ("Report", "Report1", ...), creates the record
// and moves schema entries, edge records and pending timers to the new id.
// Writes that race the move wait for it and land under the new id. A
// partially failed move is reported as SaveResult.Warning.
//
// # Running
//
// Run forces a save and asks the Runner to start the workflow. Status
// events arrive through a Subscriber and only move forward
// (queued -> running -> completed|failed|cancelled). A run that stays
// silent past the status cutoff becomes indeterminate; it is never assumed
// completed. Transport failures are retried and never change a run's status.
//
// Runners and status transports:
//
//   - LocalRunner: in-process queue and worker (development and tests)
//   - HTTP runner + socket.io or Redis pub/sub status (remote backend)
//
// OpenStack builds the whole set from Config (see ConfigFromEnv).
//
// # Storage
//
// Workflow, edge, schema and run-event records can live in memory, SQLite,
// PostgreSQL, Redis (schemas) or MongoDB (workflows).
package weft
