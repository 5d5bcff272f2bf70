package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// SaveState is the explicit save lifecycle of a session.
type SaveState string

const (
	SaveIdle   SaveState = "idle"
	SaveSaving SaveState = "saving"
	SaveSaved  SaveState = "saved"
	SaveFailed SaveState = "failed"
)

// Observer receives callbacks from sessions, the propagator and the
// execution coordinator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay editing or status tracking.
type Observer interface {
	// OnSchemaPropagated is called after a target node's input schema was
	// written for edge.
	OnSchemaPropagated(ctx context.Context, workflowID string, edge Edge, schema Schema)

	// OnPropagationAttemptFailed is called for every failed write attempt,
	// including the deferred re-check.
	OnPropagationAttemptFailed(ctx context.Context, workflowID string, edgeID string, attempt int, err error)

	// OnPropagationFailed is called once all attempts for an edge are exhausted.
	OnPropagationFailed(ctx context.Context, err *SchemaPropagationError)

	// OnSchemaWarning is called when an edge is created or updated with a
	// shape mismatch.
	OnSchemaWarning(ctx context.Context, workflowID string, warning *SchemaWarning)

	// OnSaveState is called on every save state transition. err is set for
	// SaveFailed.
	OnSaveState(ctx context.Context, workflowID string, state SaveState, err error)

	// OnMigrated is called after a temporary identity was migrated. err is a
	// *MigrationError for partial failures.
	OnMigrated(ctx context.Context, identity TemporaryIdentity, err error)

	// OnRunStatus is called for every applied run status transition.
	OnRunStatus(ctx context.Context, run ExecutionRun)

	// OnStreamError is called when a status transport fails.
	OnStreamError(ctx context.Context, err *StreamConnectivityError)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSchemaPropagated(ctx context.Context, workflowID string, edge Edge, schema Schema) {
}
func (NoopObserver) OnPropagationAttemptFailed(ctx context.Context, workflowID string, edgeID string, attempt int, err error) {
}
func (NoopObserver) OnPropagationFailed(ctx context.Context, err *SchemaPropagationError) {}
func (NoopObserver) OnSchemaWarning(ctx context.Context, workflowID string, warning *SchemaWarning) {
}
func (NoopObserver) OnSaveState(ctx context.Context, workflowID string, state SaveState, err error) {
}
func (NoopObserver) OnMigrated(ctx context.Context, identity TemporaryIdentity, err error) {}
func (NoopObserver) OnRunStatus(ctx context.Context, run ExecutionRun)                     {}
func (NoopObserver) OnStreamError(ctx context.Context, err *StreamConnectivityError)       {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSchemaPropagated(ctx context.Context, workflowID string, edge Edge, schema Schema) {
	for _, o := range c.observers {
		o.OnSchemaPropagated(ctx, workflowID, edge, schema)
	}
}

func (c *CompositeObserver) OnPropagationAttemptFailed(ctx context.Context, workflowID string, edgeID string, attempt int, err error) {
	for _, o := range c.observers {
		o.OnPropagationAttemptFailed(ctx, workflowID, edgeID, attempt, err)
	}
}

func (c *CompositeObserver) OnPropagationFailed(ctx context.Context, err *SchemaPropagationError) {
	for _, o := range c.observers {
		o.OnPropagationFailed(ctx, err)
	}
}

func (c *CompositeObserver) OnSchemaWarning(ctx context.Context, workflowID string, warning *SchemaWarning) {
	for _, o := range c.observers {
		o.OnSchemaWarning(ctx, workflowID, warning)
	}
}

func (c *CompositeObserver) OnSaveState(ctx context.Context, workflowID string, state SaveState, err error) {
	for _, o := range c.observers {
		o.OnSaveState(ctx, workflowID, state, err)
	}
}

func (c *CompositeObserver) OnMigrated(ctx context.Context, identity TemporaryIdentity, err error) {
	for _, o := range c.observers {
		o.OnMigrated(ctx, identity, err)
	}
}

func (c *CompositeObserver) OnRunStatus(ctx context.Context, run ExecutionRun) {
	for _, o := range c.observers {
		o.OnRunStatus(ctx, run)
	}
}

func (c *CompositeObserver) OnStreamError(ctx context.Context, err *StreamConnectivityError) {
	for _, o := range c.observers {
		o.OnStreamError(ctx, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs lifecycle events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnSchemaPropagated(ctx context.Context, workflowID string, edge Edge, schema Schema) {
	o.Logger.DebugContext(ctx, "schema_propagated",
		slog.String("workflow_id", workflowID),
		slog.String("edge_id", edge.ID),
		slog.String("target", edge.Target),
		slog.Int("columns", len(schema)),
	)
}

func (o *LoggingObserver) OnPropagationAttemptFailed(ctx context.Context, workflowID string, edgeID string, attempt int, err error) {
	o.Logger.WarnContext(ctx, "propagation_attempt_failed",
		slog.String("workflow_id", workflowID),
		slog.String("edge_id", edgeID),
		slog.Int("attempt", attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnPropagationFailed(ctx context.Context, err *SchemaPropagationError) {
	o.Logger.ErrorContext(ctx, "propagation_failed",
		slog.String("workflow_id", err.WorkflowID),
		slog.String("edge_id", err.EdgeID),
		slog.Int("attempts", err.Attempts),
		slog.Any("error", err.Err),
	)
}

func (o *LoggingObserver) OnSchemaWarning(ctx context.Context, workflowID string, warning *SchemaWarning) {
	o.Logger.InfoContext(ctx, "schema_warning",
		slog.String("workflow_id", workflowID),
		slog.String("edge_id", warning.EdgeID),
		slog.Any("missing", warning.Missing),
	)
}

func (o *LoggingObserver) OnSaveState(ctx context.Context, workflowID string, state SaveState, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "save_state",
		slog.String("workflow_id", workflowID),
		slog.String("state", string(state)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnMigrated(ctx context.Context, identity TemporaryIdentity, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "migration_completed",
		slog.String("temp_id", identity.TempID),
		slog.String("real_id", identity.RealID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunStatus(ctx context.Context, run ExecutionRun) {
	o.Logger.InfoContext(ctx, "run_status",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("status", string(run.Status)),
	)
}

func (o *LoggingObserver) OnStreamError(ctx context.Context, err *StreamConnectivityError) {
	o.Logger.WarnContext(ctx, "stream_error",
		slog.String("run_id", err.RunID),
		slog.Any("error", err.Err),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	propagations       atomic.Int64
	failedAttempts     atomic.Int64
	failedPropagations atomic.Int64
	warnings           atomic.Int64
	saves              atomic.Int64
	failedSaves        atomic.Int64
	migrations         atomic.Int64
	partialMigrations  atomic.Int64
	runTransitions     atomic.Int64
	streamErrors       atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Propagations       int64
	FailedAttempts     int64
	FailedPropagations int64
	SchemaWarnings     int64
	Saves              int64
	FailedSaves        int64
	Migrations         int64
	PartialMigrations  int64
	RunTransitions     int64
	StreamErrors       int64
}

func (m *BasicMetrics) OnSchemaPropagated(ctx context.Context, workflowID string, edge Edge, schema Schema) {
	m.propagations.Add(1)
}

func (m *BasicMetrics) OnPropagationAttemptFailed(ctx context.Context, workflowID string, edgeID string, attempt int, err error) {
	m.failedAttempts.Add(1)
}

func (m *BasicMetrics) OnPropagationFailed(ctx context.Context, err *SchemaPropagationError) {
	m.failedPropagations.Add(1)
}

func (m *BasicMetrics) OnSchemaWarning(ctx context.Context, workflowID string, warning *SchemaWarning) {
	m.warnings.Add(1)
}

func (m *BasicMetrics) OnSaveState(ctx context.Context, workflowID string, state SaveState, err error) {
	switch state {
	case SaveSaved:
		m.saves.Add(1)
	case SaveFailed:
		m.failedSaves.Add(1)
	}
}

func (m *BasicMetrics) OnMigrated(ctx context.Context, identity TemporaryIdentity, err error) {
	m.migrations.Add(1)
	if err != nil {
		m.partialMigrations.Add(1)
	}
}

func (m *BasicMetrics) OnRunStatus(ctx context.Context, run ExecutionRun) {
	m.runTransitions.Add(1)
}

func (m *BasicMetrics) OnStreamError(ctx context.Context, err *StreamConnectivityError) {
	m.streamErrors.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		Propagations:       m.propagations.Load(),
		FailedAttempts:     m.failedAttempts.Load(),
		FailedPropagations: m.failedPropagations.Load(),
		SchemaWarnings:     m.warnings.Load(),
		Saves:              m.saves.Load(),
		FailedSaves:        m.failedSaves.Load(),
		Migrations:         m.migrations.Load(),
		PartialMigrations:  m.partialMigrations.Load(),
		RunTransitions:     m.runTransitions.Load(),
		StreamErrors:       m.streamErrors.Load(),
	}
}
