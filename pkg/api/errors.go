package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConnection = errors.New("invalid connection")
	ErrExecutionStart    = errors.New("execution start failed")

	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrUnknownComponent = errors.New("unknown component type")
	ErrCycle            = errors.New("workflow graph contains a cycle")

	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNameTaken        = errors.New("workflow name already taken")
	ErrRunNotFound      = errors.New("run not found")
	ErrSessionDisposed  = errors.New("session disposed")
)

// Reasons carried by InvalidConnectionError.
const (
	ReasonMissingSource = "missing source node"
	ReasonMissingTarget = "missing target node"
	ReasonDuplicate     = "duplicate edge"
	ReasonSelfLoop      = "self-loop"
)

// InvalidConnectionError is a structural edge violation. It is never retried.
type InvalidConnectionError struct {
	Source string
	Target string
	Reason string
}

func (e *InvalidConnectionError) Error() string {
	return fmt.Sprintf("invalid connection %s -> %s: %s", e.Source, e.Target, e.Reason)
}

func (e *InvalidConnectionError) Unwrap() error { return ErrInvalidConnection }

// SchemaWarning reports an edge whose source output does not provide what
// the target expects. The edge exists regardless; the user may fix the
// mismatch later.
type SchemaWarning struct {
	EdgeID  string
	Source  string
	Target  string
	Missing []string
}

func (w *SchemaWarning) Error() string {
	return fmt.Sprintf("schema mismatch on edge %s (%s -> %s): missing columns %s",
		w.EdgeID, w.Source, w.Target, strings.Join(w.Missing, ", "))
}

// SchemaPropagationError is returned once every propagation attempt for an
// edge, including the deferred re-check, has failed.
type SchemaPropagationError struct {
	WorkflowID string
	EdgeID     string
	Attempts   int
	Err        error
}

func (e *SchemaPropagationError) Error() string {
	return fmt.Sprintf("schema propagation for edge %s in workflow %s failed after %d attempts: %v",
		e.EdgeID, e.WorkflowID, e.Attempts, e.Err)
}

func (e *SchemaPropagationError) Unwrap() error { return e.Err }

// MigrationFailure describes one participant that could not be re-keyed.
type MigrationFailure struct {
	Participant string
	Err         error
}

// MigrationError is a partial migration failure. It is a warning: the
// workflow is persisted, but some temp-keyed state may need re-entering.
type MigrationError struct {
	TempID   string
	RealID   string
	Failures []MigrationFailure
}

func (e *MigrationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Participant+": "+f.Err.Error())
	}
	return fmt.Sprintf("partial migration %s -> %s: %s", e.TempID, e.RealID, strings.Join(parts, "; "))
}

func (e *MigrationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ExecutionStartError is fatal for the attempted run only.
type ExecutionStartError struct {
	WorkflowID string
	Reason     string
	Err        error
}

func (e *ExecutionStartError) Error() string {
	msg := fmt.Sprintf("cannot start run for workflow %s: %s", e.WorkflowID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionStartError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecutionStart}
	}
	return []error{ErrExecutionStart, e.Err}
}

// StreamConnectivityError is a transport failure on a status stream. It is
// independent of the run's business outcome.
type StreamConnectivityError struct {
	RunID string
	Err   error
}

func (e *StreamConnectivityError) Error() string {
	return fmt.Sprintf("status stream for run %s: %v", e.RunID, e.Err)
}

func (e *StreamConnectivityError) Unwrap() error { return e.Err }

// IsSchemaWarning returns the warning if err carries one.
func IsSchemaWarning(err error) (*SchemaWarning, bool) {
	var w *SchemaWarning
	if errors.As(err, &w) {
		return w, true
	}
	return nil, false
}

// IsMigrationError returns the partial migration error if err carries one.
func IsMigrationError(err error) (*MigrationError, bool) {
	var m *MigrationError
	if errors.As(err, &m) {
		return m, true
	}
	return nil, false
}

// IsStreamConnectivityError reports whether err is a transport failure.
func IsStreamConnectivityError(err error) bool {
	var s *StreamConnectivityError
	return errors.As(err, &s)
}
