package weft

import (
	"github.com/petrijr/weft/internal/config"
	"github.com/petrijr/weft/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowDefinition = api.WorkflowDefinition
	Node               = api.Node
	Edge               = api.Edge
	Handles            = api.Handles
	Position           = api.Position
	Category           = api.Category
	ComponentType      = api.ComponentType
	Schema             = api.Schema
	SchemaColumn       = api.SchemaColumn
	ExecutionRun       = api.ExecutionRun
	RunStatus          = api.RunStatus
	StatusEvent        = api.StatusEvent
	SaveState          = api.SaveState
	TemporaryIdentity  = api.TemporaryIdentity

	Runner       = api.Runner
	Subscriber   = api.Subscriber
	Publisher    = api.Publisher
	StatusStream = api.StatusStream
	NodeExecutor = api.NodeExecutor

	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	SchemaWarning           = api.SchemaWarning
	InvalidConnectionError  = api.InvalidConnectionError
	SchemaPropagationError  = api.SchemaPropagationError
	MigrationError          = api.MigrationError
	ExecutionStartError     = api.ExecutionStartError
	StreamConnectivityError = api.StreamConnectivityError

	Config = config.Config
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	IsTemporaryID        = api.IsTemporaryID

	DefaultPropagationPolicy = api.DefaultPropagationPolicy

	LoadConfig    = config.Load
	ConfigFromEnv = config.FromEnv
)

// Re-export status values for convenience.

const (
	RunQueued        = api.RunQueued
	RunRunning       = api.RunRunning
	RunCompleted     = api.RunCompleted
	RunFailed        = api.RunFailed
	RunCancelled     = api.RunCancelled
	RunIndeterminate = api.RunIndeterminate

	SaveIdle   = api.SaveIdle
	SaveSaving = api.SaveSaving
	SaveSaved  = api.SaveSaved
	SaveFailed = api.SaveFailed
)

// Re-export sentinel errors.

var (
	ErrInvalidConnection = api.ErrInvalidConnection
	ErrExecutionStart    = api.ErrExecutionStart
	ErrNodeNotFound      = api.ErrNodeNotFound
	ErrEdgeNotFound      = api.ErrEdgeNotFound
	ErrUnknownComponent  = api.ErrUnknownComponent
	ErrCycle             = api.ErrCycle
	ErrWorkflowNotFound  = api.ErrWorkflowNotFound
	ErrNameTaken         = api.ErrNameTaken
	ErrRunNotFound       = api.ErrRunNotFound
	ErrSessionDisposed   = api.ErrSessionDisposed
)
