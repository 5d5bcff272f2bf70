package weft

import (
	"database/sql"

	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/internal/taskqueue"
	"github.com/petrijr/weft/internal/transport/memory"
	"github.com/petrijr/weft/pkg/api"
	workerpkg "github.com/petrijr/weft/pkg/worker"
)

// WorkerBundle wires durable stores, a durable run queue and a LocalRunner
// over one database.
type WorkerBundle struct {
	Store  persistence.Persistence
	Runner *LocalRunner
}

// Deps returns session dependencies backed by the bundle.
func (b *WorkerBundle) Deps() Deps {
	return Deps{Store: b.Store, Runner: b.Runner, Subscriber: b.Runner}
}

// NewSQLiteBundle constructs stores, queue and runner sharing the same
// SQLite database. Workflows, edges, schemas, run events and queued runs
// are persisted in db; run status is delivered in process.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:weft.db")
//	bundle, err := weft.NewSQLiteBundle(db, executor, worker.Config{MaxAttempts: 3})
//	_ = bundle.Runner.StartWorkers(ctx, 2)
//	sess, _ := weft.NewSession(bundle.Deps(), weft.Options{})
func NewSQLiteBundle(db *sql.DB, executor api.NodeExecutor, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Store:  persistence.Persistence{Workflows: store, Edges: store, Schemas: store, Events: store},
		Runner: newLocalRunner(q, memory.NewBroker(), store, executor, cfg),
	}, nil
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL.
func NewPostgresBundle(db *sql.DB, executor api.NodeExecutor, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Store:  persistence.Persistence{Workflows: store, Edges: store, Schemas: store, Events: store},
		Runner: newLocalRunner(q, memory.NewBroker(), store, executor, cfg),
	}, nil
}
