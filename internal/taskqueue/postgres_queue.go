package taskqueue

import (
	"database/sql"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so competing workers skip each
// other's rows instead of waiting on them.
//
// It expects an *sql.DB opened with the "pgx" driver from
// github.com/jackc/pgx/v5/stdlib.
type PostgresQueue struct {
	sqlQueue
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{sqlQueue{
		db:           db,
		numbered:     true,
		lockClause:   " FOR UPDATE SKIP LOCKED",
		pollInterval: 100 * time.Millisecond,
	}}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_tasks (
			id          TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before  BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0
		)
	`)
	return err
}
