package taskqueue

import (
	"database/sql"
	"time"
)

// SQLiteQueue is a persistent Queue backed by SQLite. Concurrent claims are
// settled by a conditional UPDATE, so two workers never lease the same
// task at once.
type SQLiteQueue struct {
	sqlQueue
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue initializes the run_tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{sqlQueue{db: db, pollInterval: 20 * time.Millisecond}}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}
