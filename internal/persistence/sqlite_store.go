package persistence

import (
	"database/sql"
	"strings"
)

// SQLiteStore implements every store interface on SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	sqlStore
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ WorkflowStore = (*SQLiteStore)(nil)
	_ EdgeStore     = (*SQLiteStore)(nil)
	_ SchemaStore   = (*SQLiteStore)(nil)
	_ EventStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db, d: dialect{
		name:              "sqlite",
		isUniqueViolation: sqliteUniqueViolation,
	}}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			UNIQUE (owner_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_edges (
			workflow_id TEXT NOT NULL,
			edge_id TEXT NOT NULL,
			source_node_id TEXT NOT NULL,
			target_node_id TEXT NOT NULL,
			edge_type TEXT NOT NULL DEFAULT 'default',
			metadata TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workflow_id, edge_id)
		)`,
		`CREATE TABLE IF NOT EXISTS node_schemas (
			workflow_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			input_schema TEXT NOT NULL,
			PRIMARY KEY (workflow_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func sqliteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
