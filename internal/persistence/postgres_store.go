package persistence

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements every store interface on PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	sqlStore
}

// Ensure PostgresStore implements the interfaces.
var (
	_ WorkflowStore = (*PostgresStore)(nil)
	_ EdgeStore     = (*PostgresStore)(nil)
	_ SchemaStore   = (*PostgresStore)(nil)
	_ EventStore    = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{db: db, d: dialect{
		name:              "postgres",
		numbered:          true,
		isUniqueViolation: pgUniqueViolation,
	}}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
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
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			at BIGINT NOT NULL,
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

// 23505 is unique_violation.
func pgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
