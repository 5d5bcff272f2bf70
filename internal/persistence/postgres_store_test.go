package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/weft/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	t.Run("workflows", func(t *testing.T) { testWorkflowStore(t, store) })
	t.Run("unique name", func(t *testing.T) { testUniqueName(t, store) })
	t.Run("edges", func(t *testing.T) { testEdgeStore(t, store) })
	t.Run("schemas", func(t *testing.T) { testSchemaStore(t, store) })
	t.Run("events", func(t *testing.T) { testEventStore(t, store) })
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &sqlStore{d: dialect{numbered: true}}
	assert.Equal(t, "a = $1 AND b = $2", s.q("a = ? AND b = ?"))
}
