package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_RecordsVersionAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Second run must see the recorded version and apply nothing.
	require.NoError(t, s.Migrate(ctx))

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version WHERE version > 0`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, len(allMigrations), count)

	var name string
	row = s.db.QueryRowContext(ctx, `SELECT name FROM schema_version WHERE version = 1`)
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "initial_schema", name)
}

func TestMigration_StatementsDropComments(t *testing.T) {
	m := migration{script: `
-- leading commentary
CREATE TABLE a (id INTEGER);

-- a fragment that is only a comment;
CREATE TABLE b (
	id INTEGER -- keep: not at line start
);
`}

	stmts := m.statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
	assert.NotContains(t, stmts[0], "--")
}
