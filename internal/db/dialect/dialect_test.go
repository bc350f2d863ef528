package dialect_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fueldev/fuel/internal/db"
	"github.com/fueldev/fuel/internal/db/dialect"
)

func TestIsPostgres(t *testing.T) {
	assert.True(t, dialect.IsPostgres(dialect.PGX))
	assert.False(t, dialect.IsPostgres(dialect.SQLite3))
}

func TestLike(t *testing.T) {
	assert.Equal(t, "LIKE", dialect.Like(dialect.SQLite3))
	assert.Equal(t, "ILIKE", dialect.Like(dialect.PGX))
}

func TestInsertReturningIDSQLite(t *testing.T) {
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Exec(`CREATE TABLE widgets (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := dialect.InsertReturningID(ctx, conn, `INSERT INTO widgets (name) VALUES (?)`, "first")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = dialect.InsertReturningID(ctx, conn, `INSERT INTO widgets (name) VALUES (?)`, "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	// The helper also works inside a transaction.
	tx, err := conn.Beginx()
	require.NoError(t, err)
	id, err = dialect.InsertReturningID(ctx, tx, `INSERT INTO widgets (name) VALUES (?)`, "third")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	require.NoError(t, tx.Commit())
}
