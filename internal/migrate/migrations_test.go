package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vista/internal/db"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateRecordsNamesAndIsIdempotent(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()

	require.NoError(t, Migrate(conn))
	first, err := History(ctx, conn)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, 1, first[0].Version)
	assert.Equal(t, "001_init", first[0].Name)
	assert.NotEmpty(t, first[0].AppliedAt)

	require.NoError(t, MigrateContext(ctx, conn))
	second, err := History(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, table := range []string{"tasks", "alerts", "decisions", "error_reports", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestFailedMigrationKeepsEarlierOnes(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	migrations := []Migration{
		{Version: 1, Name: "001_widgets", UpSQL: `CREATE TABLE widgets(id TEXT PRIMARY KEY);`},
		{Version: 2, Name: "002_broken", UpSQL: `CREATE TABLE gadgets(id TEXT); INSERT INTO missing VALUES (1);`},
	}

	err := apply(ctx, conn, migrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate: 002_broken")

	hist, err := History(ctx, conn)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "001_widgets", hist[0].Name)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='gadgets'`).Scan(&n))
	assert.Zero(t, n)

	migrations[1].UpSQL = `CREATE TABLE gadgets(id TEXT);`
	require.NoError(t, apply(ctx, conn, migrations))
	hist, err = History(ctx, conn)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "002_broken", hist[1].Name)
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/002_b.sql": {Data: []byte("SELECT 2;")},
		"sql/001_a.sql": {Data: []byte("SELECT 1;")},
		"sql/README.md": {Data: []byte("ignored")},
	}
	got, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Migration{Version: 1, Name: "001_a", UpSQL: "SELECT 1;"}, got[0])
	assert.Equal(t, 2, got[1].Version)

	_, err = loadMigrations(fstest.MapFS{"sql/init.sql": {Data: []byte("SELECT 1;")}})
	assert.ErrorContains(t, err, "invalid migration filename")

	_, err = loadMigrations(fstest.MapFS{
		"sql/001_a.sql": {Data: []byte("SELECT 1;")},
		"sql/001_b.sql": {Data: []byte("SELECT 1;")},
	})
	assert.ErrorContains(t, err, "version 1 used by")
}
