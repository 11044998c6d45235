package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

func openSQLite(t *testing.T, path string) *SQLBackend {
	t.Helper()
	b, err := OpenSQLite(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		return openSQLite(t, filepath.Join(t.TempDir(), "memory.db"))
	})
}

func TestSQLiteBackend_ReopenKeepsDataAndSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := openSQLite(t, dir)
	assert.Equal(t, DialectSQLite, b.Dialect())
	require.NoError(t, b.Put(ctx, testEntry("e1", "s1", 0)))
	require.NoError(t, b.Close())
	assert.FileExists(t, filepath.Join(dir, "memory.db"))

	// a second open re-runs migrations against an up-to-date schema
	reopened := openSQLite(t, dir)
	got, err := reopened.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "content of e1", got.Content)
}

func TestSQLiteBackend_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("AGENTCTX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTCTX_TEST_POSTGRES_DSN not set")
	}

	runBackendSuite(t, func(t *testing.T) Backend {
		b, err := OpenPostgres(context.Background(), dsn, nil)
		require.NoError(t, err)
		for _, table := range []string{"memory_entries", "checkpoints"} {
			_, err := b.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestMySQLBackend(t *testing.T) {
	dsn := os.Getenv("AGENTCTX_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("AGENTCTX_TEST_MYSQL_DSN not set")
	}

	runBackendSuite(t, func(t *testing.T) Backend {
		b, err := OpenMySQL(context.Background(), dsn, nil)
		require.NoError(t, err)
		for _, table := range []string{"memory_entries", "checkpoints"} {
			_, err := b.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestSQLBackend_MySQLUpsert(t *testing.T) {
	b := &SQLBackend{dialect: DialectMySQL}
	stmt := b.upsert(upsertCheckpoint)
	assert.Contains(t, stmt, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, stmt, "state = VALUES(state)")
	assert.NotContains(t, stmt, "excluded.")

	sqlite := &SQLBackend{dialect: DialectSQLite}
	assert.Equal(t, upsertEntry, sqlite.upsert(upsertEntry))
}

func TestOpenMySQL_Validation(t *testing.T) {
	_, err := OpenMySQL(context.Background(), "", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
