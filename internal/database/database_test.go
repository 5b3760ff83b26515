package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListMigrationsOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"010_later.sql", "002_second.sql", "001_first.sql", "README.md", "abc_bad.sql"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	got, err := listMigrations(dir)
	require.NoError(t, err)
	assert.Equal(t, []migration{
		{version: 1, name: "001_first.sql"},
		{version: 2, name: "002_second.sql"},
		{version: 10, name: "010_later.sql"},
	}, got)
}

func TestListMigrationsMissingDir(t *testing.T) {
	_, err := listMigrations(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestRunMigrationsIntegration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, RunMigrations(ctx, pool, filepath.Join("..", "..", "migrations")))
	// Second run is a no-op.
	require.NoError(t, RunMigrations(ctx, pool, filepath.Join("..", "..", "migrations")))
}

func TestNewRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
