package valuelists

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestPool(t *testing.T) *pgxpool.Pool {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("telhawk_detection_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrationSQL, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(migrationSQL))
	require.NoError(t, err)

	return pool
}

func TestPostgres_Membership(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO list_items (list_id, type, value) VALUES
		('scanners', 'ip', '10.0.0.1'),
		('scanners', 'ip', '10.0.0.2'),
		('scanners', 'keyword', 'nmap')
	`)
	require.NoError(t, err)

	lists := NewPostgres(pool)

	ok, err := lists.IsMember(ctx, "scanners", "ip", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lists.IsMember(ctx, "scanners", "ip", "nmap")
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := lists.AreMembers(ctx, "scanners", "ip", []string{"10.0.0.2", "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"10.0.0.2": true}, found)
}
