//go:build integration

// Package testdb starts a disposable PostgreSQL container with the schema
// migrated, for repository integration tests.
package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coverflow-ai/coverflow/internal/database"
)

// Start returns a pool connected to a fresh database. The container is
// terminated when the test ends.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "coverflow_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("reading container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("reading container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/coverflow_test?sslmode=disable", host, port.Port())
	if err := database.RunMigrations(dsn, migrationsPath(t)); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func migrationsPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"../../migrations", "../../../migrations"} {
		if _, err := os.Stat(p); err == nil {
			abs, err := filepath.Abs(p)
			if err != nil {
				t.Fatalf("resolving migrations path: %v", err)
			}
			return abs
		}
	}
	t.Fatal("migrations directory not found")
	return ""
}
