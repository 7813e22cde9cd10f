//go:build integration

package notifications

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aslanahmtv/notification-service/internal/db"
)

var (
	pgOnce    sync.Once
	pgDSN     string
	pgInitErr error
)

// setupTestPool starts one PostgreSQL container for the whole run, applies
// the embedded migrations, and returns a pool closed via t.Cleanup.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	pgOnce.Do(func() {
		pgDSN, pgInitErr = startPostgres()
	})
	if pgInitErr != nil {
		t.Fatalf("failed to set up test database: %v", pgInitErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, pgDSN)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func startPostgres() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "notifications",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("get mapped port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/notifications?sslmode=disable", host, port.Port())
	if err := db.RunMigrations(dsn); err != nil {
		return "", fmt.Errorf("migrate: %w", err)
	}
	return dsn, nil
}

func TestPostgresStore(t *testing.T) {
	pool := setupTestPool(t)
	runStoreContract(t, func(t *testing.T) Store { return NewPostgresStore(pool) })
}
