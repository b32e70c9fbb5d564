package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:15-alpine"

// SetupTestDB starts a throwaway PostgreSQL container and returns its DSN. The test is skipped
// under -short. The container is terminated when the test ends.
func SetupTestDB(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ready := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
		wait.ForListeningPort(nat.Port("5432/tcp")).
			WithStartupTimeout(time.Minute),
	).WithDeadline(2 * time.Minute)

	container, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("localca_test"),
		postgres.WithUsername("localca"),
		postgres.WithPassword("localca"),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		if err := container.Terminate(stopCtx); err != nil {
			t.Logf("WARN: failed to terminate postgres container: %s", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %s", err)
	}
	return dsn
}
