// Package pgtest starts throwaway PostgreSQL containers for tests.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image    = "postgres:16-alpine"
	user     = "postgres"
	password = "secret"
	database = "fieldgate"
)

var (
	once      sync.Once
	sharedDSN string
	startErr  error
)

// DSN returns a connection string to a PostgreSQL container shared by every
// test of the package. The test is skipped when FIELDGATE_SKIP_DOCKER is set
// or the container cannot start.
func DSN(t *testing.T) string {
	t.Helper()
	if testing.Short() || os.Getenv("FIELDGATE_SKIP_DOCKER") != "" {
		t.Skip("postgres container tests disabled")
	}
	once.Do(func() {
		sharedDSN, startErr = start(context.Background())
	})
	if startErr != nil {
		t.Skipf("postgres container unavailable: %v", startErr)
	}
	return sharedDSN
}

func start(ctx context.Context) (dsn string, err error) {
	defer func() {
		// testcontainers panics when no docker host is reachable.
		if r := recover(); r != nil {
			err = fmt.Errorf("start container: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        image,
		Env:          map[string]string{"POSTGRES_PASSWORD": password, "POSTGRES_USER": user, "POSTGRES_DB": database},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(90 * time.Second),
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
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), database), nil
}
