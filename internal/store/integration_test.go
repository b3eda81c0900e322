package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tvnlabs/chanvisor/internal/store"
)

// container starts req and returns host:port of its single exposed port.
// The test is skipped when no container runtime is available.
func container(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipped in short mode")
	}
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("skipped, %s not started: %v", req.Image, err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})

	addr, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return addr
}

func TestPostgres(t *testing.T) {
	t.Parallel()
	addr := container(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "chanvisor",
			"POSTGRES_PASSWORD": "chanvisor",
			"POSTGRES_DB":       "chanvisor",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	})

	s, err := store.NewPostgres(t.Context(), "postgres://chanvisor:chanvisor@"+addr+"/chanvisor?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testStore(t, s)
}

func TestRedis(t *testing.T) {
	t.Parallel()
	addr := container(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	})

	s, err := store.NewRedis(t.Context(), "redis://"+addr+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testStore(t, s)
}
