// Package testutil starts the backing services used by the persistence and
// task queue integration tests. Each container is started once per test
// binary and reaped by testcontainers when the binary exits.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "durable"
	pgPassword = "durable"
	pgDatabase = "durable_test"

	// Give generous timeout in CI environments
	startTimeout = 3 * time.Minute
)

// sharedContainer lazily starts one container and remembers the endpoint or
// the startup error for every later caller.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (s *sharedContainer) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		s.endpoint, s.err = start(ctx)
	})
	if s.err != nil {
		t.Skipf("container unavailable: %v", s.err)
	}
	return s.endpoint
}

var (
	postgres sharedContainer
	mongo    sharedContainer
	redis    sharedContainer
)

// GetPostgresEndpoint returns a pgx DSN for a shared postgres:16 container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return postgres.get(t, func(ctx context.Context) (string, error) {
		dsn := func(hostPort string) string {
			return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
		}

		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return dsn(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := endpointOf(ctx, c)
		if err != nil {
			return "", err
		}
		return dsn(endpoint), nil
	})
}

// GetMongoURI returns a mongodb:// URI for a shared mongo:7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongo.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := endpointOf(ctx, c)
		if err != nil {
			return "", err
		}
		return "mongodb://" + endpoint, nil
	})
}

// GetRedisAddress returns host:port of a shared redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		return endpointOf(ctx, c)
	})
}

func endpointOf(ctx context.Context, c testcontainers.Container) (string, error) {
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return endpoint, nil
}
