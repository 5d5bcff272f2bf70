// Package testutil starts shared backing services for integration tests.
// Each container is started once per test binary and reused; all helpers
// skip the calling test under -short.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	postgres sharedContainer
	redis    sharedContainer
	mongo    sharedContainer
)

func (c *sharedContainer) get(t *testing.T, image, port string, strategy wait.Strategy, env map[string]string) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in -short mode", image)
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		opts := []testcontainers.ContainerCustomizer{
			testcontainers.WithExposedPorts(port),
			testcontainers.WithWaitStrategy(strategy),
		}
		if env != nil {
			opts = append(opts, testcontainers.WithEnv(env))
		}

		ctr, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}

		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background()) // best-effort cleanup
			c.err = err
			return
		}
		c.endpoint = endpoint
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", image, c.err)
	}
	return c.endpoint
}

// PostgresDSN returns a DSN for a shared PostgreSQL 16 container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgres.get(t, "postgres:16", "5432/tcp",
		wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			// Postgres logs readiness twice: once for the init server, once for the real one.
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2*time.Minute),
		map[string]string{
			"POSTGRES_USER":     "weft",
			"POSTGRES_PASSWORD": "weft",
			"POSTGRES_DB":       "weft_test",
		},
	)
	return fmt.Sprintf("postgres://weft:weft@%s/weft_test?sslmode=disable", endpoint)
}

// RedisAddress returns host:port of a shared Redis container.
func RedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, "redis:latest", "6379/tcp",
		wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
		nil,
	)
}

// MongoURI returns a connection URI for a shared MongoDB 7 container.
func MongoURI(t *testing.T) string {
	t.Helper()
	endpoint := mongo.get(t, "mongo:7", "27017/tcp",
		wait.ForAll(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
		nil,
	)
	return fmt.Sprintf("mongodb://%s", endpoint)
}
