// Package testutil provides test helpers: a disposable PostgreSQL server and
// a websocket client for gateway tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/storage/postgres"
)

const pgImage = "postgres:16-alpine"

// tables lists every table the adapter owns, children first.
var tables = "auction_bidders, auctions, players, users"

// PostgresContainer is a migrated PostgreSQL server private to one test.
type PostgresContainer struct {
	Config config.PostgresConfig
	admin  *postgres.Pool
}

// NewPostgresContainer starts PostgreSQL, applies the adapter migrations,
// and registers cleanup. The test is skipped under -short or when Docker is
// unavailable.
//
// Postcondition: The schema is at the latest version.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()
	start := time.Now()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "hw",
				"POSTGRES_PASSWORD": "hw",
				"POSTGRES_DB":       "hw_test",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(45 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}
	cfg := config.PostgresConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "hw",
		Password:        "hw",
		Name:            "hw_test",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}

	res, err := postgres.Migrate(cfg.DSN(), postgres.DirectionUp, 0)
	if err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	admin, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}
	t.Cleanup(admin.Close)

	t.Logf("postgres ready at schema version %d [%s]", res.Version, time.Since(start))
	return &PostgresContainer{Config: cfg, admin: admin}
}

// DSN returns the connection string for the test database.
func (pc *PostgresContainer) DSN() string {
	return pc.Config.DSN()
}

// FreshStore empties every table and returns a Store on its own pool.
func (pc *PostgresContainer) FreshStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	if _, err := pc.admin.DB().Exec(ctx, "TRUNCATE "+tables); err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
	pool, err := postgres.NewPool(ctx, pc.Config)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}
	s := postgres.NewStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
