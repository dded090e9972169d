//go:build integration

// Package pgtestutil spins up a throwaway Postgres instance via
// testcontainers-go for the Store's integration tests. It is only compiled
// under the "integration" build tag, the same way the teacher gates tests
// that need a live bitcoind/lnd instance.
package pgtestutil

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"gitlab.com/arcanecrypto/paykit/config"
	"gitlab.com/arcanecrypto/paykit/internal/platform/db"
)

const (
	image    = "postgres:16-alpine"
	user     = "paykit"
	password = "paykit"
	dbName   = "paykit_test"
)

// Postgres is a running Postgres container plus an open connection to it.
type Postgres struct {
	container testcontainers.Container
	DB        *sqlx.DB
}

// Start launches a Postgres container, applies the store's migrations
// against it, and returns a ready connection. The caller should defer
// Stop(t).
func Start(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       dbName,
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
		t.Fatalf("pgtestutil: could not start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("pgtestutil: could not get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("pgtestutil: could not get mapped port: %v", err)
	}

	cfg := config.DatabaseConfig{
		User:     user,
		Password: password,
		Host:     host,
		Port:     port.Int(),
		Name:     dbName,
	}

	conn, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("pgtestutil: could not open connection: %v", err)
	}

	migrationsPath := path.Join("file://", db.MigrationsPath)
	if err := db.MigrateUp(migrationsPath, conn); err != nil && err.Error() != "no change" {
		t.Fatalf("pgtestutil: could not apply migrations: %v", err)
	}

	return &Postgres{container: container, DB: conn}
}

// Stop terminates the container and closes the connection.
func (p *Postgres) Stop(t *testing.T) {
	t.Helper()
	if p.DB != nil {
		_ = p.DB.Close()
	}
	if p.container != nil {
		if err := p.container.Terminate(context.Background()); err != nil {
			t.Logf("pgtestutil: warning: failed to terminate container: %v", err)
		}
	}
}
