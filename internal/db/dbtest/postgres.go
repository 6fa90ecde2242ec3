// Package dbtest starts a throwaway Postgres with the schema applied, for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/austindbirch/harbor_dispatch/internal/db"
)

// Postgres is a running container with a migrated database.
type Postgres struct {
	DSN       string
	Pool      *pgxpool.Pool
	container testcontainers.Container
}

// Start launches postgres:16-alpine and applies the embedded migrations.
func Start(ctx context.Context) (*Postgres, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "harbordispatch"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	pg := &Postgres{container: container}

	host, err := container.Host(ctx)
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("container port: %w", err)
	}
	pg.DSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/harbordispatch?sslmode=disable", host, port.Port())

	if _, err := db.Migrate(ctx, pg.DSN); err != nil {
		pg.Close(ctx)
		return nil, err
	}
	pool, err := db.ConnectWithRetry(ctx, pg.DSN, 5, nil)
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	pg.Pool = pool
	return pg, nil
}

// Reset empties both tables between tests.
func (p *Postgres) Reset(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `TRUNCATE dispatch.deliveries, dispatch.endpoints`)
	return err
}

func (p *Postgres) Close(ctx context.Context) {
	if p.Pool != nil {
		p.Pool.Close()
	}
	if p.container != nil {
		_ = p.container.Terminate(ctx)
	}
}
