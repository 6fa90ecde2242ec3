package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db Querier
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Lookup(ctx context.Context, endpointID string) (delivery.Endpoint, error) {
	var ep delivery.Endpoint
	err := p.db.QueryRow(ctx,
		`SELECT id, url, secret, active FROM dispatch.endpoints WHERE id = $1`, endpointID,
	).Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Endpoint{}, ErrNotFound
	}
	if err != nil {
		return delivery.Endpoint{}, fmt.Errorf("lookup endpoint %s: %w", endpointID, err)
	}
	return ep, nil
}
