package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

// DBTX is the subset of pgxpool.Pool (or pgx.Tx) the stores use.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var errEmptyPatch = errors.New("empty patch")

const deliveryColumns = `id, endpoint_id, event_type, payload::text, status, attempts,
	response_status, COALESCE(response_body, ''), last_attempt_at, created_at, updated_at`

type Postgres struct {
	db DBTX
}

func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

func scanDelivery(row pgx.Row) (delivery.Delivery, error) {
	var (
		d       delivery.Delivery
		payload string
		status  string
	)
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventType, &payload, &status, &d.Attempts,
		&d.ResponseStatus, &d.ResponseBody, &d.LastAttemptAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return delivery.Delivery{}, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = delivery.Status(status)
	return d, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (delivery.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM dispatch.deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, ErrNotFound
	}
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	return d, nil
}

func (s *Postgres) Create(ctx context.Context, in NewDelivery) (delivery.Delivery, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return delivery.Delivery{}, fmt.Errorf("create delivery %s: payload is not valid json", in.ID)
	}
	d, err := scanDelivery(s.db.QueryRow(ctx, `
		INSERT INTO dispatch.deliveries (id, endpoint_id, event_type, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING `+deliveryColumns,
		in.ID, in.EndpointID, in.EventType, string(in.Payload)))
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("create delivery %s: %w", in.ID, err)
	}
	return d, nil
}

func (s *Postgres) Update(ctx context.Context, id string, p Patch) (bool, error) {
	var (
		sets []string
		args = []any{id}
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Status != "" {
		set("status", string(p.Status))
	}
	if p.Attempts != nil {
		set("attempts", *p.Attempts)
	}
	if p.ResponseStatus != nil {
		set("response_status", *p.ResponseStatus)
	}
	if p.ResponseBody != nil {
		set("response_body", delivery.Truncate(*p.ResponseBody))
	}
	if p.LastAttemptAt != nil {
		set("last_attempt_at", *p.LastAttemptAt)
	}
	if len(sets) == 0 {
		return false, errEmptyPatch
	}

	q := `UPDATE dispatch.deliveries SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	if len(p.From) > 0 {
		args = append(args, statusStrings(p.From))
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update delivery %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE dispatch.deliveries
		SET status = 'processing', last_attempt_at = $2
		WHERE id = $1 AND status = 'pending' AND attempts < $3`,
		id, at, delivery.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListPending(ctx context.Context, limit int) ([]delivery.Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM dispatch.deliveries
		WHERE status = 'pending' AND attempts < $1
		ORDER BY created_at
		LIMIT $2`, delivery.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Postgres) ReleaseStale(ctx context.Context, cutoff time.Time) ([]Released, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE dispatch.deliveries
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    response_status = NULL,
		    response_body = $3
		WHERE status = 'processing'
		  AND COALESCE(last_attempt_at, updated_at) < $1
		RETURNING id, status, attempts`,
		cutoff, delivery.MaxAttempts, AbandonedBody)
	if err != nil {
		return nil, fmt.Errorf("release stale: %w", err)
	}
	defer rows.Close()

	var out []Released
	for rows.Next() {
		var (
			r      Released
			status string
		)
		if err := rows.Scan(&r.ID, &status, &r.Attempts); err != nil {
			return nil, fmt.Errorf("release stale: %w", err)
		}
		r.Status = delivery.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
