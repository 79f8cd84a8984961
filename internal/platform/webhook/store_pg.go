package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialguard/trialguard/internal/platform/db"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const endpointCols = `id, url, secret, events, owner, status, created_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var ep Endpoint
	if err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Events, &ep.Owner, &ep.Status, &ep.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ep, nil
}

func (s *pgStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_endpoint (`+endpointCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ep.ID, ep.URL, ep.Secret, ep.Events, ep.Owner, ep.Status, ep.CreatedAt)
	return err
}

func (s *pgStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	return scanEndpoint(s.conn(ctx).QueryRow(ctx, `SELECT `+endpointCols+` FROM webhook_endpoint WHERE id = $1`, id))
}

func (s *pgStore) ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM webhook_endpoint`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+endpointCols+` FROM webhook_endpoint
		ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ep)
	}
	return items, total, rows.Err()
}

func (s *pgStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE webhook_endpoint SET url = $2, events = $3, status = $4 WHERE id = $1`,
		ep.ID, ep.URL, ep.Events, ep.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM webhook_endpoint WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_delivery (id, endpoint_id, event_id, event_type, status_code,
			response_body, duration_ms, attempts, status, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.EndpointID, d.EventID, d.EventType, d.StatusCode,
		d.ResponseBody, d.Duration.Milliseconds(), d.Attempts, d.Status, d.Error, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

func (s *pgStore) ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_delivery WHERE endpoint_id = $1`, endpointID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, endpoint_id, event_id, event_type, status_code, response_body,
			duration_ms, attempts, status, error, created_at
		FROM webhook_delivery WHERE endpoint_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, endpointID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Delivery
	for rows.Next() {
		var d Delivery
		var ms int64
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.EventType, &d.StatusCode, &d.ResponseBody,
			&ms, &d.Attempts, &d.Status, &d.Error, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		d.Duration = msToDuration(ms)
		items = append(items, &d)
	}
	return items, total, rows.Err()
}
