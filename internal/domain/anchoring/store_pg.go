package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialguard/trialguard/internal/platform/db"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) ReceiptStore {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const receiptCols = `content_hash, transaction_id, block_reference, confirmed_at, confirmation_count,
	status, metadata, attempts, last_error, submitted_at, updated_at`

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	var meta []byte
	err := row.Scan(&r.ContentHash, &r.TransactionID, &r.BlockReference, &r.ConfirmedAt, &r.ConfirmationCount,
		&r.Status, &meta, &r.Attempts, &r.LastError, &r.SubmittedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode receipt metadata: %w", err)
	}
	return &r, nil
}

func (s *pgStore) Get(ctx context.Context, contentHash string) (*Receipt, error) {
	r, err := scanReceipt(s.conn(ctx).QueryRow(ctx,
		`SELECT `+receiptCols+` FROM anchor_receipt WHERE content_hash = $1`, contentHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "no receipt for %s", contentHash)
	}
	return r, err
}

func (s *pgStore) Put(ctx context.Context, r *Receipt) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode receipt metadata: %w", err)
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO anchor_receipt (`+receiptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (content_hash) DO UPDATE SET
			transaction_id = EXCLUDED.transaction_id,
			block_reference = EXCLUDED.block_reference,
			confirmed_at = EXCLUDED.confirmed_at,
			confirmation_count = EXCLUDED.confirmation_count,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		r.ContentHash, r.TransactionID, r.BlockReference, r.ConfirmedAt, r.ConfirmationCount,
		r.Status, meta, r.Attempts, r.LastError, r.SubmittedAt, r.UpdatedAt)
	return err
}

func (s *pgStore) ListPending(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+receiptCols+` FROM anchor_receipt
		WHERE status = $1 ORDER BY submitted_at, content_hash LIMIT $2`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
