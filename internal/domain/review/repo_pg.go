package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialguard/trialguard/internal/platform/db"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type submissionRepoPG struct{ pool *pgxpool.Pool }

func NewSubmissionRepoPG(pool *pgxpool.Pool) Repository {
	return &submissionRepoPG{pool: pool}
}

func (r *submissionRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const submissionCols = `id, trial_id, hospital_id, state, target_sample_size, current_records,
	over_collected, records, content_hash, hash_version, summary, verdicts, summary_ref,
	anchor_status, transaction_id, version, created_by, created_at, updated_at`

type submissionJSON struct {
	records, summary, verdicts []byte
}

func encodeSubmission(s *Submission) (submissionJSON, error) {
	var out submissionJSON
	var err error
	if out.records, err = json.Marshal(s.Records); err != nil {
		return out, fmt.Errorf("encode records: %w", err)
	}
	if s.Summary != nil {
		if out.summary, err = json.Marshal(s.Summary); err != nil {
			return out, fmt.Errorf("encode summary: %w", err)
		}
	}
	if out.verdicts, err = json.Marshal(s.Verdicts); err != nil {
		return out, fmt.Errorf("encode verdicts: %w", err)
	}
	return out, nil
}

func (r *submissionRepoPG) scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	var j submissionJSON
	err := row.Scan(&s.ID, &s.TrialID, &s.HospitalID, &s.State, &s.TargetSampleSize, &s.CurrentRecords,
		&s.OverCollected, &j.records, &s.ContentHash, &s.HashVersion, &j.summary, &j.verdicts, &s.SummaryRef,
		&s.AnchorStatus, &s.TransactionID, &s.Version, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(j.records) > 0 {
		if err := json.Unmarshal(j.records, &s.Records); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
	}
	if len(j.summary) > 0 {
		if err := json.Unmarshal(j.summary, &s.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	if len(j.verdicts) > 0 {
		if err := json.Unmarshal(j.verdicts, &s.Verdicts); err != nil {
			return nil, fmt.Errorf("decode verdicts: %w", err)
		}
	}
	return &s, nil
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission, trail ...*Transition) error {
	j, err := encodeSubmission(s)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `INSERT INTO submission (`+submissionCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			s.ID, s.TrialID, s.HospitalID, s.State, s.TargetSampleSize, s.CurrentRecords,
			s.OverCollected, j.records, s.ContentHash, s.HashVersion, j.summary, j.verdicts, s.SummaryRef,
			s.AnchorStatus, s.TransactionID, s.Version, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return err
		}
		return r.appendTrail(ctx, trail)
	})
}

func (r *submissionRepoPG) Get(ctx context.Context, id uuid.UUID) (*Submission, error) {
	s, err := r.scanSubmission(r.conn(ctx).QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submission WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "submission %s not found", id)
	}
	return s, err
}

func (r *submissionRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Submission, int, error) {
	where := ` WHERE ($1 = '' OR state = $1) AND ($2 = '' OR trial_id = $2) AND ($3 = '' OR hospital_id = $3)`
	args := []interface{}{string(f.State), f.TrialID, f.HospitalID}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM submission`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+submissionCols+` FROM submission`+where+
		` ORDER BY created_at DESC, id LIMIT $4 OFFSET $5`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Submission
	for rows.Next() {
		s, err := r.scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *submissionRepoPG) Update(ctx context.Context, s *Submission, expectedVersion int, trail ...*Transition) error {
	j, err := encodeSubmission(s)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE submission SET state = $3, target_sample_size = $4, current_records = $5,
				over_collected = $6, records = $7, content_hash = $8, hash_version = $9, summary = $10,
				verdicts = $11, summary_ref = $12, anchor_status = $13, transaction_id = $14,
				version = $15, updated_at = $16
			WHERE id = $1 AND version = $2`,
			s.ID, expectedVersion, s.State, s.TargetSampleSize, s.CurrentRecords,
			s.OverCollected, j.records, s.ContentHash, s.HashVersion, j.summary,
			j.verdicts, s.SummaryRef, s.AnchorStatus, s.TransactionID,
			s.Version, s.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.conn(ctx).QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM submission WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return apperr.New(apperr.KindNotFound, "submission %s not found", s.ID)
			}
			return apperr.New(apperr.KindConcurrentModification,
				"submission %s is no longer at version %d", s.ID, expectedVersion)
		}
		return r.appendTrail(ctx, trail)
	})
}

func (r *submissionRepoPG) appendTrail(ctx context.Context, trail []*Transition) error {
	for _, t := range trail {
		evidence, err := json.Marshal(t.Evidence)
		if err != nil {
			return fmt.Errorf("encode evidence: %w", err)
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO audit_entry (id, submission_id, from_state, to_state, actor_id, actor_role,
				reason, evidence, version, at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			t.ID, t.SubmissionID, t.From, t.To, t.ActorID, t.ActorRole,
			t.Reason, evidence, t.Version, t.At)
		if err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
	}
	return nil
}

func (r *submissionRepoPG) History(ctx context.Context, id uuid.UUID) ([]*Transition, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, submission_id, from_state, to_state, actor_id, actor_role, reason, evidence, version, at
		FROM audit_entry WHERE submission_id = $1 ORDER BY version, at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Transition
	for rows.Next() {
		var t Transition
		var evidence []byte
		if err := rows.Scan(&t.ID, &t.SubmissionID, &t.From, &t.To, &t.ActorID, &t.ActorRole,
			&t.Reason, &evidence, &t.Version, &t.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(evidence, &t.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
