package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"medledger/internal/models"
)

// PostgresStore persists jobs in Postgres via pgxpool. Claim exclusivity
// rides on FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const jobColumns = `id, type, related_record_id, payload, attempts, max_attempts, status, last_error, submitted_sig, submitted_addr, next_attempt_at, created_at, updated_at`

func (s *PostgresStore) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_jobs (id, type, related_record_id, payload, attempts, max_attempts, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7, $7)
	`, id, p.Type, p.RelatedRecordID, []byte(p.Payload), p.MaxAttempts, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:              id,
		Type:            p.Type,
		RelatedRecordID: p.RelatedRecordID,
		Payload:         p.Payload,
		Attempts:        0,
		MaxAttempts:     p.MaxAttempts,
		Status:          models.StatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ClaimNext is the correctness-critical operation: a single conditional
// UPDATE whose subselect skips rows other transactions already locked, so
// concurrent workers each get a distinct job or none.
func (s *PostgresStore) ClaimNext(ctx context.Context, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ledger_jobs SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM ledger_jobs
			WHERE status = $2 AND next_attempt_at <= $3
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, models.StatusRunning, models.StatusPending, now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNoEligibleJob
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ledger_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) RecordSubmission(ctx context.Context, id, signature, address string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs SET submitted_sig = $2, submitted_addr = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, signature, address, models.StatusRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record submission for %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusSuccess, models.StatusRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record success for %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordFailure bumps attempts and either reschedules or terminalizes in
// one statement, so the attempts/status pair can never be seen half-updated.
func (s *PostgresStore) RecordFailure(ctx context.Context, id, errMsg string, backoff time.Duration) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ledger_jobs SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE $3 END,
			next_attempt_at = NOW() + $4,
			last_error = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING `+jobColumns,
		id, models.StatusFailed, models.StatusPending, backoff, errMsg, models.StatusRunning)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("record failure for %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("record failure: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed for %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs SET status = $2, next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusRunning)
	return err
}

func (s *PostgresStore) ReclaimOrphans(ctx context.Context, stuckSince time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM ledger_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`, models.StatusRunning, stuckSince)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload []byte
	var related, lastErr, sig, addr pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &related, &payload, &job.Attempts, &job.MaxAttempts,
		&job.Status, &lastErr, &sig, &addr, &job.NextAttemptAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	job.RelatedRecordID = textOrEmpty(related)
	job.LastError = textPtr(lastErr)
	job.SubmittedSig = textOrEmpty(sig)
	job.SubmittedAddr = textOrEmpty(addr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
