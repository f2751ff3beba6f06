// Package store provides durable, crash-safe persistence for ledger jobs.
// The atomic claim in ClaimNext is the only cross-worker coordination point
// in the subsystem: two workers polling the same store can never both hold
// the same job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"medledger/internal/models"
)

// ErrNoEligibleJob is returned by ClaimNext when nothing is ready to run.
var ErrNoEligibleJob = errors.New("no eligible job")

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// EnqueueParams collects the inputs for a new job.
type EnqueueParams struct {
	Type            models.JobType
	Payload         json.RawMessage
	RelatedRecordID string
	MaxAttempts     int
}

// Store is the durable job queue. Implementations must be safe for
// concurrent use from multiple worker processes.
type Store interface {
	// Enqueue persists a new pending job with attempts=0 and
	// next_attempt_at=now, applying DefaultMaxAttempts when unset.
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)

	// ClaimNext atomically selects the oldest pending job whose
	// next_attempt_at is at or before now, transitions it to running, and
	// returns it. Returns ErrNoEligibleJob when nothing qualifies.
	ClaimNext(ctx context.Context, now time.Time) (models.Job, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// RecordSubmission persists the signature and target address of an
	// imminent network submission, before the bytes go out.
	RecordSubmission(ctx context.Context, id, signature, address string) error

	// RecordSuccess terminalizes a running job as success and clears the
	// last error.
	RecordSuccess(ctx context.Context, id string) error

	// RecordFailure increments attempts; if the budget is exhausted the job
	// terminalizes as failed, otherwise it returns to pending with
	// next_attempt_at pushed out by backoff. The updated job is returned so
	// callers can see which way it went.
	RecordFailure(ctx context.Context, id, errMsg string, backoff time.Duration) (models.Job, error)

	// MarkFailed terminalizes a running job immediately, bypassing the
	// retry budget. Used for deterministic rejections.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// Requeue returns a running job to pending without consuming an
	// attempt. Used when a worker crash, not the ledger, interrupted it.
	Requeue(ctx context.Context, id string) error

	// ReclaimOrphans lists running jobs untouched since the cutoff,
	// left behind by workers that died mid-flight.
	ReclaimOrphans(ctx context.Context, stuckSince time.Time) ([]models.Job, error)

	// PendingDepth counts pending jobs, for telemetry.
	PendingDepth(ctx context.Context) (int64, error)

	Close() error
}
