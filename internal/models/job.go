package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
)

// Terminal reports whether a status can never change again.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// JobType is the closed set of ledger operations a job can carry.
type JobType string

const (
	JobCreateBatch       JobType = "create_batch"
	JobTransferOwnership JobType = "transfer_ownership"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobCreateBatch || t == JobTransferOwnership
}

// DefaultMaxAttempts bounds retries when the caller does not choose.
const DefaultMaxAttempts = 5

// Job is one durable ledger operation: enqueued once, claimed and retried
// by the worker, and eventually resolved to success or failed. Jobs are
// retained after resolution for audit.
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"type"`
	RelatedRecordID string          `json:"related_record_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Status          JobStatus       `json:"status"`
	LastError       *string         `json:"last_error,omitempty"`
	// SubmittedSig and SubmittedAddr are written just before each network
	// submission so that a crashed worker's successor can ask the ledger
	// whether the operation already landed.
	SubmittedSig  string    `json:"submitted_sig,omitempty"`
	SubmittedAddr string    `json:"submitted_addr,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateBatchPayload registers a new batch on the ledger. The manufacturer
// is the base58 public key recorded as the batch's origin.
type CreateBatchPayload struct {
	BatchID      string `json:"batch_id"`
	Manufacturer string `json:"manufacturer"`
}

// TransferOwnershipPayload moves an existing batch to a new owner.
type TransferOwnershipPayload struct {
	BatchAddress string `json:"batch_address"`
	NewOwner     string `json:"new_owner"`
}

// CreateBatch decodes the payload of a create-batch job.
func (j *Job) CreateBatch() (CreateBatchPayload, error) {
	var p CreateBatchPayload
	if j.Type != JobCreateBatch {
		return p, fmt.Errorf("job %s is %s, not %s", j.ID, j.Type, JobCreateBatch)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode create_batch payload: %w", err)
	}
	return p, nil
}

// TransferOwnership decodes the payload of a transfer job.
func (j *Job) TransferOwnership() (TransferOwnershipPayload, error) {
	var p TransferOwnershipPayload
	if j.Type != JobTransferOwnership {
		return p, fmt.Errorf("job %s is %s, not %s", j.ID, j.Type, JobTransferOwnership)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode transfer_ownership payload: %w", err)
	}
	return p, nil
}
