// Package worker drives the ledger submission loop: claim a job, build and
// submit its transaction, and record the outcome. Deterministic failures
// terminalize immediately; transient ones retry with exponential back-off.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"medledger/internal/codec"
	"medledger/internal/config"
	"medledger/internal/ledger"
	"medledger/internal/models"
	"medledger/internal/store"
	"medledger/internal/telemetry"
)

// LedgerClient is the slice of the ledger client the processor needs.
type LedgerClient interface {
	Prepare(ctx context.Context, data []byte, signers []*ledger.Signer, accounts []ledger.AccountMeta) (*ledger.PreparedTx, error)
	Send(ctx context.Context, tx *ledger.PreparedTx) error
	SignatureStatus(ctx context.Context, signature string) (bool, error)
	Signer() *ledger.Signer
}

// Processor is the worker execution loop.
type Processor struct {
	cfg    config.Config
	store  store.Store
	client LedgerClient
	sink   ResultSink
	logger *zap.Logger
}

func NewProcessor(cfg config.Config, st store.Store, client LedgerClient, sink ResultSink, logger *zap.Logger) *Processor {
	if sink == nil {
		sink = NopSink{}
	}
	return &Processor{cfg: cfg, store: st, client: client, sink: sink, logger: logger}
}

// Run polls the store until context cancellation. Each iteration first
// reconciles orphaned jobs, then claims and processes at most one job.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.reclaimOrphans(ctx)

		if depth, err := p.store.PendingDepth(ctx); err == nil {
			telemetry.PendingDepth.Set(float64(depth))
		}

		job, err := p.store.ClaimNext(ctx, time.Now())
		if err != nil {
			if !errors.Is(err, store.ErrNoEligibleJob) {
				p.logger.Warn("claim failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.processOne(ctx, job)
	}
}

// processOne runs a single claimed job to an outcome. A panic in job
// handling terminalizes the job instead of killing the loop.
func (p *Processor) processOne(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic processing job", zap.String("job_id", job.ID), zap.Any("panic", r))
			p.terminalize(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts+1),
	)

	start := time.Now()
	address, signature, err := p.submit(ctx, job)
	telemetry.SubmitLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		logger.Info("job confirmed", zap.String("signature", signature), zap.String("address", address))
		if err := p.store.RecordSuccess(ctx, job.ID); err != nil {
			logger.Error("record success failed", zap.Error(err))
			return
		}
		telemetry.JobsSucceeded.Inc()
		p.deliver(ctx, Result{
			JobID:           job.ID,
			RelatedRecordID: job.RelatedRecordID,
			JobType:         job.Type,
			Address:         address,
			Signature:       signature,
		})
		return
	}

	// Only transient submission failures are worth another attempt. Encode
	// errors, malformed payloads, and program rejections are deterministic:
	// the same bytes would fail the same way tomorrow.
	if !ledger.IsTransient(err) {
		logger.Warn("job rejected", zap.Error(err))
		p.terminalize(ctx, job, err.Error())
		return
	}

	// The delay is computed from the attempt count after this failure is
	// counted: the first failure waits 2x the base, the second 4x, and so on.
	backoff := backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffMax, job.Attempts+1)
	updated, rfErr := p.store.RecordFailure(ctx, job.ID, err.Error(), backoff)
	if rfErr != nil {
		logger.Error("record failure failed", zap.Error(rfErr))
		return
	}
	if updated.Status.Terminal() {
		logger.Warn("retry budget exhausted", zap.Int("attempts", updated.Attempts), zap.Error(err))
		telemetry.JobsFailed.Inc()
		p.deliver(ctx, Result{
			JobID:           job.ID,
			RelatedRecordID: job.RelatedRecordID,
			JobType:         job.Type,
			Err:             err.Error(),
		})
		return
	}
	logger.Info("transient failure, retry scheduled",
		zap.Duration("backoff", backoff),
		zap.Int("attempts", updated.Attempts),
		zap.Error(err))
	telemetry.JobsRetried.Inc()
}

// submit builds the instruction for the job and runs one submission attempt.
// The signature and target address are persisted before the bytes go out, so
// a crash mid-flight leaves enough behind to reconcile.
func (p *Processor) submit(ctx context.Context, job models.Job) (address, signature string, err error) {
	var (
		data     []byte
		signers  []*ledger.Signer
		accounts []ledger.AccountMeta
	)
	feePayer := p.client.Signer()

	switch job.Type {
	case models.JobCreateBatch:
		payload, perr := job.CreateBatch()
		if perr != nil {
			return "", "", perr
		}
		data, err = codec.EncodeCreateBatch(payload.BatchID, payload.Manufacturer)
		if err != nil {
			return "", "", err
		}
		batchSigner, gerr := ledger.GenerateSigner()
		if gerr != nil {
			return "", "", fmt.Errorf("generate batch keypair: %w", gerr)
		}
		address = batchSigner.Address()
		signers = []*ledger.Signer{feePayer, batchSigner}
		accounts = []ledger.AccountMeta{
			{Pubkey: feePayer.PublicKey(), IsSigner: true, IsWritable: true},
			{Pubkey: batchSigner.PublicKey(), IsSigner: true, IsWritable: true},
			{Pubkey: ledger.SystemProgramID},
			{Pubkey: ledger.RentSysvarID},
		}

	case models.JobTransferOwnership:
		payload, perr := job.TransferOwnership()
		if perr != nil {
			return "", "", perr
		}
		batchKey, perr := models.ParsePublicKey(payload.BatchAddress)
		if perr != nil {
			return "", "", fmt.Errorf("parse batch address: %w", perr)
		}
		newOwner, perr := models.ParsePublicKey(payload.NewOwner)
		if perr != nil {
			return "", "", fmt.Errorf("parse new owner: %w", perr)
		}
		data, err = codec.EncodeTransferOwnership(newOwner)
		if err != nil {
			return "", "", err
		}
		address = payload.BatchAddress
		signers = []*ledger.Signer{feePayer}
		accounts = []ledger.AccountMeta{
			{Pubkey: feePayer.PublicKey(), IsSigner: true, IsWritable: true},
			{Pubkey: batchKey, IsWritable: true},
		}

	default:
		return "", "", fmt.Errorf("unknown job type %q", job.Type)
	}

	tx, err := p.client.Prepare(ctx, data, signers, accounts)
	if err != nil {
		return "", "", err
	}
	if err := p.store.RecordSubmission(ctx, job.ID, tx.Signature, address); err != nil {
		return "", "", fmt.Errorf("record submission: %w", err)
	}
	if err := p.client.Send(ctx, tx); err != nil {
		return "", "", err
	}
	return address, tx.Signature, nil
}

// reclaimOrphans reconciles running jobs abandoned by dead workers. A job
// with a persisted signature may have landed, so the ledger is asked before
// deciding; one without never left the building and goes straight back to
// pending.
func (p *Processor) reclaimOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.OrphanAfter)
	orphans, err := p.store.ReclaimOrphans(ctx, cutoff)
	if err != nil {
		p.logger.Warn("list orphans failed", zap.Error(err))
		return
	}

	for _, job := range orphans {
		logger := p.logger.With(zap.String("job_id", job.ID))
		telemetry.JobsReclaimed.Inc()

		if job.SubmittedSig == "" {
			if err := p.store.Requeue(ctx, job.ID); err != nil {
				logger.Warn("requeue orphan failed", zap.Error(err))
			}
			continue
		}

		confirmed, err := p.client.SignatureStatus(ctx, job.SubmittedSig)
		switch {
		case err == nil && confirmed:
			logger.Info("orphan landed on ledger, recording success",
				zap.String("signature", job.SubmittedSig))
			if err := p.store.RecordSuccess(ctx, job.ID); err != nil {
				logger.Warn("record orphan success failed", zap.Error(err))
				continue
			}
			telemetry.JobsSucceeded.Inc()
			p.deliver(ctx, Result{
				JobID:           job.ID,
				RelatedRecordID: job.RelatedRecordID,
				JobType:         job.Type,
				Address:         job.SubmittedAddr,
				Signature:       job.SubmittedSig,
			})
		case ledger.IsRejected(err):
			logger.Warn("orphan rejected on ledger", zap.Error(err))
			p.terminalize(ctx, job, err.Error())
		case err != nil:
			// Ledger unreachable; leave the job running and try again on a
			// later sweep.
			logger.Warn("orphan status check failed", zap.Error(err))
		default:
			// Never landed. Back to pending without consuming an attempt.
			if err := p.store.Requeue(ctx, job.ID); err != nil {
				logger.Warn("requeue orphan failed", zap.Error(err))
			}
		}
	}
}

// terminalize marks a job failed outside the retry budget and delivers the
// terminal result.
func (p *Processor) terminalize(ctx context.Context, job models.Job, reason string) {
	if err := p.store.MarkFailed(ctx, job.ID, reason); err != nil {
		p.logger.Error("mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.JobsFailed.Inc()
	p.deliver(ctx, Result{
		JobID:           job.ID,
		RelatedRecordID: job.RelatedRecordID,
		JobType:         job.Type,
		Err:             reason,
	})
}

// deliver pushes a terminal result to the sink. Delivery is best-effort:
// the job's status is already durable, so a sink hiccup is logged, not
// retried.
func (p *Processor) deliver(ctx context.Context, res Result) {
	if err := p.sink.Apply(ctx, res); err != nil {
		p.logger.Warn("result delivery failed", zap.String("job_id", res.JobID), zap.Error(err))
	}
}

// backoffDelay is base * 2^attempts capped at max, where attempts is the
// count including the failure being recorded.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if d > max || d <= 0 {
		return max
	}
	return d
}
