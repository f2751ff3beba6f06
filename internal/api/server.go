// Package api exposes the producer surface: enqueue ledger jobs, inspect
// their status, and read batch state back from the ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"medledger/internal/codec"
	"medledger/internal/config"
	"medledger/internal/ledger"
	"medledger/internal/models"
	"medledger/internal/ratelimit"
	"medledger/internal/store"
	"medledger/internal/telemetry"
)

// LedgerReader is the read-only slice of the ledger client the API uses.
type LedgerReader interface {
	FetchAccount(ctx context.Context, address models.PublicKey) ([]byte, error)
	GetHealth(ctx context.Context) ledger.Health
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   store.Store
	reader  LedgerReader
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, st store.Store, reader LedgerReader, limiter *ratelimit.Limiter, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		reader:  reader,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/batches/{address}", s.handleGetBatch)
	return r
}

type enqueueRequest struct {
	Type            models.JobType  `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	RelatedRecordID string          `json:"related_record_id"`
	MaxAttempts     int             `json:"max_attempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, "unknown job type", http.StatusBadRequest)
		return
	}
	if err := validatePayload(req.Type, req.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), callerFromRequest(r))
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		Type:            req.Type,
		Payload:         req.Payload,
		RelatedRecordID: req.RelatedRecordID,
		MaxAttempts:     req.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("enqueue failed", zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

// validatePayload rejects jobs the worker could never encode, so callers
// learn about malformed requests synchronously instead of via a failed job.
func validatePayload(t models.JobType, raw json.RawMessage) error {
	switch t {
	case models.JobCreateBatch:
		var p models.CreateBatchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.New("invalid create_batch payload")
		}
		if p.BatchID == "" {
			return errors.New("batch_id is required")
		}
		if p.Manufacturer == "" {
			return errors.New("manufacturer is required")
		}
	case models.JobTransferOwnership:
		var p models.TransferOwnershipPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.New("invalid transfer_ownership payload")
		}
		if _, err := models.ParsePublicKey(p.BatchAddress); err != nil {
			return errors.New("batch_address is not a valid address")
		}
		if _, err := models.ParsePublicKey(p.NewOwner); err != nil {
			return errors.New("new_owner is not a valid address")
		}
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetBatch fetches an on-chain batch account and decodes it. A buffer
// that fails to decode is surfaced as 422: the account exists but does not
// hold what a batch account must hold.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	address, err := models.ParsePublicKey(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}

	raw, err := s.reader.FetchAccount(r.Context(), address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Warn("fetch account failed", zap.String("address", address.String()), zap.Error(err))
		http.Error(w, "ledger unavailable", http.StatusBadGateway)
		return
	}

	record, err := codec.DecodeBatchAccount(raw)
	if err != nil {
		var decodeErr *codec.DecodeError
		if errors.As(err, &decodeErr) {
			s.logger.Warn("batch account failed verification",
				zap.String("address", address.String()), zap.Error(err))
			http.Error(w, "account data failed verification", http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.reader.GetHealth(r.Context())
	status := "ok"
	code := http.StatusOK
	if !health.Reachable {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "ledger": health})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
