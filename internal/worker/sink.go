package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"medledger/internal/models"
)

// Result is the terminal outcome of a job, delivered to the owning record
// system once per job.
type Result struct {
	JobID           string         `json:"job_id"`
	RelatedRecordID string         `json:"related_record_id,omitempty"`
	JobType         models.JobType `json:"job_type"`
	Address         string         `json:"address,omitempty"`
	Signature       string         `json:"signature,omitempty"`
	Err             string         `json:"error,omitempty"`
}

// Succeeded reports whether the job reached the ledger.
func (r Result) Succeeded() bool {
	return r.Err == ""
}

// ResultSink receives terminal job outcomes.
type ResultSink interface {
	Apply(ctx context.Context, res Result) error
}

// NopSink discards results. Used when no callback endpoint is configured.
type NopSink struct{}

func (NopSink) Apply(context.Context, Result) error { return nil }

// WebhookSink POSTs results as JSON to a callback URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Apply(ctx context.Context, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver result for job %s: %w", res.JobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback for job %s returned %d", res.JobID, resp.StatusCode)
	}
	return nil
}
