package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"medledger/internal/config"
	"medledger/internal/ledger"
	"medledger/internal/models"
	"medledger/internal/store"
)

type stubClient struct {
	signer     *ledger.Signer
	prepareErr error
	sendErr    error
	confirmed  bool
	statusErr  error
	prepared   int
	sent       int
}

func (c *stubClient) Prepare(ctx context.Context, data []byte, signers []*ledger.Signer, accounts []ledger.AccountMeta) (*ledger.PreparedTx, error) {
	c.prepared++
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	return &ledger.PreparedTx{Signature: fmt.Sprintf("sig-%d", c.prepared)}, nil
}

func (c *stubClient) Send(ctx context.Context, tx *ledger.PreparedTx) error {
	c.sent++
	return c.sendErr
}

func (c *stubClient) SignatureStatus(ctx context.Context, signature string) (bool, error) {
	return c.confirmed, c.statusErr
}

func (c *stubClient) Signer() *ledger.Signer { return c.signer }

type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) Apply(ctx context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *recordingSink) all() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		BackoffBase:        time.Minute,
		BackoffMax:         time.Hour,
		OrphanAfter:        5 * time.Minute,
	}
}

func newTestProcessor(t *testing.T, client *stubClient) (*Processor, store.Store, *recordingSink) {
	t.Helper()
	st, err := store.NewBadgerInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if client.signer == nil {
		signer, err := ledger.GenerateSigner()
		if err != nil {
			t.Fatalf("generate signer: %v", err)
		}
		client.signer = signer
	}

	sink := &recordingSink{}
	return NewProcessor(testConfig(), st, client, sink, zap.NewNop()), st, sink
}

func enqueueCreateBatch(t *testing.T, st store.Store, maxAttempts int) models.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), store.EnqueueParams{
		Type:            models.JobCreateBatch,
		Payload:         json.RawMessage(`{"batch_id":"BATCH-7","manufacturer":"Acme Pharma"}`),
		RelatedRecordID: "rec-7",
		MaxAttempts:     maxAttempts,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func claim(t *testing.T, st store.Store, at time.Time) models.Job {
	t.Helper()
	job, err := st.ClaimNext(context.Background(), at)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestProcessCreateBatchSuccess(t *testing.T) {
	client := &stubClient{}
	p, st, sink := newTestProcessor(t, client)
	ctx := context.Background()

	enqueueCreateBatch(t, st, 3)
	p.processOne(ctx, claim(t, st, time.Now()))

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("sink received %d results, want 1", len(results))
	}
	res := results[0]
	if !res.Succeeded() {
		t.Fatalf("result not successful: %+v", res)
	}
	if res.RelatedRecordID != "rec-7" {
		t.Errorf("related record = %q, want rec-7", res.RelatedRecordID)
	}
	if res.Address == "" {
		t.Error("result missing batch account address")
	}
	if res.Signature != "sig-1" {
		t.Errorf("signature = %q, want sig-1", res.Signature)
	}

	got, err := st.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (success on first try)", got.Attempts)
	}
	if got.SubmittedSig != "sig-1" || got.SubmittedAddr != res.Address {
		t.Errorf("submission record sig=%q addr=%q, want sig-1/%q", got.SubmittedSig, got.SubmittedAddr, res.Address)
	}
}

func TestProcessTransferOwnershipSuccess(t *testing.T) {
	client := &stubClient{}
	p, st, sink := newTestProcessor(t, client)
	ctx := context.Background()

	owner, err := ledger.GenerateSigner()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	batch, err := ledger.GenerateSigner()
	if err != nil {
		t.Fatalf("generate batch: %v", err)
	}
	payload, _ := json.Marshal(models.TransferOwnershipPayload{
		BatchAddress: batch.Address(),
		NewOwner:     owner.Address(),
	})
	if _, err := st.Enqueue(ctx, store.EnqueueParams{
		Type:    models.JobTransferOwnership,
		Payload: payload,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.processOne(ctx, claim(t, st, time.Now()))

	results := sink.all()
	if len(results) != 1 || !results[0].Succeeded() {
		t.Fatalf("results = %+v, want one success", results)
	}
	if results[0].Address != batch.Address() {
		t.Errorf("address = %q, want batch address %q", results[0].Address, batch.Address())
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	client := &stubClient{sendErr: &ledger.SubmitError{Transient: true, Msg: "rpc timeout"}}
	p, st, sink := newTestProcessor(t, client)
	ctx := context.Background()

	job := enqueueCreateBatch(t, st, 3)
	p.processOne(ctx, claim(t, st, time.Now()))

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending (retry scheduled)", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	// First failure counts as attempt 1, so the schedule is 2x the base:
	// two minutes out, not one.
	delay := got.NextAttemptAt.Sub(got.UpdatedAt)
	if delay != 2*time.Minute {
		t.Errorf("first-failure back-off = %v, want 2m", delay)
	}
	if len(sink.all()) != 0 {
		t.Errorf("sink received %d results before a terminal outcome", len(sink.all()))
	}
}

func TestTransientFailuresExhaustBudget(t *testing.T) {
	client := &stubClient{sendErr: &ledger.SubmitError{Transient: true, Msg: "rpc timeout"}}
	p, st, sink := newTestProcessor(t, client)
	ctx := context.Background()

	job := enqueueCreateBatch(t, st, 3)
	at := time.Now()
	var lastDelay time.Duration
	for i := 0; i < 3; i++ {
		p.processOne(ctx, claim(t, st, at))
		at = at.Add(24 * time.Hour) // jump past any back-off

		cur, err := st.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if cur.Status == models.StatusPending {
			// Back-off must not shrink between consecutive failures.
			delay := cur.NextAttemptAt.Sub(cur.UpdatedAt)
			if delay < lastDelay {
				t.Errorf("attempt %d back-off %v shrank below %v", cur.Attempts, delay, lastDelay)
			}
			lastDelay = delay
		}
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("sink received %d results, want exactly 1 terminal result", len(results))
	}
	if results[0].Succeeded() {
		t.Errorf("terminal result should carry the error: %+v", results[0])
	}

	if _, err := st.ClaimNext(ctx, at.Add(24*time.Hour)); !errors.Is(err, store.ErrNoEligibleJob) {
		t.Errorf("failed job still claimable, err = %v", err)
	}
}

func TestRejectedFailsImmediately(t *testing.T) {
	client := &stubClient{sendErr: &ledger.SubmitError{Code: 42, Msg: "custom program error"}}
	p, st, sink := newTestProcessor(t, client)
	ctx := context.Background()

	job := enqueueCreateBatch(t, st, 5)
	p.processOne(ctx, claim(t, st, time.Now()))

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed (rejection bypasses retry budget)", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if client.sent != 1 {
		t.Errorf("sent %d transactions, want 1", client.sent)
	}
	results := sink.all()
	if len(results) != 1 || results[0].Succeeded() {
		t.Fatalf("results = %+v, want one failure", results)
	}
}

func TestMalformedPayloadFailsImmediately(t *testing.T) {
	client := &stubClient{}
	p, st, sink := newTestProcessor(t, client)
	ctx := context.Background()

	job, err := st.Enqueue(ctx, store.EnqueueParams{
		Type:    models.JobCreateBatch,
		Payload: json.RawMessage(`{"batch_id":"","manufacturer":"Acme"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p.processOne(ctx, claim(t, st, time.Now()))

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if client.sent != 0 {
		t.Errorf("sent %d transactions for an unencodable payload, want 0", client.sent)
	}
	if len(sink.all()) != 1 {
		t.Errorf("sink received %d results, want 1", len(sink.all()))
	}
}

func TestReclaimOrphanConfirmed(t *testing.T) {
	client := &stubClient{confirmed: true}
	p, st, sink := newTestProcessor(t, client)
	p.cfg.OrphanAfter = -time.Minute // everything running counts as stuck
	ctx := context.Background()

	job := enqueueCreateBatch(t, st, 3)
	claimed := claim(t, st, time.Now())
	if err := st.RecordSubmission(ctx, claimed.ID, "sig-orphan", "addr-orphan"); err != nil {
		t.Fatalf("record submission: %v", err)
	}

	p.reclaimOrphans(ctx)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusSuccess {
		t.Errorf("status = %s, want success (transaction landed before the crash)", got.Status)
	}
	results := sink.all()
	if len(results) != 1 || results[0].Signature != "sig-orphan" || results[0].Address != "addr-orphan" {
		t.Fatalf("results = %+v, want one success for sig-orphan", results)
	}
}

func TestReclaimOrphanNeverLanded(t *testing.T) {
	client := &stubClient{confirmed: false}
	p, st, sink := newTestProcessor(t, client)
	p.cfg.OrphanAfter = -time.Minute
	ctx := context.Background()

	job := enqueueCreateBatch(t, st, 3)
	claimed := claim(t, st, time.Now())
	if err := st.RecordSubmission(ctx, claimed.ID, "sig-lost", "addr-lost"); err != nil {
		t.Fatalf("record submission: %v", err)
	}

	p.reclaimOrphans(ctx)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending (requeued)", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (reclaim must not consume an attempt)", got.Attempts)
	}
	if len(sink.all()) != 0 {
		t.Errorf("sink received %d results for a requeued orphan", len(sink.all()))
	}
}

func TestReclaimOrphanWithoutSubmission(t *testing.T) {
	client := &stubClient{statusErr: errors.New("should not be called")}
	p, st, _ := newTestProcessor(t, client)
	p.cfg.OrphanAfter = -time.Minute
	ctx := context.Background()

	job := enqueueCreateBatch(t, st, 3)
	claim(t, st, time.Now())

	p.reclaimOrphans(ctx)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Minute
	max := time.Hour
	// attempts is the post-failure count: the first failure is attempt 1.
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},  // capped
		{40, time.Hour}, // stays capped even when doubling overflows
	}
	for _, tc := range cases {
		if got := backoffDelay(base, max, tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(attempts=%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
