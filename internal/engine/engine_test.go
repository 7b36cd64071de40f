package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/runrelay/runrelay/internal/engine"
	"github.com/runrelay/runrelay/internal/model"
	"github.com/runrelay/runrelay/internal/provider"
	"github.com/runrelay/runrelay/internal/store"
)

// stubProvider is a configurable fake for the outbound provider call.
type stubProvider struct {
	mu     sync.Mutex
	reply  provider.Reply
	err    error
	delay  time.Duration
	onCall func(req provider.SubmitRequest)
	calls  []provider.SubmitRequest
}

func (p *stubProvider) Submit(ctx context.Context, req provider.SubmitRequest) (provider.Reply, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	onCall, delay, reply, err := p.onCall, p.delay, p.reply, p.err
	p.mu.Unlock()

	if onCall != nil {
		onCall(req)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return provider.Reply{}, ctx.Err()
		}
	}
	return reply, err
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// recordingNotifier captures fan-out deliveries.
type recordingNotifier struct {
	mu     sync.Mutex
	events []struct {
		userID      string
		executionID string
	}
}

func (n *recordingNotifier) NotifyExecutionUpdate(_ context.Context, userID, executionID string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, struct {
		userID      string
		executionID string
	}{userID, executionID})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestEngine(t *testing.T, p engine.Submitter) (*engine.Engine, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	s := store.NewMemoryStore(time.Hour)
	t.Cleanup(func() { s.Close() })

	n := &recordingNotifier{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.NewEngine(s, p, n, logger), s, n
}

func makeSubmission() engine.Submission {
	return engine.Submission{
		Code:      "print(1)",
		Language:  "python",
		InputData: "",
		UserID:    "user-1",
	}
}

// waitForStatus polls the store until the execution reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.ExecutionRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if r.Status == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitCreatesRecordBeforeProviderCall(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}}
	eng, s, _ := newTestEngine(t, p)

	// The record must exist, already transitioned to running, by the time
	// the provider is contacted.
	p.onCall = func(req provider.SubmitRequest) {
		r, err := s.GetExecution(context.Background(), req.ExecutionID)
		if err != nil {
			t.Errorf("record missing at provider call time: %v", err)
			return
		}
		if r.Status != model.StatusRunning {
			t.Errorf("status at provider call = %q, want running", r.Status)
		}
	}

	id, err := eng.Submit(context.Background(), makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatal("Submit returned empty execution id")
	}

	eng.Wait()
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestSubmitUnsupportedLanguage(t *testing.T) {
	p := &stubProvider{}
	eng, s, _ := newTestEngine(t, p)

	sub := makeSubmission()
	sub.Language = "brainfuck"

	_, err := eng.Submit(context.Background(), sub)
	if err == nil {
		t.Fatal("Submit returned nil error for unsupported language")
	}
	var unsupported *provider.ErrUnsupportedLanguage
	if !errors.As(err, &unsupported) {
		t.Errorf("error type = %T, want *provider.ErrUnsupportedLanguage", err)
	}

	// No record may be created and the provider must not be contacted.
	summaries, _ := s.ListExecutions(context.Background(), "", 10)
	if len(summaries) != 0 {
		t.Errorf("records created = %d, want 0", len(summaries))
	}
	if p.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", p.callCount())
	}
}

func TestSubmitAcknowledgedMovesToWaiting(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}}
	eng, s, n := newTestEngine(t, p)

	id, err := eng.Submit(context.Background(), makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	r := waitForStatus(t, s, id, model.StatusWaiting, 5*time.Second)
	if r.Message == "" {
		t.Error("waiting record has no message")
	}
	if r.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil for waiting", r.CompletedAt)
	}

	eng.Wait()
	// Waiting is not terminal; no notification yet.
	if n.count() != 0 {
		t.Errorf("notifications = %d, want 0", n.count())
	}
}

func TestSubmitImmediateResult(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Result: &provider.Result{
		Output:        "1\n",
		ErrorOutput:   "",
		ExecutionTime: "0.01",
		MemoryUsage:   "8000",
	}}}
	eng, s, n := newTestEngine(t, p)

	id, err := eng.Submit(context.Background(), makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	r := waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	if r.Output != "1\n" {
		t.Errorf("Output = %q, want %q", r.Output, "1\n")
	}
	if r.ExecutionTime != "0.01" {
		t.Errorf("ExecutionTime = %q, want %q", r.ExecutionTime, "0.01")
	}
	if r.MemoryUsage != "8000" {
		t.Errorf("MemoryUsage = %q, want %q", r.MemoryUsage, "8000")
	}
	if r.CompletedAt == nil {
		t.Error("CompletedAt not set on completion")
	}

	eng.Wait()
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestSubmitImmediateResultWithError(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Result: &provider.Result{
		Output:      "",
		ErrorOutput: "NameError: name 'x' is not defined",
	}}}
	eng, s, _ := newTestEngine(t, p)

	id, err := eng.Submit(context.Background(), makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	r := waitForStatus(t, s, id, model.StatusError, 5*time.Second)
	if r.ErrorOutput == "" {
		t.Error("ErrorOutput empty on error result")
	}
}

func TestSubmitProviderFailureAbsorbed(t *testing.T) {
	p := &stubProvider{err: errors.New("connection refused")}
	eng, s, n := newTestEngine(t, p)

	id, err := eng.Submit(context.Background(), makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v (provider failures must not surface at submission)", err)
	}

	r := waitForStatus(t, s, id, model.StatusError, 5*time.Second)
	if r.ErrorOutput != "connection refused" {
		t.Errorf("ErrorOutput = %q, want provider error message", r.ErrorOutput)
	}
	if r.CompletedAt == nil {
		t.Error("CompletedAt not set on provider failure")
	}

	eng.Wait()
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestIngestWebhookCompletesWaitingExecution(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}}
	eng, s, n := newTestEngine(t, p)
	ctx := context.Background()

	id, err := eng.Submit(ctx, makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, id, model.StatusWaiting, 5*time.Second)

	result := provider.Result{
		Output:        "1\n",
		ExecutionTime: "0.05",
		MemoryUsage:   "9400",
		Status:        "success",
	}
	if err := eng.IngestWebhook(ctx, id, result); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	r, err := s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if r.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed (success must normalize)", r.Status)
	}
	if r.Output != "1\n" {
		t.Errorf("Output = %q, want %q", r.Output, "1\n")
	}
	if r.CompletedAt == nil {
		t.Error("CompletedAt not set by webhook ingestion")
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestIngestWebhookWhileStillRunning(t *testing.T) {
	// A webhook can outrun the dispatcher's own post-call write; ingestion
	// must handle a running record identically to a waiting one.
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}, delay: 200 * time.Millisecond}
	eng, s, _ := newTestEngine(t, p)
	ctx := context.Background()

	id, err := eng.Submit(ctx, makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, id, model.StatusRunning, 5*time.Second)

	if err := eng.IngestWebhook(ctx, id, provider.Result{Output: "fast", Status: "success"}); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	r, _ := s.GetExecution(ctx, id)
	if r.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", r.Status)
	}

	// The dispatcher's ack processing runs after the webhook here; it must
	// not write waiting over the terminal record.
	eng.Wait()
	r, _ = s.GetExecution(ctx, id)
	if r.Status != model.StatusCompleted {
		t.Errorf("Status after ack processing = %q, want completed (no downgrade)", r.Status)
	}
}

func TestIngestWebhookIdempotent(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}}
	eng, s, n := newTestEngine(t, p)
	ctx := context.Background()

	id, err := eng.Submit(ctx, makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, id, model.StatusWaiting, 5*time.Second)

	result := provider.Result{Output: "1\n", Status: "success"}
	if err := eng.IngestWebhook(ctx, id, result); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}
	if err := eng.IngestWebhook(ctx, id, result); err != nil {
		t.Fatalf("IngestWebhook second application: %v", err)
	}

	r, _ := s.GetExecution(ctx, id)
	if r.Status != model.StatusCompleted {
		t.Errorf("Status after double ingest = %q, want completed", r.Status)
	}
	if r.Output != "1\n" {
		t.Errorf("Output after double ingest = %q, want %q", r.Output, "1\n")
	}
	// Both applications notify; fields are merely overwritten.
	if n.count() != 2 {
		t.Errorf("notifications = %d, want 2", n.count())
	}
}

func TestIngestWebhookErrorStatusDefaulting(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}}
	eng, s, _ := newTestEngine(t, p)
	ctx := context.Background()

	id, err := eng.Submit(ctx, makeSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, id, model.StatusWaiting, 5*time.Second)

	// No explicit status; non-empty error output must classify as error.
	result := provider.Result{
		ErrorOutput: "ModuleNotFoundError: No module named 'pandas'",
	}
	if err := eng.IngestWebhook(ctx, id, result); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	r, _ := s.GetExecution(ctx, id)
	if r.Status != model.StatusError {
		t.Errorf("Status = %q, want error", r.Status)
	}
}

func TestIngestWebhookExpiredRecordReportsSuccess(t *testing.T) {
	p := &stubProvider{}
	eng, _, n := newTestEngine(t, p)

	// Unknown execution: the loss is logged but the provider is told success
	// so it does not retry forever.
	err := eng.IngestWebhook(context.Background(), "long-gone", provider.Result{Output: "late"})
	if err != nil {
		t.Errorf("IngestWebhook for expired record = %v, want nil", err)
	}
	if n.count() != 0 {
		t.Errorf("notifications = %d, want 0", n.count())
	}
}

func TestCorrelationID(t *testing.T) {
	id, err := engine.CorrelationID(provider.WebhookResult{
		ExtraParams: []byte(`{"execution_id":"exec-42","other":"x"}`),
	})
	if err != nil {
		t.Fatalf("CorrelationID: %v", err)
	}
	if id != "exec-42" {
		t.Errorf("id = %q, want exec-42", id)
	}

	for name, raw := range map[string]string{
		"absent":       "",
		"empty object": `{}`,
		"empty id":     `{"execution_id":""}`,
		"not json":     `""`,
	} {
		_, err := engine.CorrelationID(provider.WebhookResult{ExtraParams: []byte(raw)})
		if !errors.Is(err, engine.ErrMissingCorrelation) {
			t.Errorf("%s: error = %v, want ErrMissingCorrelation", name, err)
		}
	}
}

func TestExecuteAndWaitSynchronousCompletion(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Result: &provider.Result{Output: "1\n"}}}
	eng, _, _ := newTestEngine(t, p)

	start := time.Now()
	res, err := eng.ExecuteAndWait(context.Background(), makeSubmission(), 15*time.Second, time.Second)
	if err != nil {
		t.Fatalf("ExecuteAndWait: %v", err)
	}

	if res.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	if res.Record == nil || res.Record.Output != "1\n" {
		t.Errorf("Record output = %+v, want populated output", res.Record)
	}
	// A fast completion must return well before the overall timeout.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("elapsed = %v, want fast return for quick completion", elapsed)
	}
	eng.Wait()
}

func TestExecuteAndWaitWebhookCompletion(t *testing.T) {
	p := &stubProvider{reply: provider.Reply{Acknowledged: true}}
	eng, s, _ := newTestEngine(t, p)
	ctx := context.Background()

	// Deliver the webhook once the execution reaches waiting.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			summaries, _ := s.ListExecutions(ctx, "user-1", 1)
			if len(summaries) == 1 && summaries[0].Status == model.StatusWaiting {
				eng.IngestWebhook(ctx, summaries[0].ExecutionID, provider.Result{
					Output: "1\n",
					Status: "success",
				})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	res, err := eng.ExecuteAndWait(ctx, makeSubmission(), 30*time.Second, time.Second)
	if err != nil {
		t.Fatalf("ExecuteAndWait: %v", err)
	}
	<-done

	if res.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	if res.Status == model.StatusTimeout {
		t.Error("ExecuteAndWait reported timeout for an execution that completed in time")
	}
	eng.Wait()
}

func TestExecuteAndWaitUnsupportedLanguage(t *testing.T) {
	p := &stubProvider{}
	eng, _, _ := newTestEngine(t, p)

	sub := makeSubmission()
	sub.Language = "malbolge"
	_, err := eng.ExecuteAndWait(context.Background(), sub, 15*time.Second, time.Second)
	if err == nil {
		t.Fatal("ExecuteAndWait returned nil error for unsupported language")
	}
}
