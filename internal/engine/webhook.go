package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/runrelay/runrelay/internal/model"
	"github.com/runrelay/runrelay/internal/provider"
	"github.com/runrelay/runrelay/internal/store"
)

// ErrMissingCorrelation is returned when a webhook arrives without the echoed
// execution identifier. Surfaced as a client error rather than dropped: it
// means the provider integration is misconfigured.
var ErrMissingCorrelation = errors.New("missing execution_id in extra_params")

// CorrelationID extracts the echoed execution identifier from a webhook's
// extra_params.
func CorrelationID(w provider.WebhookResult) (string, error) {
	if len(w.ExtraParams) == 0 {
		return "", ErrMissingCorrelation
	}
	var extra struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(w.ExtraParams, &extra); err != nil || extra.ExecutionID == "" {
		return "", ErrMissingCorrelation
	}
	return extra.ExecutionID, nil
}

// IngestWebhook applies an asynchronous provider result to the execution
// record and notifies any live connection for the owning user. Re-applying
// the same payload overwrites the same fields and leaves the record in the
// same terminal state.
//
// A record that expired before the webhook arrived is logged and reported as
// success so the provider does not retry indefinitely. Any other ingestion
// failure is converted into a best-effort error merge before being returned.
func (e *Engine) IngestWebhook(ctx context.Context, executionID string, result provider.Result) error {
	status := model.ClassifyStatus(result.Status, result.ErrorOutput)

	err := e.store.MergeUpdate(ctx, executionID, store.Update{
		Status:        store.StrPtr(status),
		Output:        store.StrPtr(result.Output),
		ErrorOutput:   store.StrPtr(result.ErrorOutput),
		ExecutionTime: store.StrPtr(result.ExecutionTime),
		MemoryUsage:   store.StrPtr(result.MemoryUsage),
		CompletedAt:   store.TimePtr(time.Now().UTC()),
	})
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("webhook result for expired or unknown execution, result lost",
			"execution_id", executionID, "status", status)
		return nil
	}
	if err != nil {
		e.recordIngestFailure(ctx, executionID, err)
		return fmt.Errorf("apply webhook result: %w", err)
	}

	executionsFinished.WithLabelValues(status, "webhook").Inc()
	e.logger.Info("webhook result ingested", "execution_id", executionID, "status", status)

	// Re-read to discover the owning user for notification.
	record, err := e.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("execution expired between webhook merge and notification", "execution_id", executionID)
		return nil
	}
	if err != nil {
		e.recordIngestFailure(ctx, executionID, err)
		return fmt.Errorf("re-read after webhook merge: %w", err)
	}

	e.notifier.NotifyExecutionUpdate(ctx, record.UserID, executionID, record)
	return nil
}

// recordIngestFailure best-effort marks the execution as failed after an
// ingestion error.
func (e *Engine) recordIngestFailure(ctx context.Context, executionID string, cause error) {
	if err := e.store.MergeUpdate(ctx, executionID, store.Update{
		Status:      store.StrPtr(model.StatusError),
		ErrorOutput: store.StrPtr(fmt.Sprintf("webhook processing error: %v", cause)),
		CompletedAt: store.TimePtr(time.Now().UTC()),
	}); err != nil {
		e.logger.Error("record ingest failure", "execution_id", executionID, "error", err)
	}
}
