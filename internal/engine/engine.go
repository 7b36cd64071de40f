package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runrelay/runrelay/internal/model"
	"github.com/runrelay/runrelay/internal/provider"
	"github.com/runrelay/runrelay/internal/store"
)

// providerCallTimeout bounds the dispatcher's synchronous provider call.
const providerCallTimeout = 30 * time.Second

// waitingMessage is recorded when the provider acknowledges a submission and
// the final result is expected via webhook.
const waitingMessage = "Code submitted successfully. Waiting for execution results via webhook."

// Submitter is the outbound provider dependency.
type Submitter interface {
	Submit(ctx context.Context, req provider.SubmitRequest) (provider.Reply, error)
}

// Notifier pushes execution state changes to live client connections.
type Notifier interface {
	NotifyExecutionUpdate(ctx context.Context, userID, executionID string, data any)
}

// Submission is one caller request to execute code.
type Submission struct {
	Code      string
	Language  string
	InputData string
	UserID    string
}

// Engine orchestrates execution tracking: it dispatches submissions to the
// provider, ingests webhook results, and serves the immediate-execution poll
// loop.
type Engine struct {
	store    store.Store
	provider Submitter
	notifier Notifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewEngine creates an execution engine.
func NewEngine(s store.Store, p Submitter, n Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		provider: p,
		notifier: n,
		logger:   logger,
	}
}

// Submit validates the submission, creates the pending record, and launches
// asynchronous dispatch. The execution identifier is returned unconditionally;
// the terminal outcome is observed later via polling, webhook, or push
// notification. An unsupported language fails before any record is created.
func (e *Engine) Submit(ctx context.Context, sub Submission) (string, error) {
	compiler, err := provider.CompilerFor(sub.Language)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	record := &model.ExecutionRecord{
		ExecutionID: model.NewID(),
		UserID:      sub.UserID,
		Code:        sub.Code,
		Language:    sub.Language,
		InputData:   sub.InputData,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.CreateExecution(ctx, record); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(record.ExecutionID, compiler, sub)
	}()

	return record.ExecutionID, nil
}

// Wait blocks until all in-flight dispatch goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// dispatch runs the provider call lifecycle in a goroutine. Exactly one
// running transition is written before the network call, and exactly one
// waiting, completed, or error transition after it resolves or fails. A
// webhook for the same execution may land concurrently with the post-call
// write; the store's per-field merge makes that last-write-wins.
func (e *Engine) dispatch(executionID, compiler string, sub Submission) {
	ctx, cancel := context.WithTimeout(context.Background(), providerCallTimeout)
	defer cancel()

	if err := e.store.MergeUpdate(ctx, executionID, store.Update{
		Status: store.StrPtr(model.StatusRunning),
	}); err != nil {
		e.logger.Error("transition to running", "execution_id", executionID, "error", err)
		e.finishError(executionID, sub.UserID, fmt.Sprintf("failed to start: %v", err))
		return
	}

	reply, err := e.provider.Submit(ctx, provider.SubmitRequest{
		Code:        sub.Code,
		Input:       sub.InputData,
		Compiler:    compiler,
		ExecutionID: executionID,
	})
	if err != nil {
		// The submitter already got the execution id back; the failure is
		// absorbed into the record instead of raised.
		e.logger.Error("provider dispatch failed", "execution_id", executionID, "error", err)
		e.finishError(executionID, sub.UserID, err.Error())
		return
	}

	if reply.Acknowledged {
		// A fast webhook can land before the ack is processed; the waiting
		// write only happens while the transition is still legal, so a
		// terminal record is never downgraded.
		if record, err := e.store.GetExecution(ctx, executionID); err == nil && !model.ValidTransition(record.Status, model.StatusWaiting) {
			e.logger.Info("webhook outran acknowledgement", "execution_id", executionID, "status", record.Status)
			return
		}
		if err := e.store.MergeUpdate(ctx, executionID, store.Update{
			Status:  store.StrPtr(model.StatusWaiting),
			Message: store.StrPtr(waitingMessage),
		}); err != nil {
			e.logger.Error("transition to waiting", "execution_id", executionID, "error", err)
		}
		e.logger.Info("submission acknowledged, awaiting webhook", "execution_id", executionID)
		return
	}

	e.finishResult(executionID, sub.UserID, *reply.Result)
}

// finishResult records an immediate provider result and notifies.
func (e *Engine) finishResult(executionID, userID string, result provider.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := model.ClassifyStatus(result.Status, result.ErrorOutput)
	if err := e.store.MergeUpdate(ctx, executionID, store.Update{
		Status:        store.StrPtr(status),
		Output:        store.StrPtr(result.Output),
		ErrorOutput:   store.StrPtr(result.ErrorOutput),
		ExecutionTime: store.StrPtr(result.ExecutionTime),
		MemoryUsage:   store.StrPtr(result.MemoryUsage),
		CompletedAt:   store.TimePtr(time.Now().UTC()),
	}); err != nil {
		e.logger.Error("record immediate result", "execution_id", executionID, "error", err)
		return
	}

	executionsFinished.WithLabelValues(status, "sync").Inc()
	e.logger.Info("execution finished synchronously", "execution_id", executionID, "status", status)
	e.notifyUpdate(ctx, userID, executionID)
}

// finishError marks an execution as failed with the given message and notifies.
func (e *Engine) finishError(executionID, userID, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.MergeUpdate(ctx, executionID, store.Update{
		Status:      store.StrPtr(model.StatusError),
		ErrorOutput: store.StrPtr(errMsg),
		CompletedAt: store.TimePtr(time.Now().UTC()),
	}); err != nil {
		e.logger.Error("record execution error", "execution_id", executionID, "error", err)
		return
	}

	executionsFinished.WithLabelValues(model.StatusError, "dispatch").Inc()
	e.notifyUpdate(ctx, userID, executionID)
}

// notifyUpdate pushes the current record to any live connection for the pair.
func (e *Engine) notifyUpdate(ctx context.Context, userID, executionID string) {
	record, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		e.logger.Warn("re-read for notification", "execution_id", executionID, "error", err)
		return
	}
	e.notifier.NotifyExecutionUpdate(ctx, userID, executionID, record)
}
