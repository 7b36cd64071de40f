package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runrelay/runrelay/internal/model"
	"github.com/runrelay/runrelay/internal/store"
)

// Immediate-mode bounds. Caller-supplied values are clamped, not rejected.
const (
	MinWaitTimeout  = 10 * time.Second
	MaxWaitTimeout  = 300 * time.Second
	MinPollInterval = 500 * time.Millisecond
	MaxPollInterval = 5 * time.Second

	// settleDelay lets a same-request synchronous result land before the
	// first poll.
	settleDelay = 250 * time.Millisecond

	// fastPollCount early polls run at fastPollInterval (or faster, if the
	// caller asked for less) so quick completions return promptly.
	fastPollCount    = 3
	fastPollInterval = 500 * time.Millisecond

	// slowPollCap bounds the backed-off interval used for non-waiting,
	// non-terminal statuses so a stuck record is not hot-looped on.
	slowPollCap = 3 * time.Second
)

// WaitResult is the outcome of an immediate-mode execution: a terminal record,
// an error for data lost mid-poll, or a synthetic timeout. The timeout status
// is never persisted; Record then carries the last observed non-terminal state
// for diagnostics.
type WaitResult struct {
	Status  string
	Message string
	Record  *model.ExecutionRecord
}

// ExecuteAndWait submits the code and polls the store until the execution
// turns terminal or the timeout elapses. It is the path for callers who want
// one synchronous round trip without running their own webhook receiver or
// poll loop. The poll reads race webhook writes by design; staleness up to
// one poll interval is accepted.
func (e *Engine) ExecuteAndWait(ctx context.Context, sub Submission, timeout, pollInterval time.Duration) (WaitResult, error) {
	timeout = clampDuration(timeout, MinWaitTimeout, MaxWaitTimeout)
	pollInterval = clampDuration(pollInterval, MinPollInterval, MaxPollInterval)

	executionID, err := e.Submit(ctx, sub)
	if err != nil {
		return WaitResult{}, err
	}

	deadline := time.Now().Add(timeout)
	if err := sleepCtx(ctx, settleDelay); err != nil {
		return WaitResult{}, err
	}

	return e.pollUntilTerminal(ctx, executionID, deadline, timeout, pollInterval)
}

// pollUntilTerminal re-reads the record until a terminal status or the
// deadline. The read at or after the deadline doubles as the final read, so a
// result that lands exactly at the deadline is still returned as terminal.
func (e *Engine) pollUntilTerminal(ctx context.Context, executionID string, deadline time.Time, timeout, pollInterval time.Duration) (WaitResult, error) {
	polls := 0
	for {
		record, err := e.store.GetExecution(ctx, executionID)
		if errors.Is(err, store.ErrNotFound) {
			return WaitResult{
				Status:  model.StatusError,
				Message: "execution data expired or was lost",
			}, nil
		}
		if err != nil {
			return WaitResult{}, fmt.Errorf("poll execution: %w", err)
		}

		if model.IsTerminal(record.Status) {
			return WaitResult{Status: record.Status, Record: record}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WaitResult{
				Status:  model.StatusTimeout,
				Message: fmt.Sprintf("execution did not finish within %s; last status %q", timeout, record.Status),
				Record:  record,
			}, nil
		}

		polls++
		interval := nextPollInterval(polls, record.Status, pollInterval)
		if interval > remaining {
			interval = remaining
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return WaitResult{}, err
		}
	}
}

// nextPollInterval implements the adaptive schedule: a few fast polls first,
// the caller's interval once the record is waiting on a webhook, and a capped
// backed-off interval for any other non-terminal status.
func nextPollInterval(polls int, status string, requested time.Duration) time.Duration {
	if polls <= fastPollCount {
		if requested < fastPollInterval {
			return requested
		}
		return fastPollInterval
	}
	if status == model.StatusWaiting {
		return requested
	}
	backed := requested * 3 / 2
	if backed > slowPollCap {
		return slowPollCap
	}
	return backed
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
