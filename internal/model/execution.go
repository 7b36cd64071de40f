package model

import (
	"strings"
	"time"
)

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusError     = "error"

	// StatusTimeout is a synthetic outcome reported by the poll coordinator
	// when its deadline elapses before the record turns terminal. It is never
	// written to the store.
	StatusTimeout = "timeout"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusError:   true,
	},
	StatusRunning: {
		StatusWaiting:   true,
		StatusCompleted: true,
		StatusError:     true,
	},
	StatusWaiting: {
		StatusCompleted: true,
		StatusError:     true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// successTokens are provider status indicators that map to completed.
var successTokens = map[string]bool{
	"success":   true,
	"succeeded": true,
	"completed": true,
	"ok":        true,
}

// ClassifyStatus normalizes a provider-originated status indicator into the
// canonical vocabulary. An explicit success indicator maps to completed and an
// explicit error indicator to error; anything else defaults to error if the
// error output is non-empty, completed otherwise. Providers disagree on status
// vocabularies, so the error output is the tiebreaker.
func ClassifyStatus(providerStatus, errorOutput string) string {
	s := strings.ToLower(strings.TrimSpace(providerStatus))
	switch {
	case successTokens[s]:
		return StatusCompleted
	case s == StatusError || s == "failed" || s == "failure":
		return StatusError
	case errorOutput != "":
		return StatusError
	default:
		return StatusCompleted
	}
}

// ExecutionRecord is the tracked state of one code-execution job performed by
// the external provider. The submission payload is immutable after creation;
// result fields stay empty until a terminal or near-terminal transition
// supplies them.
type ExecutionRecord struct {
	ExecutionID   string     `json:"execution_id"`
	UserID        string     `json:"user_id"`
	Code          string     `json:"code"`
	Language      string     `json:"language"`
	InputData     string     `json:"input_data"`
	Status        string     `json:"status"`
	Message       string     `json:"message,omitempty"`
	Output        string     `json:"output,omitempty"`
	ErrorOutput   string     `json:"error_output,omitempty"`
	ExecutionTime string     `json:"execution_time,omitempty"`
	MemoryUsage   string     `json:"memory_usage,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ExecutionSummary is the listing projection of an ExecutionRecord.
type ExecutionSummary struct {
	ExecutionID   string     `json:"execution_id"`
	UserID        string     `json:"user_id"`
	Language      string     `json:"language"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExecutionTime string     `json:"execution_time,omitempty"`
	HasOutput     bool       `json:"has_output"`
	HasError      bool       `json:"has_error"`
}

// Summary projects the record into its listing shape.
func (r *ExecutionRecord) Summary() ExecutionSummary {
	return ExecutionSummary{
		ExecutionID:   r.ExecutionID,
		UserID:        r.UserID,
		Language:      r.Language,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
		ExecutionTime: r.ExecutionTime,
		HasOutput:     r.Output != "",
		HasError:      r.ErrorOutput != "",
	}
}
