package store

import (
	"context"
	"errors"
	"time"

	"github.com/runrelay/runrelay/internal/model"
)

// ErrNotFound is returned when an execution record is absent or expired; the
// two cases are indistinguishable to callers.
var ErrNotFound = errors.New("execution not found")

// ErrAlreadyExists is returned when creating an execution whose identifier
// collides with a live record.
var ErrAlreadyExists = errors.New("execution already exists")

// Update is a field-level merge applied to an execution record. Nil fields
// are left untouched; every successful merge refreshes the record's sliding
// expiry and updated_at.
type Update struct {
	Status        *string
	Message       *string
	Output        *string
	ErrorOutput   *string
	ExecutionTime *string
	MemoryUsage   *string
	CompletedAt   *time.Time
}

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByLanguage map[string]int `json:"count_by_language"`
}

// Store defines the persistence operations for execution tracking. Records
// carry a sliding time-to-live: every successful write renews the lifetime,
// and expired records behave exactly like ones that never existed.
//
// The store also mirrors live-connection existence markers so that other
// processes can discover whether a (user, execution) pair has a registered
// push channel.
type Store interface {
	CreateExecution(ctx context.Context, r *model.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error)
	MergeUpdate(ctx context.Context, id string, u Update) error
	DeleteExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, userID string, limit int) ([]model.ExecutionSummary, error)
	Stats(ctx context.Context) (*ExecutionStats, error)

	SetConnectionMarker(ctx context.Context, userID, executionID string) error
	DeleteConnectionMarker(ctx context.Context, userID, executionID string) error
	HasConnectionMarker(ctx context.Context, userID, executionID string) (bool, error)

	PurgeExpired(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// StrPtr returns a pointer to s, for building Updates.
func StrPtr(s string) *string { return &s }

// TimePtr returns a pointer to t, for building Updates.
func TimePtr(t time.Time) *time.Time { return &t }
