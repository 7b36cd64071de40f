package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runrelay/runrelay/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    execution_id   TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    code           TEXT NOT NULL,
    language       TEXT NOT NULL,
    input_data     TEXT NOT NULL,
    status         TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    output         TEXT NOT NULL DEFAULT '',
    error_output   TEXT NOT NULL DEFAULT '',
    execution_time TEXT NOT NULL DEFAULT '',
    memory_usage   TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    completed_at   DATETIME,
    expires_at     DATETIME NOT NULL
)`

const createConnectionsTable = `
CREATE TABLE IF NOT EXISTS connections (
    execution_id TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    expires_at   DATETIME NOT NULL,
    PRIMARY KEY (execution_id, user_id)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Expiry is enforced by filtering
// on expires_at in every read and write; stale rows are reclaimed by
// PurgeExpired, which the process runs on a timer.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath, runs migrations, and
// configures the sliding time-to-live applied to every record write.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	if _, err := db.Exec(createConnectionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create connections table: %w", err)
	}

	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateExecution inserts a new execution record with a fresh expiry. An
// expired row under the same identifier is replaced; a live one yields
// ErrAlreadyExists.
func (s *SQLiteStore) CreateExecution(ctx context.Context, r *model.ExecutionRecord) error {
	now := s.now().UTC()

	// An expired row is indistinguishable from an absent one, so clear it
	// before the insert rather than surfacing a collision.
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE execution_id = ? AND expires_at <= ?",
		r.ExecutionID, now,
	); err != nil {
		return fmt.Errorf("clear expired execution: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			execution_id, user_id, code, language, input_data, status,
			message, output, error_output, execution_time, memory_usage,
			created_at, updated_at, completed_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.UserID, r.Code, r.Language, r.InputData, r.Status,
		r.Message, r.Output, r.ErrorOutput, r.ExecutionTime, r.MemoryUsage,
		r.CreatedAt, r.UpdatedAt, r.CompletedAt, now.Add(s.ttl),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a live execution record by identifier.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	r := &model.ExecutionRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, user_id, code, language, input_data, status,
			message, output, error_output, execution_time, memory_usage,
			created_at, updated_at, completed_at
		FROM executions WHERE execution_id = ? AND expires_at > ?`,
		id, s.now().UTC(),
	).Scan(
		&r.ExecutionID, &r.UserID, &r.Code, &r.Language, &r.InputData, &r.Status,
		&r.Message, &r.Output, &r.ErrorOutput, &r.ExecutionTime, &r.MemoryUsage,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return r, nil
}

// MergeUpdate applies a field-level merge to a live record. Only non-nil
// fields are written; updated_at and the sliding expiry are refreshed on
// every call. Each merge is a single UPDATE statement, so concurrent callers
// get last-write-wins at field granularity with no multi-field
// compare-and-swap.
func (s *SQLiteStore) MergeUpdate(ctx context.Context, id string, u Update) error {
	now := s.now().UTC()

	sets := []string{"updated_at = ?", "expires_at = ?"}
	args := []any{now, now.Add(s.ttl)}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *u.Message)
	}
	if u.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *u.Output)
	}
	if u.ErrorOutput != nil {
		sets = append(sets, "error_output = ?")
		args = append(args, *u.ErrorOutput)
	}
	if u.ExecutionTime != nil {
		sets = append(sets, "execution_time = ?")
		args = append(args, *u.ExecutionTime)
	}
	if u.MemoryUsage != nil {
		sets = append(sets, "memory_usage = ?")
		args = append(args, *u.MemoryUsage)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *u.CompletedAt)
	}

	args = append(args, id, now)
	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE execution_id = ? AND expires_at > ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("merge update: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExecution removes a record immediately. Administrative purge only;
// normal records disappear via expiry.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE execution_id = ? AND expires_at > ?",
		id, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutions returns live execution summaries sorted newest-first by
// created_at. An empty userID returns executions for all owners.
func (s *SQLiteStore) ListExecutions(ctx context.Context, userID string, limit int) ([]model.ExecutionSummary, error) {
	query := `SELECT execution_id, user_id, language, status, created_at,
			completed_at, execution_time, output != '', error_output != ''
		FROM executions WHERE expires_at > ?`
	args := []any{s.now().UTC()}

	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var summaries []model.ExecutionSummary
	for rows.Next() {
		var sum model.ExecutionSummary
		if err := rows.Scan(
			&sum.ExecutionID, &sum.UserID, &sum.Language, &sum.Status,
			&sum.CreatedAt, &sum.CompletedAt, &sum.ExecutionTime,
			&sum.HasOutput, &sum.HasError,
		); err != nil {
			return nil, fmt.Errorf("scan execution summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	return summaries, nil
}

// Stats returns aggregate counts over live executions.
func (s *SQLiteStore) Stats(ctx context.Context) (*ExecutionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, language, COUNT(*) FROM executions WHERE expires_at > ? GROUP BY status, language",
		s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &ExecutionStats{
		CountByStatus:   make(map[string]int),
		CountByLanguage: make(map[string]int),
	}
	for rows.Next() {
		var status, language string
		var count int
		if err := rows.Scan(&status, &language, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total += count
		stats.CountByStatus[status] += count
		stats.CountByLanguage[language] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}

// SetConnectionMarker records that a live push channel exists for the
// (user, execution) pair, replacing any prior marker.
func (s *SQLiteStore) SetConnectionMarker(ctx context.Context, userID, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO connections (execution_id, user_id, expires_at) VALUES (?, ?, ?)",
		executionID, userID, s.now().UTC().Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("set connection marker: %w", err)
	}
	return nil
}

// DeleteConnectionMarker removes the marker for the (user, execution) pair.
func (s *SQLiteStore) DeleteConnectionMarker(ctx context.Context, userID, executionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM connections WHERE execution_id = ? AND user_id = ?",
		executionID, userID,
	); err != nil {
		return fmt.Errorf("delete connection marker: %w", err)
	}
	return nil
}

// HasConnectionMarker reports whether a live marker exists for the
// (user, execution) pair.
func (s *SQLiteStore) HasConnectionMarker(ctx context.Context, userID, executionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM connections WHERE execution_id = ? AND user_id = ? AND expires_at > ?",
		executionID, userID, s.now().UTC(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check connection marker: %w", err)
	}
	return true, nil
}

// PurgeExpired reclaims expired execution rows and connection markers,
// returning the number of executions removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()

	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("purge expired executions: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE expires_at <= ?", now); err != nil {
		return int(purged), fmt.Errorf("purge expired connection markers: %w", err)
	}

	return int(purged), nil
}
