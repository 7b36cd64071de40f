package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/runrelay/runrelay/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	record    model.ExecutionRecord
	expiresAt time.Time
}

type markerKey struct {
	userID      string
	executionID string
}

// MemoryStore implements Store entirely in memory. It exists for tests that
// need controllable expiry: the clock is injectable, so a test can slide time
// forward instead of sleeping through a TTL.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	closed  bool
	entries map[string]memoryEntry
	markers map[markerKey]time.Time
}

// NewMemoryStore creates an in-memory store with the given sliding TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
		markers: make(map[markerKey]time.Time),
	}
}

// SetNowFunc replaces the store's clock.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close releases all entries and marks the store unavailable to Ping.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]memoryEntry)
	s.markers = make(map[markerKey]time.Time)
	return nil
}

// Ping succeeds until the store is closed.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}
	return nil
}

func (s *MemoryStore) live(id string) (memoryEntry, bool) {
	e, ok := s.entries[id]
	if !ok || !e.expiresAt.After(s.now()) {
		return memoryEntry{}, false
	}
	return e, true
}

// CreateExecution stores a new record with a fresh expiry.
func (s *MemoryStore) CreateExecution(_ context.Context, r *model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(r.ExecutionID); ok {
		return ErrAlreadyExists
	}
	s.entries[r.ExecutionID] = memoryEntry{
		record:    *r,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// GetExecution returns a copy of the live record for id.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	r := e.record
	return &r, nil
}

// MergeUpdate applies non-nil fields onto the live record and renews its expiry.
func (s *MemoryStore) MergeUpdate(_ context.Context, id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}

	r := e.record
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Message != nil {
		r.Message = *u.Message
	}
	if u.Output != nil {
		r.Output = *u.Output
	}
	if u.ErrorOutput != nil {
		r.ErrorOutput = *u.ErrorOutput
	}
	if u.ExecutionTime != nil {
		r.ExecutionTime = *u.ExecutionTime
	}
	if u.MemoryUsage != nil {
		r.MemoryUsage = *u.MemoryUsage
	}
	if u.CompletedAt != nil {
		completedAt := *u.CompletedAt
		r.CompletedAt = &completedAt
	}
	r.UpdatedAt = s.now().UTC()

	s.entries[id] = memoryEntry{record: r, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// DeleteExecution removes the live record for id.
func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(id); !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

// ListExecutions returns live summaries sorted newest-first by created_at.
func (s *MemoryStore) ListExecutions(_ context.Context, userID string, limit int) ([]model.ExecutionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summaries []model.ExecutionSummary
	for id := range s.entries {
		e, ok := s.live(id)
		if !ok {
			continue
		}
		if userID != "" && e.record.UserID != userID {
			continue
		}
		summaries = append(summaries, e.record.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Stats returns aggregate counts over live executions.
func (s *MemoryStore) Stats(_ context.Context) (*ExecutionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &ExecutionStats{
		CountByStatus:   make(map[string]int),
		CountByLanguage: make(map[string]int),
	}
	for id := range s.entries {
		e, ok := s.live(id)
		if !ok {
			continue
		}
		stats.Total++
		stats.CountByStatus[e.record.Status]++
		stats.CountByLanguage[e.record.Language]++
	}
	return stats, nil
}

// SetConnectionMarker records a live-connection marker for the pair.
func (s *MemoryStore) SetConnectionMarker(_ context.Context, userID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[markerKey{userID, executionID}] = s.now().Add(s.ttl)
	return nil
}

// DeleteConnectionMarker removes the marker for the pair.
func (s *MemoryStore) DeleteConnectionMarker(_ context.Context, userID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, markerKey{userID, executionID})
	return nil
}

// HasConnectionMarker reports whether a live marker exists for the pair.
func (s *MemoryStore) HasConnectionMarker(_ context.Context, userID, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.markers[markerKey{userID, executionID}]
	return ok && expires.After(s.now()), nil
}

// PurgeExpired drops expired entries and markers, returning the number of
// executions removed.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for id, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, id)
			purged++
		}
	}
	for key, expires := range s.markers {
		if !expires.After(now) {
			delete(s.markers, key)
		}
	}
	return purged, nil
}
