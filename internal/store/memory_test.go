package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runrelay/runrelay/internal/model"
)

func TestMemoryStoreBasicLifecycle(t *testing.T) {
	s := NewMemoryStore(testTTL)
	ctx := context.Background()
	r := makeTestExecution("user-1")

	if err := s.CreateExecution(ctx, r); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.CreateExecution(ctx, r); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}

	if err := s.MergeUpdate(ctx, r.ExecutionID, Update{
		Status: StrPtr(model.StatusRunning),
		Output: StrPtr("hello"),
	}); err != nil {
		t.Fatalf("MergeUpdate: %v", err)
	}
	if err := s.MergeUpdate(ctx, r.ExecutionID, Update{Status: StrPtr(model.StatusCompleted)}); err != nil {
		t.Fatalf("MergeUpdate 2: %v", err)
	}

	got, err := s.GetExecution(ctx, r.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Output != "hello" {
		t.Errorf("Output = %q, want %q (merge must preserve fields)", got.Output, "hello")
	}

	if err := s.DeleteExecution(ctx, r.ExecutionID); err != nil {
		t.Fatalf("DeleteExecution: %v", err)
	}
	if _, err := s.GetExecution(ctx, r.ExecutionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore(testTTL)
	ctx := context.Background()
	r := makeTestExecution("user-1")
	if err := s.CreateExecution(ctx, r); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, _ := s.GetExecution(ctx, r.ExecutionID)
	got.Status = "tampered"

	again, _ := s.GetExecution(ctx, r.ExecutionID)
	if again.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending (caller mutation must not leak into store)", again.Status)
	}
}

func TestMemoryStoreSlidingExpiry(t *testing.T) {
	s := NewMemoryStore(testTTL)
	ctx := context.Background()

	current := time.Now().UTC()
	s.SetNowFunc(func() time.Time { return current })

	r := makeTestExecution("user-1")
	if err := s.CreateExecution(ctx, r); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	current = current.Add(testTTL - time.Minute)
	if err := s.MergeUpdate(ctx, r.ExecutionID, Update{Status: StrPtr(model.StatusWaiting)}); err != nil {
		t.Fatalf("MergeUpdate near expiry: %v", err)
	}

	current = current.Add(30 * time.Minute)
	if _, err := s.GetExecution(ctx, r.ExecutionID); err != nil {
		t.Fatalf("GetExecution after renewal: %v", err)
	}

	current = current.Add(testTTL)
	if _, err := s.GetExecution(ctx, r.ExecutionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution after expiry = %v, want ErrNotFound", err)
	}

	purged, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestMemoryStoreListAndMarkers(t *testing.T) {
	s := NewMemoryStore(testTTL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestExecution("user-1")
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateExecution(ctx, r); err != nil {
			t.Fatalf("CreateExecution[%d]: %v", i, err)
		}
	}

	summaries, err := s.ListExecutions(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("len(summaries) = %d, want 2", len(summaries))
	}
	if len(summaries) == 2 && !summaries[0].CreatedAt.After(summaries[1].CreatedAt) {
		t.Error("summaries not sorted newest-first")
	}

	if err := s.SetConnectionMarker(ctx, "user-1", "exec-1"); err != nil {
		t.Fatalf("SetConnectionMarker: %v", err)
	}
	ok, err := s.HasConnectionMarker(ctx, "user-1", "exec-1")
	if err != nil {
		t.Fatalf("HasConnectionMarker: %v", err)
	}
	if !ok {
		t.Error("marker missing after set")
	}
	if err := s.DeleteConnectionMarker(ctx, "user-1", "exec-1"); err != nil {
		t.Fatalf("DeleteConnectionMarker: %v", err)
	}
	if ok, _ := s.HasConnectionMarker(ctx, "user-1", "exec-1"); ok {
		t.Error("marker exists after delete")
	}
}
