package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestStatusReporterNotFound(t *testing.T) {
	r := NewStatusReporter(NewMemoryStateStore())
	if _, err := r.Status(context.Background(), "kb", "missing"); err == nil {
		t.Fatal("expected error for unknown document")
	}
	if r.IsReady(context.Background(), "kb", "missing") {
		t.Fatal("expected IsReady to report false for unknown document, not panic or error")
	}
}

func TestStatusReporterProjectsReadyOnlyWhenComplete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	s := NewState("kb", "doc1", []string{"a", "b"}, nil, time.Now())
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := NewStatusReporter(store)

	proj, err := r.Status(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if proj.Ready {
		t.Fatal("expected not ready while pending")
	}

	s.AdvanceStep(time.Now())
	s.AdvanceStep(time.Now())
	s.Status = StatusComplete
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	proj, err = r.Status(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !proj.Ready {
		t.Fatal("expected ready once complete with no remaining steps")
	}
	if len(proj.StepsCompleted) != 2 {
		t.Fatalf("expected 2 completed steps, got %v", proj.StepsCompleted)
	}
}

func TestStatusReporterSurfacesFailureReason(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	s := NewState("kb", "doc1", []string{"a"}, nil, time.Now())
	s.Fail("a", "boom", time.Now())
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := NewStatusReporter(store)
	proj, err := r.Status(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if proj.Ready {
		t.Fatal("a failed document must never be ready")
	}
	if proj.FailureReason == nil || proj.FailureReason.Message != "boom" {
		t.Fatalf("unexpected failure reason: %+v", proj.FailureReason)
	}
}

func TestStatusReporterListIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	if err := store.Put(ctx, NewState("kb", "doc1", []string{"a"}, nil, time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, NewState("kb", "doc2", []string{"a"}, nil, time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := NewStatusReporter(store)
	projections, err := r.ListIndex(ctx, "kb")
	if err != nil {
		t.Fatalf("ListIndex: %v", err)
	}
	if len(projections) != 2 {
		t.Fatalf("expected 2 projections, got %d", len(projections))
	}
}
