package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memoryvault/ingest/internal/queue"
)

func newTestOrchestrator(t *testing.T, registry *Registry) (*Orchestrator, *MemoryStateStore, *queue.MemoryQueue) {
	t.Helper()
	states := NewMemoryStateStore()
	q := queue.NewMemoryQueue(time.Minute, 3)
	o := NewOrchestrator(q, states, registry)
	o.Backoff = Backoff{Base: time.Millisecond, Cap: time.Millisecond, Jitter: 0}
	o.MaxAttempts = 3
	o.IdlePoll = time.Millisecond
	return o, states, q
}

func seedState(t *testing.T, states *MemoryStateStore, q *queue.MemoryQueue, index, docID string, steps []string) {
	t.Helper()
	ctx := context.Background()
	s := NewState(index, docID, steps, nil, time.Now())
	if err := states.Put(ctx, s); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	if err := q.Enqueue(ctx, queue.Message{Index: index, DocumentID: docID}); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}
}

func TestOrchestratorAdvancesThroughAllSteps(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		return s, AdvanceOutcome()
	}))
	registry.Register("step2", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		return s, AdvanceOutcome()
	}))

	o, states, q := newTestOrchestrator(t, registry)
	seedState(t, states, q, "kb", "doc1", []string{"step1", "step2"})

	for i := 0; i < 2; i++ {
		worked, err := o.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if !worked {
			t.Fatalf("RunOnce %d: expected work", i)
		}
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", final.Status)
	}
	if len(final.StepsCompleted) != 2 || final.StepsCompleted[0] != "step1" || final.StepsCompleted[1] != "step2" {
		t.Fatalf("unexpected steps_completed: %v", final.StepsCompleted)
	}
	if !final.Ready() {
		t.Fatalf("expected ready")
	}
}

func TestOrchestratorFatalOutcomeFailsDocument(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		return s, FatalOutcome("unsupported file type")
	}))

	o, states, q := newTestOrchestrator(t, registry)
	seedState(t, states, q, "kb", "doc1", []string{"step1"})

	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.FailureReason == nil || final.FailureReason.Message != "unsupported file type" {
		t.Fatalf("unexpected failure reason: %+v", final.FailureReason)
	}

	if _, err := q.Dequeue(ctx); err != queue.ErrEmpty {
		t.Fatalf("expected no re-enqueue after fatal, got %v", err)
	}
}

func TestOrchestratorRetryThenAdvanceRecordsAttempts(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	registry := NewRegistry()
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		attempts++
		if attempts < 3 {
			return s, RetryLaterOutcome(time.Millisecond)
		}
		return s, AdvanceOutcome()
	}))

	o, states, q := newTestOrchestrator(t, registry)
	seedState(t, states, q, "kb", "doc1", []string{"step1"})

	for i := 0; i < 3; i++ {
		if _, err := o.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusComplete {
		t.Fatalf("expected complete after retries, got %s", final.Status)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 invocations, got %d", attempts)
	}
}

func TestOrchestratorPoisonsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		o := RetryLaterOutcome(time.Millisecond)
		o.Reason = "embedding adapter rate-limited"
		return s, o
	}))

	o, states, q := newTestOrchestrator(t, registry)
	seedState(t, states, q, "kb", "doc1", []string{"step1"})

	for i := 0; i < 3; i++ {
		if _, err := o.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected poisoned document to fail, got %s", final.Status)
	}
	if final.FailureReason == nil {
		t.Fatal("expected a failure reason")
	}

	dead, err := q.DeadLettered(ctx)
	if err != nil {
		t.Fatalf("DeadLettered: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected the message to be dead-lettered, got %d", len(dead))
	}
}

func TestOrchestratorAbortsWhenStateDeletedMidFlight(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		return s, AdvanceOutcome()
	}))

	o, states, q := newTestOrchestrator(t, registry)
	if err := q.Enqueue(ctx, queue.Message{Index: "kb", DocumentID: "gone"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// No state saved for "gone" — simulates DeleteDocument racing the worker.

	worked, err := o.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !worked {
		t.Fatal("expected the dequeue to count as work even though it aborted")
	}

	if _, err := states.Load(ctx, "kb", "gone"); err != ErrNotFound {
		t.Fatalf("expected state to remain absent, got %v", err)
	}
	if _, err := q.Dequeue(ctx); err != queue.ErrEmpty {
		t.Fatalf("expected no re-enqueue, got %v", err)
	}
}

func TestOrchestratorAbortsWhenStateDeletedBetweenLoadAndSave(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()

	o, states, q := newTestOrchestrator(t, registry)
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		// Simulate a DeleteDocument landing while this handler runs: after
		// the orchestrator's Load (and processing-transition Save), but
		// before its post-handler Save.
		if err := states.Delete(ctx, s.Index, s.DocumentID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		return s, AdvanceOutcome()
	}))

	if err := states.Put(ctx, NewState("kb", "doc1", []string{"step1"}, nil, time.Now())); err != nil {
		t.Fatalf("seed Put: %v", err)
	}
	if err := q.Enqueue(ctx, queue.Message{Index: "kb", DocumentID: "doc1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	worked, err := o.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !worked {
		t.Fatal("expected the dequeue to count as work even though it aborted")
	}

	if _, err := states.Load(ctx, "kb", "doc1"); err != ErrNotFound {
		t.Fatalf("expected the deleted state to stay deleted, not be resurrected, got %v", err)
	}
	if _, err := q.Dequeue(ctx); err != queue.ErrEmpty {
		t.Fatalf("expected no re-enqueue after a mid-flight delete, got %v", err)
	}
}

func TestOrchestratorCancelShortCircuitsBeforeHandler(t *testing.T) {
	ctx := context.Background()
	invoked := false
	registry := NewRegistry()
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		invoked = true
		return s, AdvanceOutcome()
	}))

	o, states, q := newTestOrchestrator(t, registry)
	seedState(t, states, q, "kb", "doc1", []string{"step1"})

	if err := o.Cancel(ctx, "kb", "doc1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if invoked {
		t.Fatal("expected cancelled document to short-circuit before handler invocation")
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestOrchestratorRecoversFromHandlerPanic(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	calls := 0
	registry.Register("step1", HandlerFunc(func(ctx context.Context, s *State) (*State, Outcome) {
		calls++
		if calls == 1 {
			panic(fmt.Sprintf("boom on call %d", calls))
		}
		return s, AdvanceOutcome()
	}))

	o, states, q := newTestOrchestrator(t, registry)
	seedState(t, states, q, "kb", "doc1", []string{"step1"})

	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusComplete {
		t.Fatalf("expected recovery to complete the document, got %s", final.Status)
	}
}
