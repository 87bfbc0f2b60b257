package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/memoryvault/ingest/internal/queue"
)

// Deadliner is optionally implemented by a Handler to advertise a soft
// processing deadline. The Orchestrator derives a context with this timeout
// before invoking the handler and treats an overrun as RetryLater, per §5.
type Deadliner interface {
	SoftDeadline() time.Duration
}

// Orchestrator is the core state machine described in §4.E: it dequeues
// messages, loads Pipeline State, dispatches to the registered handler for
// the next step, interprets the outcome, and persists the result.
//
// Unlike a hardcoded parse -> scan -> chunk -> embed -> index sequence, the
// step plan and its handlers are caller-supplied, so the same loop drives
// any Registry.
type Orchestrator struct {
	Queue       queue.Queue
	States      StateStore
	Registry    *Registry
	Backoff     Backoff
	MaxAttempts int
	Metrics     *Metrics
	Logger      *slog.Logger

	// IdlePoll bounds how long a worker sleeps after an empty dequeue
	// before trying again.
	IdlePoll time.Duration
}

// NewOrchestrator creates an Orchestrator with sensible defaults for any
// zero-valued fields (DefaultBackoff, DefaultMaxAttempts-equivalent of 20,
// a 1s idle poll, and slog.Default()).
func NewOrchestrator(q queue.Queue, states StateStore, registry *Registry) *Orchestrator {
	return &Orchestrator{
		Queue:       q,
		States:      states,
		Registry:    registry,
		Backoff:     DefaultBackoff(),
		MaxAttempts: queue.DefaultMaxAttempts,
		Logger:      slog.Default(),
		IdlePoll:    time.Second,
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// RunOnce drains at most one message. It returns (false, nil) when the
// queue was empty, so callers (Worker, tests) can distinguish "nothing to
// do" from a real processing error.
func (o *Orchestrator) RunOnce(ctx context.Context) (bool, error) {
	lease, err := o.Queue.Dequeue(ctx)
	if err == queue.ErrEmpty {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pipeline.Orchestrator.RunOnce: dequeue: %w", err)
	}

	if o.Metrics != nil {
		o.Metrics.QueueDepth.Inc()
		defer o.Metrics.QueueDepth.Dec()
	}
	o.process(ctx, lease)
	return true, nil
}

func (o *Orchestrator) process(ctx context.Context, lease queue.Lease) {
	msg := lease.Message
	log := o.logger().With("index", msg.Index, "document_id", msg.DocumentID, "attempt", msg.AttemptCount)

	state, err := o.States.Load(ctx, msg.Index, msg.DocumentID)
	if err == ErrNotFound {
		// Deleted mid-flight: §4.E instructs the worker to abort cleanly.
		log.Info("pipeline state missing, aborting lease")
		_ = o.Queue.Ack(ctx, lease.Token)
		return
	}
	if err != nil {
		log.Error("pipeline failed to load state, nacking", "error", err)
		_ = o.Queue.Nack(ctx, lease.Token, 0)
		return
	}

	if state.IsTerminal() || len(state.StepsToExecute) == 0 {
		log.Info("pipeline state already terminal, acking idempotently", "status", state.Status)
		_ = o.Queue.Ack(ctx, lease.Token)
		return
	}

	now := time.Now()
	state.Status = StatusProcessing
	state.LastUpdateTime = now
	if err := o.States.Save(ctx, state); err != nil {
		if err == ErrNotFound {
			log.Info("pipeline state deleted mid-flight, aborting lease")
			_ = o.Queue.Ack(ctx, lease.Token)
			return
		}
		log.Error("pipeline failed to save processing transition, nacking", "error", err)
		_ = o.Queue.Nack(ctx, lease.Token, 0)
		return
	}

	step := state.NextStep()
	handler, err := o.Registry.Lookup(step)
	if err != nil {
		log.Error("pipeline step has no registered handler, failing document", "step", step, "error", err)
		state.Fail(step, err.Error(), time.Now())
		_ = o.States.Save(ctx, state)
		_ = o.Queue.Ack(ctx, lease.Token)
		o.recordTerminal(state)
		return
	}

	newState, outcome := o.invoke(ctx, handler, state, step)

	switch outcome.Kind {
	case Advance:
		newState.AdvanceStep(time.Now())
		if err := o.States.Save(ctx, newState); err != nil {
			if err == ErrNotFound {
				log.Info("pipeline state deleted mid-flight, aborting lease without re-enqueue")
				_ = o.Queue.Ack(ctx, lease.Token)
				return
			}
			log.Error("pipeline failed to save after advance, nacking", "error", err)
			_ = o.Queue.Nack(ctx, lease.Token, 0)
			return
		}
		if len(newState.StepsToExecute) > 0 {
			if err := o.Queue.Enqueue(ctx, queue.Message{Index: msg.Index, DocumentID: msg.DocumentID}); err != nil {
				log.Error("pipeline failed to enqueue continuation", "error", err)
			}
			_ = o.Queue.Ack(ctx, lease.Token)
			return
		}
		newState.Status = StatusComplete
		newState.LastUpdateTime = time.Now()
		if err := o.States.Save(ctx, newState); err != nil {
			log.Error("pipeline failed to save completion", "error", err)
		}
		_ = o.Queue.Ack(ctx, lease.Token)
		o.recordTerminal(newState)

	case RetryLater:
		if err := o.States.Save(ctx, newState); err != nil {
			if err == ErrNotFound {
				log.Info("pipeline state deleted mid-flight, aborting lease without re-enqueue")
				_ = o.Queue.Ack(ctx, lease.Token)
				return
			}
			log.Error("pipeline failed to save retry state", "error", err)
		}

		delay := outcome.Delay
		if delay <= 0 {
			delay = o.Backoff.Delay(msg.AttemptCount)
		}

		maxAttempts := o.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = queue.DefaultMaxAttempts
		}
		if msg.AttemptCount >= maxAttempts {
			reason := fmt.Sprintf("poisoned: %s", outcome.Reason)
			newState.Fail(step, reason, time.Now())
			_ = o.States.Save(ctx, newState)
			o.recordPoison(newState)
		}

		_ = o.Queue.Nack(ctx, lease.Token, delay)

	case Fatal:
		newState.Fail(step, outcome.Reason, time.Now())
		if err := o.States.Save(ctx, newState); err != nil {
			log.Error("pipeline failed to save fatal state", "error", err)
		}
		_ = o.Queue.Ack(ctx, lease.Token)
		o.recordTerminal(newState)
	}
}

// invoke calls the handler, enforcing its soft deadline (if advertised) and
// recovering from panics as a RetryLater outcome, per §4.E point 7.
func (o *Orchestrator) invoke(ctx context.Context, h Handler, state *State, step string) (result *State, outcome Outcome) {
	invokeCtx := ctx
	if d, ok := h.(Deadliner); ok && d.SoftDeadline() > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, d.SoftDeadline())
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger().Error("pipeline handler panicked", "step", step, "panic", r)
			result = state
			outcome = RetryLaterOutcome(o.Backoff.Delay(1))
			outcome.Reason = fmt.Sprintf("panic: %v", r)
		}
	}()

	start := time.Now()
	result, outcome = h.Invoke(invokeCtx, state)
	if result == nil {
		result = state
	}

	if invokeCtx.Err() == context.DeadlineExceeded && outcome.Kind == Advance {
		outcome = RetryLaterOutcome(o.Backoff.Delay(1))
		outcome.Reason = "handler exceeded soft deadline"
	}

	if o.Metrics != nil {
		o.Metrics.StepDuration.WithLabelValues(step, outcomeLabel(outcome.Kind)).Observe(time.Since(start).Seconds())
	}
	return result, outcome
}

func outcomeLabel(k OutcomeKind) string {
	switch k {
	case Advance:
		return "advance"
	case RetryLater:
		return "retry_later"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (o *Orchestrator) recordTerminal(s *State) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.DocumentsProcessed.WithLabelValues(string(s.Status)).Inc()
}

func (o *Orchestrator) recordPoison(s *State) {
	if o.Metrics != nil {
		o.Metrics.PoisonTotal.Inc()
	}
	o.recordTerminal(s)
}

// Cancel marks (index, documentID) as cancelled. The worker currently
// holding (or next to hold) its lease observes this at load time and acks
// without invoking any handler.
func (o *Orchestrator) Cancel(ctx context.Context, index, documentID string) error {
	state, err := o.States.Load(ctx, index, documentID)
	if err != nil {
		return fmt.Errorf("pipeline.Orchestrator.Cancel: %w", err)
	}
	state.Cancel(time.Now())
	if err := o.States.Save(ctx, state); err != nil {
		return fmt.Errorf("pipeline.Orchestrator.Cancel: %w", err)
	}
	return nil
}

// Worker runs the Orchestrator's loop continuously until ctx is cancelled,
// sleeping with jittered backoff between empty dequeues.
type Worker struct {
	Orchestrator *Orchestrator
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := w.Orchestrator.RunOnce(ctx)
		if err != nil {
			w.Orchestrator.logger().Error("pipeline worker iteration failed", "error", err)
		}
		if !worked {
			idle := w.Orchestrator.IdlePoll
			if idle <= 0 {
				idle = time.Second
			}
			jitter := time.Duration(rand.Int63n(int64(idle) / 2))
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle + jitter):
			}
		}
	}
}

// WorkerPool runs n Workers concurrently sharing one Orchestrator, bounding
// concurrency with a plain sync.WaitGroup rather than an external pool
// library, since no unwired worker-pool dependency is carried by the
// teacher's go.mod.
type WorkerPool struct {
	orchestrator *Orchestrator
	n            int
	wg           sync.WaitGroup
}

// NewWorkerPool creates a pool of n workers sharing orchestrator.
func NewWorkerPool(orchestrator *Orchestrator, n int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	return &WorkerPool{orchestrator: orchestrator, n: n}
}

// Start launches all workers and returns immediately.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		w := &Worker{Orchestrator: p.orchestrator}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
}

// Wait blocks until every worker has returned, which happens once its
// context is cancelled.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
