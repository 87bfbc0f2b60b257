package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// OutcomeKind is the discriminant of a handler's Outcome.
type OutcomeKind int

const (
	Advance OutcomeKind = iota
	RetryLater
	Fatal
)

// Outcome is the result of a single handler invocation. Handlers return it
// alongside a possibly-mutated State; the Orchestrator never inspects the
// State's Status field directly to decide what happened, it interprets
// Outcome.
type Outcome struct {
	Kind   OutcomeKind
	Delay  time.Duration // meaningful only for RetryLater
	Reason string        // meaningful only for Fatal
}

// AdvanceOutcome signals the step completed and the state should move on
// to the next step in the plan.
func AdvanceOutcome() Outcome { return Outcome{Kind: Advance} }

// RetryLaterOutcome signals a transient failure; the orchestrator will nack
// with the given visibility delay and the step will be retried.
func RetryLaterOutcome(delay time.Duration) Outcome {
	return Outcome{Kind: RetryLater, Delay: delay}
}

// FatalOutcome signals a permanent failure; the document transitions to
// StatusFailed and is not retried.
func FatalOutcome(reason string) Outcome {
	return Outcome{Kind: Fatal, Reason: reason}
}

// Handler implements one named pipeline step. Invoke receives the current
// state (already loaded and marked processing by the orchestrator) and
// returns the state it wishes persisted plus an Outcome describing what to
// do next. Handlers must not remove or reorder already-completed steps,
// and must be safe to invoke twice with the same input state (idempotence),
// per §4.E's tie-break rules: detect prior work via stable artifact keys,
// or safely overwrite.
type Handler interface {
	Invoke(ctx context.Context, state *State) (*State, Outcome)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, state *State) (*State, Outcome)

func (f HandlerFunc) Invoke(ctx context.Context, state *State) (*State, Outcome) {
	return f(ctx, state)
}

// ErrUnregisteredStep is returned by Registry.Lookup when a step name has no
// handler. The Orchestrator fails fast on this, per §4.C.
type ErrUnregisteredStep struct {
	Step string
}

func (e *ErrUnregisteredStep) Error() string {
	return fmt.Sprintf("pipeline: no handler registered for step %q", e.Step)
}

// Registry is a process-wide mapping from step name to Handler. It is built
// once at startup by repeated calls to Register and is read-only (and so
// safe for concurrent use) from the moment the orchestrator starts.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, overwriting any prior handler for the same
// name. Intended to be called only during startup wiring, before the
// orchestrator begins dispatching.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Lookup returns the handler bound to name, or ErrUnregisteredStep.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, &ErrUnregisteredStep{Step: name}
	}
	return h, nil
}

// ValidateSteps fails fast if any step in the sequence has no registered
// handler, matching §4.C's "fails fast on any steps_to_execute entry
// without a registered handler."
func (r *Registry) ValidateSteps(steps []string) error {
	for _, s := range steps {
		if _, err := r.Lookup(s); err != nil {
			return fmt.Errorf("pipeline.Registry.ValidateSteps: %w", err)
		}
	}
	return nil
}

// StepNames returns the registered step names in sorted order, used by the
// Status Reporter and diagnostics.
func (r *Registry) StepNames() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
