package pipeline

import (
	"context"
	"fmt"
)

// StatusProjection is the read-only view of a Pipeline State returned to
// external callers, per §4.G: completed steps, remaining steps, failure
// reason if any, and whether the document is Ready.
type StatusProjection struct {
	Index          string         `json:"index"`
	DocumentID     string         `json:"documentId"`
	Status         Status         `json:"status"`
	StepsCompleted []string       `json:"stepsCompleted"`
	StepsToExecute []string       `json:"stepsToExecute"`
	FailureReason  *FailureReason `json:"failureReason,omitempty"`
	Ready          bool           `json:"ready"`
}

// StatusReporter is a read-only wrapper around a StateStore, grounded on
// handler.Health's read-projection shape: it never mutates state, only
// projects it for external callers.
type StatusReporter struct {
	store StateStore
}

// NewStatusReporter creates a StatusReporter over store.
func NewStatusReporter(store StateStore) *StatusReporter {
	return &StatusReporter{store: store}
}

// Status returns the projection for (index, documentID), or ErrNotFound.
func (r *StatusReporter) Status(ctx context.Context, index, documentID string) (*StatusProjection, error) {
	s, err := r.store.Load(ctx, index, documentID)
	if err != nil {
		return nil, fmt.Errorf("pipeline.StatusReporter.Status: %w", err)
	}

	return &StatusProjection{
		Index:          s.Index,
		DocumentID:     s.DocumentID,
		Status:         s.Status,
		StepsCompleted: s.StepsCompleted,
		StepsToExecute: s.StepsToExecute,
		FailureReason:  s.FailureReason,
		Ready:          s.Ready(),
	}, nil
}

// IsReady is a convenience wrapper returning false (rather than an error)
// when the document is unknown, matching a common polling pattern where
// callers don't yet distinguish "not found" from "not ready."
func (r *StatusReporter) IsReady(ctx context.Context, index, documentID string) bool {
	proj, err := r.Status(ctx, index, documentID)
	if err != nil {
		return false
	}
	return proj.Ready
}

// ListIndexes returns every known index name, per the GET /indexes shape.
func (r *StatusReporter) ListIndexes(ctx context.Context) ([]string, error) {
	names, err := r.store.ListIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline.StatusReporter.ListIndexes: %w", err)
	}
	return names, nil
}

// ListIndex returns projections for every document in index.
func (r *StatusReporter) ListIndex(ctx context.Context, index string) ([]*StatusProjection, error) {
	states, err := r.store.List(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("pipeline.StatusReporter.ListIndex: %w", err)
	}

	out := make([]*StatusProjection, 0, len(states))
	for _, s := range states {
		out = append(out, &StatusProjection{
			Index:          s.Index,
			DocumentID:     s.DocumentID,
			Status:         s.Status,
			StepsCompleted: s.StepsCompleted,
			StepsToExecute: s.StepsToExecute,
			FailureReason:  s.FailureReason,
			Ready:          s.Ready(),
		})
	}
	return out, nil
}
