package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/memoryvault/ingest/internal/artifact"
	"github.com/memoryvault/ingest/internal/queue"
	"github.com/memoryvault/ingest/internal/tag"
)

// SourceFile is one file attached to an ingest request: a name and an
// opaque byte stream, per §3's Document definition.
type SourceFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// IngestRequest is the ingress-level request to begin a document's
// pipeline, corresponding to the POST /upload shape of §6.
type IngestRequest struct {
	Index      string
	DocumentID string // empty generates a fresh id
	Tags       tag.Collection
	Steps      []string // empty uses DefaultSteps
	Files      []SourceFile
}

// ValidationError is returned synchronously to the ingress caller and never
// enqueued, per §7.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline: validation failed: %s", e.Reason)
}

// ChunkDeleter is the subset of the Retrieval Index's capability set the
// Ingestor needs to cascade a document deletion, kept as a narrow local
// interface to avoid an import cycle with the index package.
type ChunkDeleter interface {
	DeleteByFilter(ctx context.Context, index string, filter tag.Filter) error
}

// Ingestor implements the ingress side of the data flow in §2: it creates
// Pipeline State, writes source files to the Artifact Store, and enqueues
// the first step. It also implements DeleteDocument, cascading across all
// three backends.
type Ingestor struct {
	Artifacts        artifact.Store
	States           StateStore
	Queue            queue.Queue
	Registry         *Registry
	Index            ChunkDeleter // optional; nil skips index cascade
	DefaultIndexName string
}

// Ingest validates the request, persists its initial state, and enqueues
// the first step. A zero-file document or an unknown step is rejected
// synchronously with a *ValidationError and never reaches the queue.
//
// Re-ingesting a document id that is still pending or processing is
// rejected as a validation error too, per the spec's chosen resolution of
// the "atomicity of re-ingesting an in-flight document" open question.
// Re-ingesting a terminal (complete/failed/cancelled) document id replaces
// its prior state and artifacts atomically from the reader's perspective.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*State, error) {
	if len(req.Files) == 0 {
		return nil, &ValidationError{Reason: "document must contain at least one file"}
	}

	index, err := CanonicalizeIndexName(req.Index, ing.DefaultIndexName)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	steps := req.Steps
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	if err := ing.Registry.ValidateSteps(steps); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = NewDocumentID()
	}

	if existing, err := ing.States.Load(ctx, index, documentID); err == nil {
		if !existing.IsTerminal() {
			return nil, &ValidationError{Reason: fmt.Sprintf("document %s is still in-flight", documentID)}
		}
		if err := ing.purge(ctx, index, documentID); err != nil {
			return nil, fmt.Errorf("pipeline.Ingestor.Ingest: replace prior state: %w", err)
		}
	} else if err != ErrNotFound {
		return nil, fmt.Errorf("pipeline.Ingestor.Ingest: %w", err)
	}

	now := time.Now()
	state := NewState(index, documentID, steps, req.Tags, now)

	for i, f := range req.Files {
		ext := filepath.Ext(f.Name)
		key := artifact.Key(index, documentID, artifact.SourceName(i, strings.TrimPrefix(ext, ".")))
		if err := ing.Artifacts.Put(ctx, key, f.Data); err != nil {
			return nil, fmt.Errorf("pipeline.Ingestor.Ingest: write source %d: %w", i, err)
		}
		state.AddFile(FileRef{
			OriginalName: f.Name,
			ArtifactKey:  key,
			MimeType:     f.MimeType,
			SizeBytes:    int64(len(f.Data)),
		}, now)
	}

	if err := ing.States.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("pipeline.Ingestor.Ingest: save state: %w", err)
	}

	if err := ing.Queue.Enqueue(ctx, queue.Message{Index: index, DocumentID: documentID}); err != nil {
		return nil, fmt.Errorf("pipeline.Ingestor.Ingest: enqueue: %w", err)
	}

	return state, nil
}

// purge removes a prior terminal state's artifacts and index entries ahead
// of a replacing ingest, without touching the state record itself (Ingest
// overwrites that via Put).
func (ing *Ingestor) purge(ctx context.Context, index, documentID string) error {
	prefix := index + "/" + documentID + "/"
	if err := ing.Artifacts.Delete(ctx, prefix); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if ing.Index != nil {
		filter := tag.Filter{{Key: tag.KeyDocumentID, Value: documentID}}
		if err := ing.Index.DeleteByFilter(ctx, index, filter); err != nil {
			return fmt.Errorf("delete index records: %w", err)
		}
	}
	return nil
}

// DeleteDocument removes a document's state, artifacts, and index records,
// per §3's lifecycle note and testable scenario 6. It is idempotent: an
// already-absent document is not an error.
func (ing *Ingestor) DeleteDocument(ctx context.Context, index, documentID string) error {
	if err := ing.purge(ctx, index, documentID); err != nil {
		return fmt.Errorf("pipeline.Ingestor.DeleteDocument: %w", err)
	}
	if err := ing.States.Delete(ctx, index, documentID); err != nil {
		return fmt.Errorf("pipeline.Ingestor.DeleteDocument: %w", err)
	}
	return nil
}

// DeleteIndex removes every document, artifact, and index record under
// index, per the DELETE /indexes ingress shape in §6.
func (ing *Ingestor) DeleteIndex(ctx context.Context, index string) error {
	states, err := ing.States.List(ctx, index)
	if err != nil {
		return fmt.Errorf("pipeline.Ingestor.DeleteIndex: list: %w", err)
	}
	for _, s := range states {
		if err := ing.DeleteDocument(ctx, index, s.DocumentID); err != nil {
			return fmt.Errorf("pipeline.Ingestor.DeleteIndex: %w", err)
		}
	}
	return nil
}
