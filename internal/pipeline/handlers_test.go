package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/memoryvault/ingest/internal/artifact"
	"github.com/memoryvault/ingest/internal/index"
	"github.com/memoryvault/ingest/internal/queue"
	"github.com/memoryvault/ingest/internal/tag"
)

type upperParser struct{}

func (upperParser) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	return strings.ToUpper(string(data)), nil
}

type wordChunker struct{}

func (wordChunker) Chunk(ctx context.Context, text string) ([]string, error) {
	return strings.Fields(text), nil
}

type constEmbedder struct{ dim int }

func (e constEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, e.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func newWiredRegistry(store artifact.Store, idx index.Index) *Registry {
	r := NewRegistry()
	r.Register(stepExtractText, &ExtractTextHandler{Artifacts: store, Parser: upperParser{}})
	r.Register(stepPartitionText, &PartitionTextHandler{Artifacts: store, Chunker: wordChunker{}})
	r.Register(stepGenerateEmbeddings, &GenerateEmbeddingsHandler{Artifacts: store, Embedder: constEmbedder{dim: 4}})
	r.Register(stepSaveRecords, &SaveRecordsHandler{Artifacts: store, Index: idx})
	return r
}

func TestHandlersEndToEndThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	idx := index.NewMemoryIndex()
	registry := newWiredRegistry(store, idx)

	srcKey := artifact.Key("kb", "doc1", "source.0.txt")
	if err := store.Put(ctx, srcKey, []byte("the moon orbits the earth")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	states := NewMemoryStateStore()
	s := NewState("kb", "doc1", DefaultSteps, nil, time.Now())
	s.AddFile(FileRef{OriginalName: "hello.txt", ArtifactKey: srcKey, MimeType: "text/plain"}, time.Now())
	if err := states.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	q := queue.NewMemoryQueue(time.Minute, 20)
	if err := q.Enqueue(ctx, queue.Message{Index: s.Index, DocumentID: s.DocumentID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	orch := NewOrchestrator(q, states, registry)
	for i := 0; i < len(DefaultSteps)+1; i++ {
		worked, err := orch.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !worked {
			break
		}
	}

	final, err := states.Load(ctx, "kb", "doc1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != StatusComplete {
		t.Fatalf("expected complete, got %s (failure: %v)", final.Status, final.FailureReason)
	}

	results, err := idx.Search(ctx, "kb", []float32{3, 0, 0, 0}, nil, -1, -1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one chunk indexed")
	}
	for _, r := range results {
		if !r.Chunk.Tags.HasValue(tag.KeyDocumentID, "doc1") {
			t.Fatalf("expected __document_id tag, got %+v", r.Chunk.Tags)
		}
	}
}

func TestExtractTextHandlerIsIdempotentOnRepeatedInvoke(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	srcKey := artifact.Key("kb", "doc1", "source.0.txt")
	store.Put(ctx, srcKey, []byte("hello world"))

	s := NewState("kb", "doc1", []string{stepExtractText}, nil, time.Now())
	s.AddFile(FileRef{ArtifactKey: srcKey, MimeType: "text/plain"}, time.Now())

	h := &ExtractTextHandler{Artifacts: store, Parser: upperParser{}}
	first, outcome1 := h.Invoke(ctx, s)
	if outcome1.Kind != Advance {
		t.Fatalf("expected advance, got %+v", outcome1)
	}
	if len(first.Files[0].Descendants) != 1 {
		t.Fatalf("expected 1 descendant, got %d", len(first.Files[0].Descendants))
	}

	second, outcome2 := h.Invoke(ctx, first)
	if outcome2.Kind != Advance {
		t.Fatalf("expected advance on second invoke, got %+v", outcome2)
	}
	if len(second.Files[0].Descendants) != 1 {
		t.Fatalf("expected idempotent invoke to not duplicate descendants, got %d", len(second.Files[0].Descendants))
	}
}

func TestGenerateEmbeddingsHandlerFatalOnVectorCountMismatch(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	srcKey := artifact.Key("kb", "doc1", "source.0.txt")
	partKey := artifact.Key("kb", "doc1", "partition_text.0.0.txt")
	store.Put(ctx, partKey, []byte("hi"))

	s := NewState("kb", "doc1", []string{stepGenerateEmbeddings}, nil, time.Now())
	s.AddFile(FileRef{ArtifactKey: srcKey}, time.Now())
	s.AddDescendant(srcKey, Descendant{Step: stepPartitionText, ArtifactKey: partKey}, time.Now())

	h := &GenerateEmbeddingsHandler{Artifacts: store, Embedder: mismatchEmbedder{}}
	_, outcome := h.Invoke(ctx, s)
	if outcome.Kind != Fatal {
		t.Fatalf("expected fatal outcome, got %+v", outcome)
	}
}

type mismatchEmbedder struct{}

func (mismatchEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestExtractTextHandlerRetriesOnMissingSource(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	s := NewState("kb", "doc1", []string{stepExtractText}, nil, time.Now())
	s.AddFile(FileRef{ArtifactKey: artifact.Key("kb", "doc1", "missing.txt")}, time.Now())

	h := &ExtractTextHandler{Artifacts: store, Parser: upperParser{}}
	_, outcome := h.Invoke(ctx, s)
	if outcome.Kind != RetryLater {
		t.Fatalf("expected retry later for missing source artifact, got %+v", outcome)
	}
}
