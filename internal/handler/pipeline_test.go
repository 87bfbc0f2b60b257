package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/memoryvault/ingest/internal/cache"
	"github.com/memoryvault/ingest/internal/index"
	"github.com/memoryvault/ingest/internal/service"
	"github.com/memoryvault/ingest/internal/tag"
)

// stubEmbedder counts Embed calls so tests can assert the embedding cache
// actually shortcircuits repeated queries.
type stubEmbedder struct {
	calls int
	vec   []float32
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

type stubAnswerer struct {
	calls int
}

func (s *stubAnswerer) Answer(ctx context.Context, query string, chunks []service.RankedChunk) (*service.ReflectionResult, error) {
	s.calls++
	return &service.ReflectionResult{FinalAnswer: "answer for " + query}, nil
}

func seedIndex(t *testing.T, idx index.Index, name string) {
	t.Helper()
	tags := tag.NewCollection()
	tags.Add(tag.KeyDocumentID, "doc-1")
	err := idx.Upsert(context.Background(), []index.Chunk{
		{
			ID:         "chunk-1",
			Index:      name,
			DocumentID: "doc-1",
			FileID:     "file-1",
			Text:       "The moon orbits the earth.",
			Embedding:  []float32{1, 0, 0},
			Tags:       tags,
		},
	})
	if err != nil {
		t.Fatalf("seed index: %v", err)
	}
}

func TestSearch_UsesEmbeddingCache(t *testing.T) {
	idx := index.NewMemoryIndex()
	seedIndex(t, idx, "default")

	embedder := &stubEmbedder{vec: []float32{1, 0, 0}}
	deps := PipelineDeps{
		Index:       idx,
		Embedder:    embedder,
		DefaultName: "default",
		EmbedCache:  cache.NewEmbeddingCache(time.Minute),
	}

	body := `{"query":"moon"}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		Search(deps)(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("iteration %d: status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
	}

	if embedder.calls != 1 {
		t.Errorf("Embed calls = %d, want 1 (second search should hit the cache)", embedder.calls)
	}
}

func TestAsk_UsesQueryCache(t *testing.T) {
	idx := index.NewMemoryIndex()
	seedIndex(t, idx, "default")

	embedder := &stubEmbedder{vec: []float32{1, 0, 0}}
	answerer := &stubAnswerer{}
	deps := PipelineDeps{
		Index:       idx,
		Embedder:    embedder,
		Answerer:    answerer,
		DefaultName: "default",
		EmbedCache:  cache.NewEmbeddingCache(time.Minute),
		QueryCache:  cache.New(time.Minute),
	}

	body := `{"question":"what orbits the earth?"}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		Ask(deps)(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("iteration %d: status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
		var resp envelope
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !resp.Success {
			t.Fatalf("iteration %d: success = false, error = %s", i, resp.Error)
		}
	}

	if embedder.calls != 1 {
		t.Errorf("Embed calls = %d, want 1 (second ask should hit the query cache)", embedder.calls)
	}
	if answerer.calls != 2 {
		t.Errorf("Answer calls = %d, want 2 (cached retrieval still synthesises an answer)", answerer.calls)
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	deps := PipelineDeps{DefaultName: "default"}
	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	Ask(deps)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
