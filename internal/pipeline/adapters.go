package pipeline

import (
	"context"
	"fmt"

	"github.com/memoryvault/ingest/internal/gcpclient"
	"github.com/memoryvault/ingest/internal/service"
)

// DocAIParser adapts gcpclient.DocumentAIAdapter to the Parser interface.
// Document AI only accepts GCS-resident input, so bytes are first uploaded
// to ScratchBucket as "scratch/<byte length>" and processed from there,
// following the upload-then-process flow of
// gcpclient.StorageAdapter/DocumentAIAdapter. The scratch object is not
// deleted afterwards, and inputs of equal length reuse the same object name.
type DocAIParser struct {
	DocAI         *gcpclient.DocumentAIAdapter
	Storage       *gcpclient.StorageAdapter
	Processor     string
	ScratchBucket string
}

func (p *DocAIParser) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	object := fmt.Sprintf("scratch/%d", len(data))
	if err := p.Storage.Upload(ctx, p.ScratchBucket, object, data, mimeType); err != nil {
		return "", fmt.Errorf("pipeline.DocAIParser: stage: %w", err)
	}

	gcsURI := fmt.Sprintf("gs://%s/%s", p.ScratchBucket, object)
	resp, err := p.DocAI.ProcessDocument(ctx, p.Processor, gcsURI, mimeType)
	if err != nil {
		return "", fmt.Errorf("pipeline.DocAIParser: %w", err)
	}
	return resp.Text, nil
}

// PlainTextParser adapts gcpclient.TextParser-style passthrough extraction
// for already-plain-text inputs (.txt, .md, .csv), avoiding a Document AI
// round trip for formats that don't need OCR.
type PlainTextParser struct{}

func (PlainTextParser) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	return string(data), nil
}

// ChunkerServiceAdapter adapts service.ChunkerService's overlapping-window
// chunker to the Chunker interface, discarding the per-chunk metadata the
// original pipeline stored directly on SQL rows since the new pipeline
// carries metadata via tag.Collection instead.
type ChunkerServiceAdapter struct {
	Chunker *service.ChunkerService
}

func (a *ChunkerServiceAdapter) Chunk(ctx context.Context, text string) ([]string, error) {
	chunks, err := a.Chunker.Chunk(ctx, text, "")
	if err != nil {
		return nil, fmt.Errorf("pipeline.ChunkerServiceAdapter: %w", err)
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out, nil
}

// SemanticChunkerAdapter adapts service.SemanticChunkerService's
// header/paragraph/sentence-boundary splitter to the Chunker interface, for
// deployments that set CHUNKER_BACKEND=semantic instead of the default
// fixed-window ChunkerServiceAdapter.
type SemanticChunkerAdapter struct {
	Chunker *service.SemanticChunkerService
}

func (a *SemanticChunkerAdapter) Chunk(ctx context.Context, text string) ([]string, error) {
	chunks, err := a.Chunker.Chunk(ctx, text, "")
	if err != nil {
		return nil, fmt.Errorf("pipeline.SemanticChunkerAdapter: %w", err)
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out, nil
}

// EmbeddingAdapter adapts gcpclient.EmbeddingAdapter's document-embedding
// path to the Embedder interface.
type EmbeddingAdapter struct {
	Embedder *gcpclient.EmbeddingAdapter
}

func (a *EmbeddingAdapter) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := a.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("pipeline.EmbeddingAdapter: %w", err)
	}
	return vectors, nil
}
