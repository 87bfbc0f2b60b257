package pipeline

import (
	"context"
	"testing"

	"github.com/memoryvault/ingest/internal/service"
)

func TestPlainTextParserExtractReturnsBytesAsIs(t *testing.T) {
	p := PlainTextParser{}
	text, err := p.Extract(context.Background(), []byte("hello world"), "text/plain")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected passthrough text, got %q", text)
	}
}

func TestChunkerServiceAdapterFlattensToStrings(t *testing.T) {
	a := &ChunkerServiceAdapter{Chunker: service.NewChunkerService(50, 0.2)}
	parts, err := a.Chunk(context.Background(), "The moon orbits the earth.\n\nIt takes about 27 days.")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(parts) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, p := range parts {
		if p == "" {
			t.Fatal("expected no empty chunks")
		}
	}
}
