package service

import (
	"context"
	"time"
)

// DocumentAIClient abstracts Document AI's OCR/parse call for testability;
// gcpclient.DocumentAIAdapter implements it against the real API.
type DocumentAIClient interface {
	ProcessDocument(ctx context.Context, processor string, gcsURI string, mimeType string) (*DocumentAIResponse, error)
}

// DocumentAIResponse is the normalized result of a Document AI OCR pass.
type DocumentAIResponse struct {
	Text     string
	Pages    int
	Entities []Entity
}

// Entity is a named entity Document AI extracted from a processed document.
type Entity struct {
	Type       string
	Content    string
	Confidence float64
}

// ParseResult is the normalized output of a Parser's text extraction.
type ParseResult struct {
	Text  string
	Pages int
}

// SignedURLOptions configures a client-facing signed URL for upload or
// download, mirroring cloud.google.com/go/storage's own option struct so
// StorageClient implementations can pass it straight through.
type SignedURLOptions struct {
	Method      string
	Expires     time.Time
	ContentType string
}

// StorageClient abstracts the subset of Cloud Storage operations the
// artifact pipeline needs beyond raw byte storage: signed URLs for
// browser-direct upload/download.
type StorageClient interface {
	SignedURL(bucket, object string, opts *SignedURLOptions) (string, error)
}

// ObjectUploader abstracts writing whole objects, the
// capability gcpclient.StorageAdapter and artifact.GCSStore both need.
type ObjectUploader interface {
	Upload(ctx context.Context, bucket, object string, data []byte, contentType string) error
}

// EmbeddingClient abstracts the document-side embedding call (batch texts at
// ingestion time); gcpclient.EmbeddingAdapter.EmbedTexts implements it.
type EmbeddingClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder abstracts the query-side embedding call (single query at
// search time, RETRIEVAL_QUERY task type); gcpclient.EmbeddingAdapter.Embed
// and handler.QueryEmbedder both model this narrow shape.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Parser abstracts text extraction from a stored artifact's raw bytes.
// gcpclient.TextParser and pipeline.DocAIParser/PlainTextParser each
// implement a variant of this capability for their respective input kinds.
type Parser interface {
	Extract(ctx context.Context, gcsURI string) (*ParseResult, error)
}
