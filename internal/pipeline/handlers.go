package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memoryvault/ingest/internal/artifact"
	"github.com/memoryvault/ingest/internal/index"
	"github.com/memoryvault/ingest/internal/tag"
)

// Parser extracts text from raw source bytes, generalising
// gcpclient.DocumentAIAdapter/TextParser away from a concrete GCS URI so the
// extract_text step works against any artifact.Store backend.
type Parser interface {
	Extract(ctx context.Context, data []byte, mimeType string) (text string, err error)
}

// Chunker splits extracted text into retrievable partitions, generalising
// service.ChunkerService's Chunk method away from its Postgres-specific
// Chunk return type.
type Chunker interface {
	Chunk(ctx context.Context, text string) ([]string, error)
}

// Embedder generates dense vectors for a batch of text partitions,
// generalising gcpclient.EmbeddingAdapter.EmbedTexts.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// FatalHandlerError marks a handler failure as permanent, per §7's
// "Permanent" error kind: the document transitions to failed rather than
// being retried.
type FatalHandlerError struct {
	Reason string
}

func (e *FatalHandlerError) Error() string { return e.Reason }

// Fatal wraps reason as a *FatalHandlerError.
func Fatal(reason string) error { return &FatalHandlerError{Reason: reason} }

// retryOrFail classifies err as Fatal if it is (or wraps) a
// *FatalHandlerError, else as a transient RetryLater outcome with delay 0
// (the orchestrator computes the actual backoff from the message's attempt
// count).
func retryOrFail(err error) Outcome {
	var fatal *FatalHandlerError
	if errors.As(err, &fatal) {
		return FatalOutcome(fatal.Reason)
	}
	o := RetryLaterOutcome(0)
	o.Reason = err.Error()
	return o
}

// hasDescendant reports whether fileArtifactKey already has a descendant
// produced by step, making handler invocation idempotent on retry/redelivery
// per §4.E's "detect prior work via stable artifact keys" rule.
func hasDescendant(s *State, fileArtifactKey, step string) (Descendant, bool) {
	for _, f := range s.Files {
		if f.ArtifactKey != fileArtifactKey {
			continue
		}
		for _, d := range f.Descendants {
			if d.Step == step {
				return d, true
			}
		}
	}
	return Descendant{}, false
}

// ExtractTextHandler implements the extract_text step: it downloads each
// source file's bytes and runs them through a Parser, storing the resulting
// plain-text artifact as a descendant of the source file.
type ExtractTextHandler struct {
	Artifacts artifact.Store
	Parser    Parser
}

const stepExtractText = "extract_text"

func (h *ExtractTextHandler) Invoke(ctx context.Context, s *State) (*State, Outcome) {
	now := time.Now()
	for i, f := range s.Files {
		if _, ok := hasDescendant(s, f.ArtifactKey, stepExtractText); ok {
			continue
		}

		data, err := h.Artifacts.Get(ctx, f.ArtifactKey)
		if err != nil {
			return s, retryOrFail(fmt.Errorf("extract_text: read source %d: %w", i, err))
		}

		text, err := h.Parser.Extract(ctx, data, f.MimeType)
		if err != nil {
			return s, retryOrFail(fmt.Errorf("extract_text: parse source %d: %w", i, err))
		}

		outKey := artifact.Key(s.Index, s.DocumentID, fmt.Sprintf("extract_text.%d.txt", i))
		if err := h.Artifacts.Put(ctx, outKey, []byte(text)); err != nil {
			return s, retryOrFail(fmt.Errorf("extract_text: write artifact %d: %w", i, err))
		}

		s.AddDescendant(f.ArtifactKey, Descendant{Step: stepExtractText, ArtifactKey: outKey, ContentType: "text/plain"}, now)
	}
	return s, AdvanceOutcome()
}

// PartitionTextHandler implements the partition_text step: it chunks each
// file's extracted text artifact into one partition artifact per chunk.
type PartitionTextHandler struct {
	Artifacts artifact.Store
	Chunker   Chunker
}

const stepPartitionText = "partition_text"

func (h *PartitionTextHandler) Invoke(ctx context.Context, s *State) (*State, Outcome) {
	now := time.Now()
	for i, f := range s.Files {
		if _, ok := hasDescendant(s, f.ArtifactKey, stepPartitionText); ok {
			continue
		}

		extracted, ok := hasDescendant(s, f.ArtifactKey, stepExtractText)
		if !ok {
			return s, retryOrFail(fmt.Errorf("partition_text: file %d has no extracted text yet", i))
		}

		text, err := h.Artifacts.Get(ctx, extracted.ArtifactKey)
		if err != nil {
			return s, retryOrFail(fmt.Errorf("partition_text: read extracted text %d: %w", i, err))
		}

		parts, err := h.Chunker.Chunk(ctx, string(text))
		if err != nil {
			return s, retryOrFail(fmt.Errorf("partition_text: chunk file %d: %w", i, err))
		}

		for part, chunkText := range parts {
			outKey := artifact.Key(s.Index, s.DocumentID, fmt.Sprintf("partition_text.%d.%d.txt", i, part))
			if err := h.Artifacts.Put(ctx, outKey, []byte(chunkText)); err != nil {
				return s, retryOrFail(fmt.Errorf("partition_text: write partition %d/%d: %w", i, part, err))
			}
			s.AddDescendant(f.ArtifactKey, Descendant{Step: stepPartitionText, ArtifactKey: outKey, ContentType: "text/plain"}, now)
		}
	}
	return s, AdvanceOutcome()
}

// GenerateEmbeddingsHandler implements the generate_embeddings step: it
// embeds every partition artifact and stores the resulting vector alongside
// it as a JSON-encoded float32 array artifact.
type GenerateEmbeddingsHandler struct {
	Artifacts artifact.Store
	Embedder  Embedder
}

const stepGenerateEmbeddings = "generate_embeddings"

func (h *GenerateEmbeddingsHandler) Invoke(ctx context.Context, s *State) (*State, Outcome) {
	now := time.Now()
	for i, f := range s.Files {
		if _, ok := hasDescendant(s, f.ArtifactKey, stepGenerateEmbeddings); ok {
			continue
		}

		var partitions []Descendant
		for _, d := range f.Descendants {
			if d.Step == stepPartitionText {
				partitions = append(partitions, d)
			}
		}
		if len(partitions) == 0 {
			return s, retryOrFail(fmt.Errorf("generate_embeddings: file %d has no partitions yet", i))
		}

		texts := make([]string, len(partitions))
		for j, d := range partitions {
			data, err := h.Artifacts.Get(ctx, d.ArtifactKey)
			if err != nil {
				return s, retryOrFail(fmt.Errorf("generate_embeddings: read partition %d/%d: %w", i, j, err))
			}
			texts[j] = string(data)
		}

		vectors, err := h.Embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return s, retryOrFail(fmt.Errorf("generate_embeddings: embed file %d: %w", i, err))
		}
		if len(vectors) != len(texts) {
			return s, FatalOutcome(fmt.Sprintf("generate_embeddings: embedder returned %d vectors for %d texts", len(vectors), len(texts)))
		}

		for j, d := range partitions {
			encoded, err := encodeEmbedding(vectors[j])
			if err != nil {
				return s, retryOrFail(fmt.Errorf("generate_embeddings: encode %d/%d: %w", i, j, err))
			}
			outKey := d.ArtifactKey + ".embedding.json"
			if err := h.Artifacts.Put(ctx, outKey, encoded); err != nil {
				return s, retryOrFail(fmt.Errorf("generate_embeddings: write embedding %d/%d: %w", i, j, err))
			}
			s.AddDescendant(f.ArtifactKey, Descendant{Step: stepGenerateEmbeddings, ArtifactKey: outKey, ContentType: "application/json"}, now)
		}
	}
	return s, AdvanceOutcome()
}

// SaveRecordsHandler implements the save_records step: it assembles every
// partition and its embedding into index.Chunk records and upserts them into
// the Retrieval Index, tagging each with the automatic
// __document_id/__file_id/__file_part keys.
// Provenance is the optional side-index SaveRecordsHandler notifies after a
// successful upsert, satisfied by index.Neo4jProvenance. A nil Provenance
// skips lineage recording entirely.
type Provenance interface {
	RecordChunks(ctx context.Context, index string, chunks []index.Chunk) error
}

type SaveRecordsHandler struct {
	Artifacts  artifact.Store
	Index      index.Index
	Provenance Provenance // optional
}

const stepSaveRecords = "save_records"

func (h *SaveRecordsHandler) Invoke(ctx context.Context, s *State) (*State, Outcome) {
	var chunks []index.Chunk

	for i, f := range s.Files {
		partitionByKey := make(map[string]Descendant)
		for _, d := range f.Descendants {
			if d.Step == stepPartitionText {
				partitionByKey[d.ArtifactKey] = d
			}
		}

		for _, d := range f.Descendants {
			if d.Step != stepGenerateEmbeddings {
				continue
			}
			partitionKey := partitionKeyFromEmbeddingKey(d.ArtifactKey)
			partition, ok := partitionByKey[partitionKey]
			if !ok {
				continue
			}

			text, err := h.Artifacts.Get(ctx, partition.ArtifactKey)
			if err != nil {
				return s, retryOrFail(fmt.Errorf("save_records: read partition text: %w", err))
			}
			embData, err := h.Artifacts.Get(ctx, d.ArtifactKey)
			if err != nil {
				return s, retryOrFail(fmt.Errorf("save_records: read embedding: %w", err))
			}
			vec, err := decodeEmbedding(embData)
			if err != nil {
				return s, retryOrFail(fmt.Errorf("save_records: decode embedding: %w", err))
			}

			tags := s.Tags.Clone()
			fileID := fmt.Sprintf("%d", i)
			part := partIndexFromKey(partition.ArtifactKey)
			tags.Add(tag.KeyDocumentID, s.DocumentID)
			tags.Add(tag.KeyFileID, fileID)
			tags.Add(tag.KeyFilePart, fmt.Sprintf("%d", part))

			chunks = append(chunks, index.Chunk{
				ID:         partition.ArtifactKey,
				Index:      s.Index,
				DocumentID: s.DocumentID,
				FileID:     fileID,
				FilePart:   part,
				Text:       string(text),
				Embedding:  vec,
				Tags:       tags,
			})
		}
	}

	if len(chunks) == 0 {
		return s, AdvanceOutcome()
	}

	if err := h.Index.Upsert(ctx, chunks); err != nil {
		return s, retryOrFail(fmt.Errorf("save_records: upsert: %w", err))
	}

	if h.Provenance != nil {
		if err := h.Provenance.RecordChunks(ctx, s.Index, chunks); err != nil {
			slog.Default().Warn("save_records: provenance recording failed", "error", err, "document_id", s.DocumentID)
		}
	}

	return s, AdvanceOutcome()
}
