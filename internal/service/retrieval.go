package service

import "github.com/memoryvault/ingest/internal/model"

// RankedChunk is a single retrieved chunk alongside its scoring and owning
// document, the shape GeneratorService and SelfRAGService consume when
// synthesising and critiquing an answer.
type RankedChunk struct {
	Chunk      model.DocumentChunk
	Similarity float64
	FinalScore float64
	Document   model.Document
}

// RetrievalResult is the full output of a retrieval pass: the ranked chunks
// handed to generation, plus counts describing how much was searched versus
// how much was returned, for cache population and diagnostics.
type RetrievalResult struct {
	Chunks              []RankedChunk
	TotalCandidates     int
	TotalDocumentsFound int
}
