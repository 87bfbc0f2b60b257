// Package index implements the retrieval index: the vector + metadata store
// populated by the final pipeline step and queried by search.
package index

import (
	"context"
	"errors"

	"github.com/memoryvault/ingest/internal/tag"
)

// ErrDimensionMismatch is returned when a chunk's embedding does not match
// the index's configured vector dimensionality.
var ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")

// Chunk is the unit of retrieval: a text fragment with its embedding and tags.
type Chunk struct {
	ID         string
	Index      string
	DocumentID string
	FileID     string
	FilePart   int
	Text       string
	Embedding  []float32
	Tags       tag.Collection
}

// Scored pairs a Chunk with its similarity score against a query embedding.
type Scored struct {
	Chunk Chunk
	Score float64
}

// Index is the capability set every retrieval backend implements, per §4.F:
// upsert, delete_by_filter, search.
type Index interface {
	// Upsert writes or replaces chunks. Concurrent upserts for distinct
	// document ids must be safe; last-writer-wins is acceptable for the
	// same document id.
	Upsert(ctx context.Context, chunks []Chunk) error

	// DeleteByFilter removes every chunk in index whose tags satisfy filter.
	DeleteByFilter(ctx context.Context, index string, filter tag.Filter) error

	// Search orders candidates in index by cosine similarity to embedding,
	// descending, restricted to chunks whose tags match filters (an empty
	// FilterList matches everything). minScore is a lower bound on
	// similarity. limit caps the result count; a negative limit returns
	// every match above minScore.
	Search(ctx context.Context, index string, embedding []float32, filters tag.FilterList, minScore float64, limit int) ([]Scored, error)
}
