package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/memoryvault/ingest/internal/tag"
)

// MemoryIndex is an in-process Index backend, used by tests and by
// single-node deployments that don't need a Postgres/pgvector backend.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]map[string]Chunk // index -> chunk id -> chunk
	dim    int                        // embedding width, learned from the first upsert
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{chunks: make(map[string]map[string]Chunk)}
}

var _ Index = (*MemoryIndex)(nil)

func (m *MemoryIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if m.dim == 0 {
			m.dim = len(c.Embedding)
		} else if len(c.Embedding) != m.dim {
			return ErrDimensionMismatch
		}
		bucket, ok := m.chunks[c.Index]
		if !ok {
			bucket = make(map[string]Chunk)
			m.chunks[c.Index] = bucket
		}
		bucket[c.ID] = c
	}
	return nil
}

func (m *MemoryIndex) DeleteByFilter(ctx context.Context, index string, filter tag.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.chunks[index]
	if !ok {
		return nil
	}
	for id, c := range bucket {
		if filter.Matches(c.Tags) {
			delete(bucket, id)
		}
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, index string, embedding []float32, filters tag.FilterList, minScore float64, limit int) ([]Scored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.chunks[index]
	results := make([]Scored, 0, len(bucket))
	for _, c := range bucket {
		if !filters.Matches(c.Tags) {
			continue
		}
		score := cosineSimilarity(embedding, c.Embedding)
		if score < minScore {
			continue
		}
		results = append(results, Scored{Chunk: c, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if limit < 0 || limit >= len(results) {
		return results, nil
	}
	return results[:limit], nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
