package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/memoryvault/ingest/internal/tag"
)

// PgVectorIndex is the Postgres/pgvector-backed Index, storing chunks in the
// retrieval_chunks table and ranking search results by cosine distance
// against the embedding column, adapted from the teacher's ChunkRepo
// similarity search and BM25Repository full-text search.
type PgVectorIndex struct {
	pool *pgxpool.Pool
}

// NewPgVectorIndex creates a PgVectorIndex.
func NewPgVectorIndex(pool *pgxpool.Pool) *PgVectorIndex {
	return &PgVectorIndex{pool: pool}
}

var _ Index = (*PgVectorIndex)(nil)

func (p *PgVectorIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for _, c := range chunks {
		tagsJSON, err := marshalTags(c.Tags)
		if err != nil {
			return fmt.Errorf("index.PgVectorIndex.Upsert: %w", err)
		}
		embedding := pgvector.NewVector(c.Embedding)
		batch.Queue(`
			INSERT INTO retrieval_chunks (id, index_name, document_id, file_id, file_part, content, tags, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				tags = EXCLUDED.tags,
				embedding = EXCLUDED.embedding`,
			c.ID, c.Index, c.DocumentID, c.FileID, c.FilePart, c.Text, tagsJSON, embedding, now,
		)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(chunks); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("index.PgVectorIndex.Upsert: chunk %d: %w", i, err)
		}
	}
	return nil
}

func (p *PgVectorIndex) DeleteByFilter(ctx context.Context, index string, filter tag.Filter) error {
	if len(filter) == 0 {
		_, err := p.pool.Exec(ctx, `DELETE FROM retrieval_chunks WHERE index_name = $1`, index)
		if err != nil {
			return fmt.Errorf("index.PgVectorIndex.DeleteByFilter: %w", err)
		}
		return nil
	}

	// General multi-valued tag predicates don't map cleanly onto a single
	// JSONB containment clause, so narrow by index_name in SQL and apply
	// the conjunctive predicate match in Go, matching the candidate-then-filter
	// shape the teacher uses for privileged-document exclusion.
	rows, err := p.pool.Query(ctx, `SELECT id, tags FROM retrieval_chunks WHERE index_name = $1`, index)
	if err != nil {
		return fmt.Errorf("index.PgVectorIndex.DeleteByFilter: %w", err)
	}
	var toDelete []string
	for rows.Next() {
		var id string
		var tagsJSON []byte
		if err := rows.Scan(&id, &tagsJSON); err != nil {
			rows.Close()
			return fmt.Errorf("index.PgVectorIndex.DeleteByFilter: scan: %w", err)
		}
		tags, err := unmarshalTags(tagsJSON)
		if err != nil {
			rows.Close()
			return fmt.Errorf("index.PgVectorIndex.DeleteByFilter: %w", err)
		}
		if filter.Matches(tags) {
			toDelete = append(toDelete, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index.PgVectorIndex.DeleteByFilter: %w", err)
	}
	if len(toDelete) == 0 {
		return nil
	}

	_, err = p.pool.Exec(ctx, `DELETE FROM retrieval_chunks WHERE id = ANY($1)`, toDelete)
	if err != nil {
		return fmt.Errorf("index.PgVectorIndex.DeleteByFilter: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Search(ctx context.Context, index string, embedding []float32, filters tag.FilterList, minScore float64, limit int) ([]Scored, error) {
	if limit == 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)

	// Pull a generous candidate pool scoped by index and cosine distance,
	// then apply the DNF tag filter and the final limit in Go. This mirrors
	// the teacher's SimilaritySearch query shape (threshold + ORDER BY
	// distance + LIMIT), generalised to arbitrary multi-valued tag filters.
	poolSize := limit
	if poolSize < 0 || poolSize > 500 {
		poolSize = 500
	}
	candidatePool := poolSize * 4
	if candidatePool <= 0 {
		candidatePool = 2000
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, file_id, file_part, content, tags,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM retrieval_chunks
		WHERE index_name = $2
		  AND (1 - (embedding <=> $1::vector)) > $3
		ORDER BY embedding <=> $1::vector
		LIMIT $4
	`, vec, index, minScore, candidatePool)
	if err != nil {
		return nil, fmt.Errorf("index.PgVectorIndex.Search: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		var c Chunk
		var tagsJSON []byte
		var score float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.FileID, &c.FilePart, &c.Text, &tagsJSON, &score); err != nil {
			return nil, fmt.Errorf("index.PgVectorIndex.Search: scan: %w", err)
		}
		tags, err := unmarshalTags(tagsJSON)
		if err != nil {
			return nil, fmt.Errorf("index.PgVectorIndex.Search: %w", err)
		}
		c.Index = index
		c.Tags = tags
		if !filters.Matches(tags) {
			continue
		}
		results = append(results, Scored{Chunk: c, Score: score})
		if limit >= 0 && len(results) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index.PgVectorIndex.Search: %w", err)
	}

	slog.Debug("index.PgVectorIndex.Search complete", "index", index, "results", len(results))
	return results, nil
}

// marshalTags flattens a tag.Collection into a JSON object of key -> []string
// for storage, since Collection's internal map[string]struct{} representation
// is an implementation detail of the in-process filter matcher.
func marshalTags(c tag.Collection) ([]byte, error) {
	flat := make(map[string][]string, len(c))
	for k := range c {
		flat[k] = c.Values(k)
	}
	return json.Marshal(flat)
}

func unmarshalTags(data []byte) (tag.Collection, error) {
	var flat map[string][]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	c := tag.NewCollection()
	for k, values := range flat {
		if len(values) == 0 {
			c.Add(k, "")
			continue
		}
		for _, v := range values {
			c.Add(k, v)
		}
	}
	return c, nil
}
