package index

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// neo4jResult is the minimal interface needed from a neo4j result, narrowed
// so tests can substitute a fake session without a live driver.
type neo4jResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// neo4jRunner is the minimal interface needed from a neo4j session.
type neo4jRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4jResult, error)
	Close(ctx context.Context) error
}

type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (neo4jResult, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Neo4jProvenance is an optional side-index: whenever chunks are upserted
// into the Retrieval Index, it also records (:Document)-[:HAS_CHUNK]->(:Chunk)
// relationships so internal lineage queries ("which chunks descend from
// document X") don't require scanning the vector store. It is not part of
// the public search surface.
type Neo4jProvenance struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) neo4jRunner // test seam
}

// NewNeo4jProvenance creates a Neo4jProvenance backed by driver.
func NewNeo4jProvenance(driver neo4j.DriverWithContext) *Neo4jProvenance {
	return &Neo4jProvenance{driver: driver}
}

func (p *Neo4jProvenance) session(ctx context.Context) neo4jRunner {
	if p.newSession != nil {
		return p.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: p.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// RecordChunks merges a Document node and Chunk nodes for every chunk in
// chunks, and a HAS_CHUNK relationship between them. Safe to call repeatedly
// for the same ids (MERGE is idempotent).
func (p *Neo4jProvenance) RecordChunks(ctx context.Context, index string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	sess := p.session(ctx)
	defer sess.Close(ctx)

	for _, c := range chunks {
		_, err := sess.Run(ctx, `
			MERGE (d:Document {index: $index, id: $documentID})
			MERGE (c:Chunk {index: $index, id: $chunkID})
			SET c.fileId = $fileID, c.filePart = $filePart
			MERGE (d)-[:HAS_CHUNK]->(c)
		`, map[string]any{
			"index":      index,
			"documentID": c.DocumentID,
			"chunkID":    c.ID,
			"fileID":     c.FileID,
			"filePart":   c.FilePart,
		})
		if err != nil {
			return fmt.Errorf("index.Neo4jProvenance.RecordChunks: %w", err)
		}
	}
	return nil
}

// DeleteDocument removes a Document node and every Chunk node reachable via
// HAS_CHUNK from it, mirroring the Retrieval Index's own delete_by_filter(__document_id=...).
func (p *Neo4jProvenance) DeleteDocument(ctx context.Context, index, documentID string) error {
	sess := p.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `
		MATCH (d:Document {index: $index, id: $documentID})
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		DETACH DELETE d, c
	`, map[string]any{"index": index, "documentID": documentID})
	if err != nil {
		return fmt.Errorf("index.Neo4jProvenance.DeleteDocument: %w", err)
	}
	return nil
}

// Lineage returns the chunk ids recorded under documentID, for internal
// lineage/debugging queries.
func (p *Neo4jProvenance) Lineage(ctx context.Context, index, documentID string) ([]string, error) {
	sess := p.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `
		MATCH (:Document {index: $index, id: $documentID})-[:HAS_CHUNK]->(c:Chunk)
		RETURN c.id AS chunkId
	`, map[string]any{"index": index, "documentID": documentID})
	if err != nil {
		return nil, fmt.Errorf("index.Neo4jProvenance.Lineage: %w", err)
	}

	var ids []string
	for res.Next(ctx) {
		v, ok := res.Record().Get("chunkId")
		if !ok {
			continue
		}
		id, ok := v.(string)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
