package index

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type fakeNeo4jResult struct {
	records []*neo4j.Record
	idx     int
}

func (f *fakeNeo4jResult) Next(ctx context.Context) bool {
	if f.idx < len(f.records) {
		f.idx++
		return true
	}
	return false
}

func (f *fakeNeo4jResult) Record() *neo4j.Record {
	return f.records[f.idx-1]
}

type fakeNeo4jRunner struct {
	result  *fakeNeo4jResult
	err     error
	cyphers []string
}

func (f *fakeNeo4jRunner) Run(ctx context.Context, cypher string, params map[string]any) (neo4jResult, error) {
	f.cyphers = append(f.cyphers, cypher)
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &fakeNeo4jResult{}, nil
	}
	return f.result, nil
}

func (f *fakeNeo4jRunner) Close(ctx context.Context) error { return nil }

func chunkIDRecord(id string) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"chunkId"}, Values: []any{id}}
}

func newTestProvenance(runner *fakeNeo4jRunner) *Neo4jProvenance {
	return &Neo4jProvenance{newSession: func(ctx context.Context) neo4jRunner { return runner }}
}

func TestNeo4jProvenanceRecordChunksRunsOnePerChunk(t *testing.T) {
	runner := &fakeNeo4jRunner{}
	p := newTestProvenance(runner)

	chunks := []Chunk{
		{ID: "c1", DocumentID: "doc1", FileID: "f1", FilePart: 0},
		{ID: "c2", DocumentID: "doc1", FileID: "f1", FilePart: 1},
	}
	if err := p.RecordChunks(context.Background(), "kb", chunks); err != nil {
		t.Fatalf("RecordChunks: %v", err)
	}
	if len(runner.cyphers) != 2 {
		t.Fatalf("expected 2 MERGE statements, got %d", len(runner.cyphers))
	}
}

func TestNeo4jProvenanceRecordChunksNoopOnEmpty(t *testing.T) {
	runner := &fakeNeo4jRunner{}
	p := newTestProvenance(runner)
	if err := p.RecordChunks(context.Background(), "kb", nil); err != nil {
		t.Fatalf("RecordChunks: %v", err)
	}
	if len(runner.cyphers) != 0 {
		t.Fatalf("expected no cypher run for empty chunk list, got %d", len(runner.cyphers))
	}
}

func TestNeo4jProvenanceDeleteDocumentRunsDetachDelete(t *testing.T) {
	runner := &fakeNeo4jRunner{}
	p := newTestProvenance(runner)
	if err := p.DeleteDocument(context.Background(), "kb", "doc1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if len(runner.cyphers) != 1 {
		t.Fatalf("expected 1 cypher statement, got %d", len(runner.cyphers))
	}
}

func TestNeo4jProvenanceLineageReturnsChunkIDs(t *testing.T) {
	runner := &fakeNeo4jRunner{
		result: &fakeNeo4jResult{records: []*neo4j.Record{
			chunkIDRecord("c1"),
			chunkIDRecord("c2"),
		}},
	}
	p := newTestProvenance(runner)

	ids, err := p.Lineage(context.Background(), "kb", "doc1")
	if err != nil {
		t.Fatalf("Lineage: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestNeo4jProvenancePropagatesRunError(t *testing.T) {
	runner := &fakeNeo4jRunner{err: context.DeadlineExceeded}
	p := newTestProvenance(runner)
	if err := p.RecordChunks(context.Background(), "kb", []Chunk{{ID: "c1", DocumentID: "doc1"}}); err == nil {
		t.Fatal("expected error to propagate")
	}
}
