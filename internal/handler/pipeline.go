package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/memoryvault/ingest/internal/cache"
	"github.com/memoryvault/ingest/internal/index"
	"github.com/memoryvault/ingest/internal/middleware"
	"github.com/memoryvault/ingest/internal/model"
	"github.com/memoryvault/ingest/internal/pipeline"
	"github.com/memoryvault/ingest/internal/service"
	"github.com/memoryvault/ingest/internal/tag"
)

// QueryEmbedder abstracts query-time embedding for the search/ask handlers,
// mirroring service.QueryEmbedder's narrow shape so a single gcpclient
// adapter can satisfy both.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Answerer abstracts answer synthesis over already-ranked chunks for the
// /ask handler. AskAnswerer (below) composes service.GeneratorService and
// service.SelfRAGService to satisfy it.
type Answerer interface {
	Answer(ctx context.Context, query string, chunks []service.RankedChunk) (*service.ReflectionResult, error)
}

// AskAnswerer wires a GeneratorService's initial draft through a
// SelfRAGService's reflection loop, grounded on service.SelfRAGService's own
// Generate-then-Reflect usage in its tests.
type AskAnswerer struct {
	Generator *service.GeneratorService
	SelfRAG   *service.SelfRAGService
	Opts      service.GenerateOpts
}

func (a *AskAnswerer) Answer(ctx context.Context, query string, chunks []service.RankedChunk) (*service.ReflectionResult, error) {
	initial, err := a.Generator.Generate(ctx, query, chunks, a.Opts)
	if err != nil {
		return nil, err
	}
	return a.SelfRAG.Reflect(ctx, query, chunks, initial)
}

// PipelineDeps bundles the dependencies the ingestion pipeline's HTTP
// surface needs, matching §6's external interfaces.
type PipelineDeps struct {
	Ingestor    *pipeline.Ingestor
	Status      *pipeline.StatusReporter
	Index       index.Index
	Embedder    QueryEmbedder
	Answerer    Answerer
	DefaultName string

	// EmbedCache, when non-nil, short-circuits Embedder.Embed for repeated
	// search/ask queries. Satisfied by *cache.EmbeddingCache (in-process) or
	// *cache.RedisEmbeddingCache (shared across instances).
	EmbedCache cache.EmbeddingStore

	// QueryCache, when non-nil, short-circuits retrieval (embed + index
	// search) entirely for a repeated /ask question from the same caller.
	QueryCache *cache.QueryCache
}

// embedQueryCached embeds a single query string, consulting deps.EmbedCache
// first so repeated queries skip the embedding adapter round-trip.
func embedQueryCached(ctx context.Context, deps PipelineDeps, query string) ([]float32, error) {
	hash := cache.EmbeddingQueryHash(query)
	if deps.EmbedCache != nil {
		if vec, ok := deps.EmbedCache.Get(hash); ok {
			return vec, nil
		}
	}

	vectors, err := deps.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errNoEmbedding
	}

	if deps.EmbedCache != nil {
		deps.EmbedCache.Set(hash, vectors[0])
	}
	return vectors[0], nil
}

var errNoEmbedding = errors.New("handler: embedder returned no vectors")

type uploadMetadata struct {
	Index      string            `json:"index"`
	DocumentID string            `json:"documentId"`
	Tags       map[string]string `json:"tags"`
	Steps      []string          `json:"steps"`
}

// Upload handles POST /upload: a multipart body with one or more files plus
// a "metadata" form field carrying index/documentId/tags/steps as JSON.
func Upload(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid multipart body"})
			return
		}

		var meta uploadMetadata
		if raw := r.FormValue("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid metadata JSON"})
				return
			}
		}

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "at least one file is required"})
			return
		}

		req := pipeline.IngestRequest{
			Index:      meta.Index,
			DocumentID: meta.DocumentID,
			Steps:      meta.Steps,
			Tags:       tag.NewCollection(),
		}
		for k, v := range meta.Tags {
			req.Tags.Add(k, v)
		}

		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "unreadable file " + fh.Filename})
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "unreadable file " + fh.Filename})
				return
			}
			req.Files = append(req.Files, pipeline.SourceFile{
				Name:     fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
				Data:     data,
			})
		}

		state, err := deps.Ingestor.Ingest(r.Context(), req)
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: verr.Error()})
			return
		}
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "ingest failed"})
			return
		}

		respondJSON(w, http.StatusAccepted, envelope{Success: true, Data: map[string]string{
			"index":      state.Index,
			"documentId": state.DocumentID,
		}})
	}
}

// UploadStatus handles GET /upload-status?index=&documentId=.
func UploadStatus(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx := r.URL.Query().Get("index")
		docID := r.URL.Query().Get("documentId")
		if docID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "documentId is required"})
			return
		}

		proj, err := deps.Status.Status(r.Context(), idx, docID)
		if errors.Is(err, pipeline.ErrNotFound) {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "document not found"})
			return
		}
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "status lookup failed"})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: proj})
	}
}

// DeleteIngestedDocument handles DELETE /documents?index=&documentId=.
func DeleteIngestedDocument(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx := r.URL.Query().Get("index")
		docID := r.URL.Query().Get("documentId")
		if docID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "documentId is required"})
			return
		}

		if err := deps.Ingestor.DeleteDocument(r.Context(), idx, docID); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "delete failed"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true})
	}
}

// DeleteIndexHandler handles DELETE /indexes?index=.
func DeleteIndexHandler(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx := r.URL.Query().Get("index")
		if idx == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "index is required"})
			return
		}
		if err := deps.Ingestor.DeleteIndex(r.Context(), idx); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "delete failed"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true})
	}
}

// ListIndexes handles GET /indexes.
func ListIndexes(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := deps.Status.ListIndexes(r.Context())
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "list failed"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{"indexes": names}})
	}
}

type searchRequest struct {
	Index        string              `json:"index"`
	Query        string              `json:"query"`
	Filters      []map[string]string `json:"filters"`
	MinRelevance float64             `json:"minRelevance"`
	Limit        int                 `json:"limit"`
}

func decodeFilters(raw []map[string]string) tag.FilterList {
	if len(raw) == 0 {
		return nil
	}
	list := make(tag.FilterList, 0, len(raw))
	for _, m := range raw {
		f := make(tag.Filter, 0, len(m))
		for k, v := range m {
			f = append(f, tag.Predicate{Key: k, Value: v})
		}
		list = append(list, f)
	}
	return list
}

// Search handles POST /search: embeds the query, ranks chunks by cosine
// similarity against the Retrieval Index, per §4.F and §6.
func Search(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid JSON body"})
			return
		}
		if req.Query == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "query is required"})
			return
		}

		idx := req.Index
		if idx == "" {
			idx = deps.DefaultName
		}

		vector, err := embedQueryCached(r.Context(), deps, req.Query)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "embedding failed"})
			return
		}

		limit := req.Limit
		if limit == 0 {
			limit = 10
		}
		results, err := deps.Index.Search(r.Context(), idx, vector, decodeFilters(req.Filters), req.MinRelevance, limit)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "search failed"})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{"results": results}})
	}
}

type askRequest struct {
	Index        string              `json:"index"`
	Question     string              `json:"question"`
	Filters      []map[string]string `json:"filters"`
	MinRelevance float64             `json:"minRelevance"`
}

func toRankedChunks(scored []index.Scored) []service.RankedChunk {
	out := make([]service.RankedChunk, len(scored))
	for i, s := range scored {
		docID := ""
		if vals := s.Chunk.Tags.Values(tag.KeyDocumentID); len(vals) > 0 {
			docID = vals[0]
		}
		out[i] = service.RankedChunk{
			Chunk: model.DocumentChunk{
				ID:         s.Chunk.ID,
				DocumentID: docID,
				ChunkIndex: s.Chunk.FilePart,
				Content:    s.Chunk.Text,
			},
			Similarity: s.Score,
			FinalScore: s.Score,
			Document:   model.Document{ID: docID},
		}
	}
	return out
}

func countDistinctDocuments(ranked []service.RankedChunk) int {
	seen := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		if r.Document.ID == "" {
			continue
		}
		seen[r.Document.ID] = struct{}{}
	}
	return len(seen)
}

// Ask handles POST /ask: retrieves ranked chunks for the question, then
// synthesises a grounded answer with citations via deps.Answerer, per §6.
func Ask(deps PipelineDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid JSON body"})
			return
		}
		if req.Question == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "question is required"})
			return
		}

		idx := req.Index
		if idx == "" {
			idx = deps.DefaultName
		}

		callerID := middleware.CallerIDFromContext(r.Context())
		privileged := len(req.Filters) > 0

		var ranked []service.RankedChunk
		if deps.QueryCache != nil {
			if cached, ok := deps.QueryCache.Get(callerID, idx+"\x00"+req.Question, privileged); ok {
				ranked = cached.Chunks
			}
		}

		if ranked == nil {
			vector, err := embedQueryCached(r.Context(), deps, req.Question)
			if err != nil {
				respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "embedding failed"})
				return
			}

			scored, err := deps.Index.Search(r.Context(), idx, vector, decodeFilters(req.Filters), req.MinRelevance, 10)
			if err != nil {
				respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "retrieval failed"})
				return
			}
			ranked = toRankedChunks(scored)

			if deps.QueryCache != nil {
				deps.QueryCache.Set(callerID, idx+"\x00"+req.Question, privileged, &service.RetrievalResult{
					Chunks:              ranked,
					TotalCandidates:     len(scored),
					TotalDocumentsFound: countDistinctDocuments(ranked),
				})
			}
		}

		result, err := deps.Answerer.Answer(r.Context(), req.Question, ranked)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "answer synthesis failed"})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: result})
	}
}
