package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/memoryvault/ingest/internal/artifact"
	"github.com/memoryvault/ingest/internal/cache"
	"github.com/memoryvault/ingest/internal/config"
	"github.com/memoryvault/ingest/internal/gcpclient"
	"github.com/memoryvault/ingest/internal/handler"
	"github.com/memoryvault/ingest/internal/index"
	"github.com/memoryvault/ingest/internal/pipeline"
	"github.com/memoryvault/ingest/internal/queue"
	"github.com/memoryvault/ingest/internal/repository"
	"github.com/memoryvault/ingest/internal/router"
	"github.com/memoryvault/ingest/internal/service"
)

const Version = "0.1.0"

// buildArtifactStore selects the artifact.Store backend named by
// cfg.ArtifactStoreBackend, per §9's "factory selects the concrete variant
// from configuration at startup" design note.
func buildArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.ArtifactStoreBackend {
	case "gcs":
		client, err := gcpclient.NewStorageAdapter(ctx)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		return artifact.NewGCSStore(client.Client(), cfg.GCSBucketName), nil
	case "memory":
		return artifact.NewMemoryStore(), nil
	default:
		return artifact.NewDiskStore(cfg.ArtifactStoreDir)
	}
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return queue.NewMemoryQueue(cfg.VisibilityTimeout, cfg.MaxAttempts), nil
	case "pubsub":
		return nil, fmt.Errorf("queue: pubsub backend requires a pre-provisioned client; wire via queue.NewPubSubQueue directly")
	default:
		return queue.NewDiskQueue(cfg.QueueDir, cfg.VisibilityTimeout, cfg.MaxAttempts)
	}
}

func buildStateStore(cfg *config.Config, pool *pgxpool.Pool) (pipeline.StateStore, error) {
	switch cfg.StateStoreBackend {
	case "memory":
		return pipeline.NewMemoryStateStore(), nil
	default:
		if pool == nil {
			return nil, fmt.Errorf("state store: postgres backend requires DATABASE_URL")
		}
		return pipeline.NewPostgresStateStore(pool), nil
	}
}

func buildIndex(cfg *config.Config, pool *pgxpool.Pool) (index.Index, error) {
	switch cfg.IndexBackend {
	case "memory":
		return index.NewMemoryIndex(), nil
	default:
		if pool == nil {
			return nil, fmt.Errorf("retrieval index: pgvector backend requires DATABASE_URL")
		}
		return index.NewPgVectorIndex(pool), nil
	}
}

// buildEmbeddingCache selects the query-embedding cache backend: Redis when
// REDIS_ADDR is configured (shared across instances), otherwise the
// in-process EmbeddingCache from the teacher's single-node deployment mode.
func buildEmbeddingCache(cfg *config.Config) cache.EmbeddingStore {
	ttl := cache.DefaultEmbeddingTTL()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return cache.NewRedisEmbeddingCache(rdb, ttl, "ingest:embed")
	}
	return cache.NewEmbeddingCache(ttl)
}

// buildAuthService wires Firebase ID-token verification when cfg.AuthEnabled
// is set. Disabled by default so the disk/memory dev loop needs no GCP
// credentials.
func buildAuthService(ctx context.Context, cfg *config.Config) (*service.AuthService, error) {
	if !cfg.AuthEnabled {
		return nil, nil
	}
	app, err := firebase.NewApp(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return service.NewAuthService(client), nil
}

// buildGCPAdapters constructs the four independent GCP clients concurrently
// via errgroup, since each dials its own endpoint and none depends on the
// others' results; a failure in any one cancels the shared context and the
// first error wins.
func buildGCPAdapters(ctx context.Context, cfg *config.Config) (*gcpclient.DocumentAIAdapter, *gcpclient.StorageAdapter, *gcpclient.EmbeddingAdapter, *gcpclient.GenAIAdapter, error) {
	g, gctx := errgroup.WithContext(ctx)

	var docAI *gcpclient.DocumentAIAdapter
	var storageAdapter *gcpclient.StorageAdapter
	var embedder *gcpclient.EmbeddingAdapter
	var genAI *gcpclient.GenAIAdapter

	g.Go(func() error {
		a, err := gcpclient.NewDocumentAIAdapter(gctx, cfg.GCPProject, cfg.DocAILocation)
		if err != nil {
			return fmt.Errorf("document ai: %w", err)
		}
		docAI = a
		return nil
	})
	g.Go(func() error {
		a, err := gcpclient.NewStorageAdapter(gctx)
		if err != nil {
			return fmt.Errorf("storage adapter: %w", err)
		}
		storageAdapter = a
		return nil
	})
	g.Go(func() error {
		a, err := gcpclient.NewEmbeddingAdapter(gctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("embedding adapter: %w", err)
		}
		embedder = a
		return nil
	})
	g.Go(func() error {
		a, err := gcpclient.NewGenAIAdapter(gctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
		if err != nil {
			return fmt.Errorf("genai adapter: %w", err)
		}
		genAI = a
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, nil, nil, err
	}
	return docAI, storageAdapter, embedder, genAI, nil
}

// buildProvenance wires the optional Neo4j side-index used for internal
// lineage queries. A blank NEO4J_URI disables it rather than failing
// startup, since the graph index is supplementary, not load-bearing.
func buildProvenance(cfg *config.Config) (*index.Neo4jProvenance, error) {
	if cfg.Neo4jURI == "" {
		return nil, nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUsername, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j provenance: %w", err)
	}
	return index.NewNeo4jProvenance(driver), nil
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var pool *pgxpool.Pool
	if cfg.StateStoreBackend == "postgres" || cfg.IndexBackend == "pgvector" {
		pool, err = repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
	}

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	q, err := buildQueue(cfg)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	states, err := buildStateStore(cfg, pool)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	retrievalIndex, err := buildIndex(cfg, pool)
	if err != nil {
		return fmt.Errorf("retrieval index: %w", err)
	}

	provenance, err := buildProvenance(cfg)
	if err != nil {
		return fmt.Errorf("provenance: %w", err)
	}

	docAI, storageAdapter, embedder, genAI, err := buildGCPAdapters(ctx, cfg)
	if err != nil {
		return err
	}

	registry := pipeline.NewRegistry()
	registry.Register("extract_text", &pipeline.ExtractTextHandler{
		Artifacts: artifacts,
		Parser: &pipeline.DocAIParser{
			DocAI:         docAI,
			Storage:       storageAdapter,
			Processor:     cfg.DocAIProcessorID,
			ScratchBucket: cfg.GCSBucketName,
		},
	})
	var chunker pipeline.Chunker = &pipeline.ChunkerServiceAdapter{Chunker: service.NewChunkerService(cfg.ChunkSizeTokens, float64(cfg.ChunkOverlapPercent)/100)}
	if cfg.ChunkerBackend == "semantic" {
		chunker = &pipeline.SemanticChunkerAdapter{Chunker: service.NewSemanticChunkerService()}
	}
	registry.Register("partition_text", &pipeline.PartitionTextHandler{
		Artifacts: artifacts,
		Chunker:   chunker,
	})
	registry.Register("generate_embeddings", &pipeline.GenerateEmbeddingsHandler{
		Artifacts: artifacts,
		Embedder:  &pipeline.EmbeddingAdapter{Embedder: embedder},
	})
	saveRecords := &pipeline.SaveRecordsHandler{
		Artifacts: artifacts,
		Index:     retrievalIndex,
	}
	if provenance != nil {
		saveRecords.Provenance = provenance
	}
	registry.Register("save_records", saveRecords)

	ingestor := &pipeline.Ingestor{
		Artifacts:        artifacts,
		States:           states,
		Queue:            q,
		Registry:         registry,
		Index:            retrievalIndex,
		DefaultIndexName: cfg.DefaultIndexName,
	}
	statusReporter := pipeline.NewStatusReporter(states)

	orchestrator := &pipeline.Orchestrator{
		Queue:       q,
		States:      states,
		Registry:    registry,
		Backoff:     pipeline.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: cfg.BackoffJitter},
		MaxAttempts: cfg.MaxAttempts,
		Logger:      slog.Default(),
		IdlePoll:    time.Second,
		Metrics:     pipeline.NewMetrics(prometheus.DefaultRegisterer),
	}
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workers := pipeline.NewWorkerPool(orchestrator, cfg.WorkerCount)
	workers.Start(workerCtx)

	generator := service.NewGeneratorService(genAI, cfg.VertexAIModel)
	if promptLoader, err := service.NewPromptLoader(cfg.PromptsDir); err == nil {
		generator.SetPromptLoader(promptLoader)
	} else {
		slog.Default().Warn("prompt loader unavailable, falling back to default system prompt", "error", err)
	}
	selfRAG := service.NewSelfRAGService(generator, cfg.SelfRAGMaxIter, cfg.ConfidenceThreshold)

	pipelineDeps := handler.PipelineDeps{
		Ingestor: ingestor,
		Status:   statusReporter,
		Index:    retrievalIndex,
		Embedder: embedder,
		Answerer: &handler.AskAnswerer{
			Generator: generator,
			SelfRAG:   selfRAG,
		},
		DefaultName: cfg.DefaultIndexName,
		EmbedCache:  buildEmbeddingCache(cfg),
		QueryCache:  cache.New(cache.DefaultEmbeddingTTL()),
	}

	var dbPinger handler.DBPinger
	if pool != nil {
		dbPinger = pool
	}

	authService, err := buildAuthService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	r := router.NewPipelineRouter(router.PipelineDependencies{
		DB:                 dbPinger,
		Version:            Version,
		FrontendURL:        cfg.FrontendURL,
		Pipeline:           pipelineDeps,
		Auth:               authService,
		InternalAuthSecret: cfg.InternalAuthSecret,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ingest pipeline server v%s starting on port %d", Version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down gracefully", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelWorkers()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	workers.Wait()

	log.Println("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
