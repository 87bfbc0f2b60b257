package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port                int
	Environment         string
	DatabaseURL         string
	DatabaseMaxConns    int
	GCPProject          string
	GCPRegion           string
	VertexAILocation    string
	VertexAIModel       string
	EmbeddingLocation   string
	EmbeddingModel      string
	EmbeddingDimensions int
	GCSBucketName       string
	GCSSignedURLExpiry  string
	DocAIProcessorID    string
	DocAILocation       string
	FrontendURL         string
	ConfidenceThreshold float64
	SelfRAGMaxIter      int
	ChunkSizeTokens     int
	ChunkOverlapPercent int
	ChunkerBackend      string // "window" | "semantic"
	PromptsDir          string
	DefaultPersona      string

	// Ingestion pipeline.
	ArtifactStoreBackend  string // "disk" | "gcs" | "memory"
	ArtifactStoreDir      string
	QueueBackend          string // "disk" | "memory" | "pubsub"
	QueueDir              string
	PubSubTopic           string
	PubSubSubscription    string
	PubSubDeadLetterTopic string
	StateStoreBackend     string // "postgres" | "memory"
	IndexBackend          string // "pgvector" | "memory"
	DefaultIndexName      string
	WorkerCount           int
	VisibilityTimeout     time.Duration
	MaxAttempts           int
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	BackoffJitter         float64
	RedisAddr             string
	Neo4jURI              string
	Neo4jUsername         string
	Neo4jPassword         string

	AuthEnabled        bool
	InternalAuthSecret string
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, GOOGLE_CLOUD_PROJECT) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:                envInt("PORT", 8080),
		Environment:         envStr("ENVIRONMENT", "development"),
		DatabaseURL:         dbURL,
		DatabaseMaxConns:    envInt("DATABASE_MAX_CONNS", 25),
		GCPProject:          gcpProject,
		GCPRegion:           envStr("GCP_REGION", "us-east4"),
		VertexAILocation:    envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:       envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		EmbeddingLocation:   envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:      envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 768),
		GCSBucketName:       envStr("GCS_BUCKET_NAME", ""),
		GCSSignedURLExpiry:  envStr("GCS_SIGNED_URL_EXPIRY", "15m"),
		DocAIProcessorID:    envStr("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocAILocation:       envStr("DOCUMENT_AI_LOCATION", "us"),
		FrontendURL:         envStr("FRONTEND_URL", "http://localhost:3000"),
		ConfidenceThreshold: envFloat("SILENCE_THRESHOLD", 0.60),
		SelfRAGMaxIter:      envInt("SELF_RAG_MAX_ITERATIONS", 1),
		ChunkSizeTokens:     envInt("CHUNK_SIZE_TOKENS", 768),
		ChunkOverlapPercent: envInt("CHUNK_OVERLAP_PERCENT", 20),
		ChunkerBackend:      envStr("CHUNKER_BACKEND", "window"),
		PromptsDir:          envStr("PROMPTS_DIR", "./internal/service/prompts"),
		DefaultPersona:      envStr("DEFAULT_PERSONA", "persona_cfo"),

		ArtifactStoreBackend:  envStr("ARTIFACT_STORE_BACKEND", "disk"),
		ArtifactStoreDir:      envStr("ARTIFACT_STORE_DIR", "./data/artifacts"),
		QueueBackend:          envStr("QUEUE_BACKEND", "disk"),
		QueueDir:              envStr("QUEUE_DIR", "./data/queue"),
		PubSubTopic:           envStr("PUBSUB_TOPIC", "ingest-pipeline"),
		PubSubSubscription:    envStr("PUBSUB_SUBSCRIPTION", "ingest-pipeline-worker"),
		PubSubDeadLetterTopic: envStr("PUBSUB_DEAD_LETTER_TOPIC", "ingest-pipeline-dead"),
		StateStoreBackend:     envStr("STATE_STORE_BACKEND", "postgres"),
		IndexBackend:          envStr("INDEX_BACKEND", "pgvector"),
		DefaultIndexName:      envStr("DEFAULT_INDEX_NAME", "default"),
		WorkerCount:           envInt("PIPELINE_WORKER_COUNT", 4),
		VisibilityTimeout:     envDuration("PIPELINE_VISIBILITY_TIMEOUT", time.Minute),
		MaxAttempts:           envInt("PIPELINE_MAX_ATTEMPTS", 20),
		BackoffBase:           envDuration("PIPELINE_BACKOFF_BASE", time.Second),
		BackoffCap:            envDuration("PIPELINE_BACKOFF_CAP", 5*time.Minute),
		BackoffJitter:         envFloat("PIPELINE_BACKOFF_JITTER", 0.2),
		RedisAddr:             envStr("REDIS_ADDR", ""),
		Neo4jURI:              envStr("NEO4J_URI", ""),
		Neo4jUsername:         envStr("NEO4J_USERNAME", ""),
		Neo4jPassword:         envStr("NEO4J_PASSWORD", ""),

		AuthEnabled:        envBool("AUTH_ENABLED", false),
		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
