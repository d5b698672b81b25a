// Package provider defines the abstract services the indexing core consumes:
// embedding and text-completion backends, storage primitives, and the
// deterministic clock/random sources used for testability. The core ships
// no concrete embedding or LLM adapter — callers plug their own in.
package provider

import (
	"context"
	"time"
)

// EmbeddingService generates dense vector embeddings for text. Embed and
// EmbedBatch must be deterministic for a given (text, model) pair; caching
// is an adapter-level concern, not a core one.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
	MaxTokens() int
	CountTokens(text string) int
}

// TextCompletionService generates free-form and structured text completions,
// used by the Metadata Enricher and Query Transformer when an LLM path is
// configured. CompleteJSON returns a string expected to parse as JSON; the
// caller validates and falls back on parse failure.
type TextCompletionService interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	CompleteJSON(ctx context.Context, prompt string) (string, error)
	CountTokens(text string) int
}

// VectorStoreBackend is the persistence primitive consumed by
// internal/vectorstore: an ANN-backed (id, embedding) index.
type VectorStoreBackend interface {
	Put(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]VectorMatch, error)
	Delete(ctx context.Context, ids []string) error
	Exists(id string) bool
	Count() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorMatch is a single nearest-neighbor result.
type VectorMatch struct {
	ID    string
	Score float32 // cosine similarity, higher is more similar
}

// DocumentRepositoryBackend is the persistence primitive consumed by
// internal/repository: chunk, document, and relationship storage.
type DocumentRepositoryBackend interface {
	SaveChunks(ctx context.Context, rows []ChunkRow) error
	GetChunk(ctx context.Context, id string) (ChunkRow, bool, error)
	GetChunksByDocument(ctx context.Context, documentID string) ([]ChunkRow, error)
	DeleteChunks(ctx context.Context, ids []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Close() error
}

// ChunkRow is the flat persistence shape for a chunk, independent of the
// richer in-memory model.Chunk used by the rest of the core.
type ChunkRow struct {
	ID         string
	DocumentID string
	Position   int
	Text       string
	Embedding  []float32
	MetadataJSON string
	QualityJSON  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CacheBackend is a key-value store with TTL, used by the Semantic Cache
// for entry storage; similarity search over keys is implemented in the
// core, not here.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Clock abstracts wall-clock time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// Random abstracts randomness for deterministic testing (A/B bucketing,
// reservoir sampling during auto-tuning).
type Random interface {
	Float64() float64
	Intn(n int) int
}
