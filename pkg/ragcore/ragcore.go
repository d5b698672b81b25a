// Package ragcore assembles chunk storage, hybrid retrieval, context
// expansion, reranking, the semantic cache, and ANN auto-tuning into a
// single facade: the library's only supported entry point.
//
// # Architecture
//
//	┌──────────────┐
//	│    Caller     │
//	└──────┬───────┘
//	       │  IndexChunks / Search / Manage / RecordFeedback
//	┌──────▼───────┐
//	│     Core      │  ← this package
//	└──────┬───────┘
//	       │
//	┌──────┴──────────────────────────────────────┐
//	│ repository │ vectorstore │ sparseindex │ ... │
//	└───────────────────────────────────────────────┘
//
// # Usage
//
//	core, err := ragcore.New(
//	    ragcore.WithEmbeddingService(embedder),
//	    ragcore.WithDataDir("./data"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer core.Close()
//
//	docID, err := core.IndexChunks(ctx, "", []string{"first chunk", "second chunk"}, nil)
//	result, err := core.Search(ctx, "what does the second chunk say", orchestrator.DefaultOptions())
//
// # Thread Safety
//
// Core is safe for concurrent use. Multiple goroutines may call
// IndexChunks, Search, and the Manage/Feedback methods simultaneously.
package ragcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/cache"
	"github.com/ragcore/ragcore/internal/config"
	"github.com/ragcore/ragcore/internal/enrich"
	"github.com/ragcore/ragcore/internal/errs"
	"github.com/ragcore/ragcore/internal/expand"
	"github.com/ragcore/ragcore/internal/hybrid"
	"github.com/ragcore/ragcore/internal/logging"
	"github.com/ragcore/ragcore/internal/model"
	"github.com/ragcore/ragcore/internal/orchestrator"
	"github.com/ragcore/ragcore/internal/provider"
	"github.com/ragcore/ragcore/internal/rerank"
	"github.com/ragcore/ragcore/internal/repository"
	"github.com/ragcore/ragcore/internal/sparseindex"
	"github.com/ragcore/ragcore/internal/transform"
	"github.com/ragcore/ragcore/internal/tuner"
	"github.com/ragcore/ragcore/internal/vectorstore"
)

// relationshipWindow bounds how many neighboring chunks on each side of a
// newly ingested chunk are offered to the enricher's relationship pass.
const relationshipWindow = 3

// buildOptions accumulates constructor inputs before New validates and
// wires them. It is not exported; callers configure a Core only through
// the With* options below.
type buildOptions struct {
	cfg     *config.Config
	dataDir string
	embed   provider.EmbeddingService
	llm     provider.TextCompletionService
	logger  *slog.Logger
}

// Option configures a Core at construction time.
type Option func(*buildOptions)

// WithConfig overrides the default configuration tree.
func WithConfig(cfg *config.Config) Option {
	return func(o *buildOptions) { o.cfg = cfg }
}

// WithDataDir sets the directory backing the chunk repository, sparse
// index, and benchmark history. An empty (or never-called) data dir
// keeps every store in memory, which is convenient for tests but does
// not survive process restarts.
func WithDataDir(dir string) Option {
	return func(o *buildOptions) { o.dataDir = dir }
}

// WithEmbeddingService sets the embedding backend. Required: New returns
// an error if no embedding service is supplied.
func WithEmbeddingService(e provider.EmbeddingService) Option {
	return func(o *buildOptions) { o.embed = e }
}

// WithTextCompletionService sets the optional LLM backend used by the
// Metadata Enricher, Query Transformer, and LLM reranking strategy. A nil
// service (the default) confines every one of those components to their
// local heuristic fallback.
func WithTextCompletionService(l provider.TextCompletionService) Option {
	return func(o *buildOptions) { o.llm = l }
}

// WithLogger overrides the default rotating-file logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// Core is the library's single entry point: chunk ingestion, adaptive
// search, store management, and feedback recording.
type Core struct {
	mu sync.RWMutex

	cfg         *config.Config
	embed       provider.EmbeddingService
	logger      *slog.Logger
	stopLogging func()
	dataDir     string

	repo     *repository.Repository
	vector   *vectorstore.Store
	sparse   *sparseindex.Index
	cache    *cache.Cache
	enricher *enrich.Enricher
	orch     *orchestrator.Orchestrator
	tuner    *tuner.Tuner
}

// New builds a Core from the supplied options, opening (or creating) its
// backing stores and running compensating deletes for any write-ahead-log
// entry left behind by a crash during a prior IndexChunks call.
func New(opts ...Option) (*Core, error) {
	o := &buildOptions{cfg: config.NewConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.embed == nil {
		return nil, errs.InputError("an embedding service is required (WithEmbeddingService)", nil)
	}
	if o.cfg.Embedding.Dimension == 0 {
		o.cfg.Embedding.Dimension = o.embed.Dimension()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, errs.InputError("invalid configuration", err)
	}

	logger := o.logger
	var stopLogging func()
	if logger == nil {
		lg, stop, err := logging.Setup(logging.DefaultConfig())
		if err != nil {
			return nil, errs.InternalError("set up logging", err)
		}
		logger, stopLogging = lg, stop
	}

	repoPath, sparsePath, tunerPath := "", "", ""
	if o.dataDir != "" {
		repoPath = filepath.Join(o.dataDir, "chunks.db")
		sparsePath = filepath.Join(o.dataDir, "sparse")
		tunerPath = filepath.Join(o.dataDir, "benchmarks.db")
	}

	repo, err := repository.Open(repoPath)
	if err != nil {
		return nil, errs.InternalError("open chunk repository", err)
	}

	vecCfg := vectorstore.Config{
		Dimension:        o.cfg.Embedding.Dimension,
		M:                o.cfg.HNSW.M,
		EfConstruction:   o.cfg.HNSW.EfConstruction,
		EfSearch:         o.cfg.HNSW.EfSearch,
		ExactSearchBelow: o.cfg.HNSW.ExactSearchBelow,
	}
	vec, err := vectorstore.New(vecCfg)
	if err != nil {
		repo.Close()
		return nil, errs.InternalError("open vector store", err)
	}
	if o.dataDir != "" {
		if err := vec.Load(filepath.Join(o.dataDir, "vectors.snapshot")); err != nil {
			logger.Warn("vector store snapshot not loaded", "error", err)
		}
	}

	sparse, err := sparseindex.New(sparsePath, sparseindex.Config{
		K1: o.cfg.BM25.K1, B: o.cfg.BM25.B, StopWords: sparseindex.DefaultStopWords,
	})
	if err != nil {
		vec.Close()
		repo.Close()
		return nil, errs.InternalError("open sparse index", err)
	}

	if err := recoverPendingCommits(context.Background(), repo, vec, sparse, logger); err != nil {
		sparse.Close()
		vec.Close()
		repo.Close()
		return nil, errs.InternalError("recover pending commits", err)
	}

	ttl, err := time.ParseDuration(o.cfg.Cache.TTLDefault)
	if err != nil {
		ttl = time.Hour
	}
	cch, err := cache.New(o.embed, cache.Config{
		MaxEntries:          o.cfg.Cache.MaxEntries,
		SimilarityThreshold: o.cfg.Cache.SimilarityThreshold,
		DefaultTTL:          ttl,
		Policy:              cache.EvictionPolicy(o.cfg.Cache.EvictionPolicy),
	})
	if err != nil {
		sparse.Close()
		vec.Close()
		repo.Close()
		return nil, errs.InternalError("open semantic cache", err)
	}

	enricher := enrich.New(enrich.Config{
		RelationshipFloor: 0.7,
		TopKeywords:       o.cfg.Enrichment.MaxKeywords,
		QualityWeights:    o.cfg.Enrichment.QualityWeights,
	}, o.llm)

	searcher := hybrid.New(vec, sparse, o.embed, hybrid.Config{
		K:                  o.cfg.Fusion.K,
		OverFetch:          o.cfg.Fusion.OverFetch,
		Method:             hybrid.Method(o.cfg.Fusion.Method),
		Weights:            hybrid.Weights{Vector: o.cfg.Fusion.VectorWeight, Sparse: o.cfg.Fusion.SparseWeight},
		EnableAutoStrategy: o.cfg.Fusion.AutoStrategy,
	})

	expander := expand.New(repo, expand.Config{
		Sequential:           true,
		Hierarchical:         true,
		Semantic:             true,
		DedupThreshold:       o.cfg.SmallToBig.DedupThreshold,
		MaxExpansionDistance: o.cfg.SmallToBig.MaxDistance,
		SemanticFloor:        0.7,
	})

	reranker := rerank.New(o.embed, o.llm, rerank.Config{
		Weights:        rerankWeightsFrom(o.cfg.Reranker.Weights),
		QualityWeights: o.cfg.Enrichment.QualityWeights,
	})

	an := analyzer.New(o.llm, 256)
	tr := transform.New(o.llm, transform.DefaultConfig())

	orch := orchestrator.New(cch, an, tr, searcher, expander, reranker, repo)

	tn, err := tuner.New(vec, tunerPath)
	if err != nil {
		cch.Clear()
		sparse.Close()
		vec.Close()
		repo.Close()
		return nil, errs.InternalError("open auto-tuner", err)
	}

	return &Core{
		cfg:         o.cfg,
		embed:       o.embed,
		logger:      logger,
		stopLogging: stopLogging,
		dataDir:     o.dataDir,
		repo:        repo,
		vector:      vec,
		sparse:      sparse,
		cache:       cch,
		enricher:    enricher,
		orch:        orch,
		tuner:       tn,
	}, nil
}

// rerankWeightsFrom translates the config layer's generic
// map[string]float64 into rerank.Weights, falling back to the documented
// defaults for any missing key.
func rerankWeightsFrom(m map[string]float64) rerank.Weights {
	w := rerank.DefaultWeights()
	if v, ok := m["semantic"]; ok {
		w.Semantic = v
	}
	if v, ok := m["quality"]; ok {
		w.Quality = v
	}
	if v, ok := m["contextual"]; ok {
		w.Contextual = v
	}
	return w
}

// recoverPendingCommits runs compensating deletes for every IndexChunks
// batch that crashed mid-commit, using the repository's own
// write-ahead-log rather than a full three-way reconciliation scan
// (cheaper, and sufficient since only an in-flight commit can have left
// a partial write).
func recoverPendingCommits(ctx context.Context, repo *repository.Repository, vec *vectorstore.Store, sparse *sparseindex.Index, logger *slog.Logger) error {
	reconciler := repository.NewReconciler(repo, vec, sparse)
	if err := reconciler.RecoverPendingCommits(ctx, vec, sparse); err != nil {
		return err
	}
	logger.Debug("pending commit recovery complete")
	return nil
}

// Close releases every backing store and stops the logger's rotation
// goroutine, if one was started. Close is idempotent only in the sense
// that repeated calls report each store's own close error; callers should
// call it exactly once.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var joined error
	if c.dataDir != "" {
		if err := c.vector.Save(filepath.Join(c.dataDir, "vectors.snapshot")); err != nil {
			joined = errors.Join(joined, fmt.Errorf("save vector snapshot: %w", err))
		}
	}
	if err := c.tuner.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close tuner: %w", err))
	}
	if err := c.vector.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close vector store: %w", err))
	}
	if err := c.sparse.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close sparse index: %w", err))
	}
	if err := c.repo.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close repository: %w", err))
	}
	if c.stopLogging != nil {
		c.stopLogging()
	}
	return joined
}

// Statistics reports occupancy and health across every backing store.
type Statistics struct {
	Vector vectorstore.Stats
	Sparse sparseindex.Stats
	Cache  cache.Statistics
}

// GetStatistics snapshots the current state of the vector store, sparse
// index, and semantic cache.
func (c *Core) GetStatistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Statistics{
		Vector: c.vector.Stats(),
		Sparse: c.sparse.Stats(),
		Cache:  c.cache.Statistics(),
	}
}

// Search runs the adaptive search pipeline: cache lookup, strategy
// selection, retrieval, Small-to-Big expansion, and reranking.
func (c *Core) Search(ctx context.Context, query string, opts orchestrator.Options) (orchestrator.AdaptiveSearchResult, error) {
	return c.orch.Search(ctx, query, opts)
}

// RecordFeedback folds a caller's judgement of a prior search result into
// the orchestrator's rolling per-strategy metrics and preference table.
func (c *Core) RecordFeedback(event orchestrator.FeedbackEvent) {
	c.orch.UpdateFeedback(event)
}

// PerformanceReport returns accumulated per-strategy metrics and the
// currently preferred strategy per query type.
func (c *Core) PerformanceReport() orchestrator.StrategyPerformanceReport {
	return c.orch.PerformanceReport()
}

// InvalidateCache evicts every semantic cache entry whose query text
// contains pattern, returning the number of entries removed. An empty
// pattern clears the entire cache.
func (c *Core) InvalidateCache(pattern string) int {
	return c.cache.Invalidate(pattern)
}

// RunBenchmark benchmarks a single HNSW parameter set against a golden
// query set without committing anything.
func (c *Core) RunBenchmark(ctx context.Context, params vectorstore.Config, golden []tuner.GoldenQuery, k int) (tuner.Result, error) {
	return c.tuner.Benchmark(ctx, params, golden, k)
}

// AutoTune sweeps the HNSW parameter space, validates the best candidate
// against the recall floor, latency ceiling, and the immediately
// preceding baseline, and reports the chosen parameters. It does not
// rebuild the live vector store; callers apply ChosenParams.Params to a
// subsequent Core restart.
func (c *Core) AutoTune(ctx context.Context, golden []tuner.GoldenQuery, opts tuner.AutoTuneOptions) (tuner.ChosenParams, error) {
	return c.tuner.AutoTune(ctx, golden, opts)
}

// IndexChunks enriches, embeds, and durably stores texts as chunks of a
// single document, deriving sequential relationships between adjacent
// chunks and semantic relationships between any two chunks whose
// embeddings clear the enricher's relationship floor. If documentID is
// empty, a new one is generated. Returns the document id.
//
// The write spans three independently-failing stores (repository, vector
// store, sparse index); IndexChunks records a write-ahead-log entry
// before touching any of them and clears it only once all three have
// accepted the batch, so a crash mid-commit leaves a recoverable, not a
// silently partial, state (see recoverPendingCommits).
func (c *Core) IndexChunks(ctx context.Context, documentID string, texts []string, docMetadata map[string]string) (string, error) {
	if len(texts) == 0 {
		return "", errs.InputError("at least one chunk text is required", nil)
	}
	if documentID == "" {
		documentID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	chunks := make([]*model.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &model.Chunk{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Position:   i,
			Text:       text,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	vectors, err := c.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return "", errs.TransientError("embed chunks", err)
	}
	for i, v := range vectors {
		chunks[i].Embedding = &model.Embedding{Dimension: len(v), Values: v, Model: c.embed.ModelName()}
	}

	enriched := c.enricher.EnrichBatch(ctx, texts, docMetadata)
	for i, r := range enriched {
		chunks[i].Metadata = r.Metadata
		chunks[i].Quality = r.Quality
	}

	relationships := c.deriveRelationships(chunks)

	chunkIDs := make([]string, len(chunks))
	for i, ch := range chunks {
		chunkIDs[i] = ch.ID
	}

	commitID := uuid.NewString()
	if err := c.repo.BeginCommit(ctx, commitID, documentID, chunkIDs); err != nil {
		return "", errs.InternalError("begin commit", err)
	}

	if err := c.repo.PutChunks(ctx, chunks); err != nil {
		return "", errs.InternalError("store chunks", err)
	}
	doc := &model.Document{ID: documentID, ChunkIDs: chunkIDs, Metadata: docMetadata, Status: model.DocumentIndexed}
	if err := c.repo.PutDocument(ctx, doc); err != nil {
		return "", errs.InternalError("store document", err)
	}
	for _, rel := range relationships {
		if err := c.repo.PutRelationship(ctx, rel); err != nil {
			return "", errs.InternalError("store relationship", err)
		}
	}

	ids := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	docIDs := make([]string, len(chunks))
	textByID := make(map[string]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
		embeddings[i] = ch.Embedding.Values
		docIDs[i] = documentID
		textByID[ch.ID] = ch.Text
	}
	if err := c.vector.PutBatch(ctx, ids, embeddings, docIDs); err != nil {
		return "", errs.ConsistencyError("store vectors after committing chunks", err)
	}
	if err := c.sparse.PutBatch(ctx, textByID); err != nil {
		return "", errs.ConsistencyError("store sparse entries after committing chunks and vectors", err)
	}

	if err := c.repo.CompleteCommit(ctx, commitID); err != nil {
		// The batch is fully durable in all three stores; only the
		// write-ahead-log entry failed to clear. The next startup's
		// recoverPendingCommits would wrongly delete a complete batch,
		// so surface this rather than silently leaving it.
		return "", errs.InternalError("complete commit", err)
	}

	return documentID, nil
}

// deriveRelationships derives a Sequential edge between every adjacent
// pair of chunks plus a Semantic edge between any pair within
// relationshipWindow of each other whose similarity clears the
// enricher's floor, via AnalyzeRelationships.
func (c *Core) deriveRelationships(chunks []*model.Chunk) []model.ChunkRelationship {
	var out []model.ChunkRelationship
	for i, ch := range chunks {
		lo, hi := i-relationshipWindow, i+relationshipWindow+1
		if lo < 0 {
			lo = 0
		}
		if hi > len(chunks) {
			hi = len(chunks)
		}
		var candidates []*model.Chunk
		for j := lo; j < hi; j++ {
			if j != i {
				candidates = append(candidates, chunks[j])
			}
		}
		out = append(out, c.enricher.AnalyzeRelationships(ch, candidates)...)
	}
	return out
}

// UpdateChunk re-embeds and re-enriches a chunk in place, updating every
// store that indexes it by content.
func (c *Core) UpdateChunk(ctx context.Context, chunkID string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, err := c.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	vector, err := c.embed.Embed(ctx, text)
	if err != nil {
		return errs.TransientError("embed chunk", err)
	}

	result := c.enricher.Enrich(ctx, text, "", "", nil)

	chunk.Text = text
	chunk.Embedding = &model.Embedding{Dimension: len(vector), Values: vector, Model: c.embed.ModelName()}
	chunk.Metadata = result.Metadata
	chunk.Quality = result.Quality
	chunk.UpdatedAt = time.Now()

	if err := c.repo.PutChunks(ctx, []*model.Chunk{chunk}); err != nil {
		return errs.InternalError("store updated chunk", err)
	}
	if err := c.vector.Put(ctx, chunkID, vector, chunk.DocumentID); err != nil {
		return errs.InternalError("update vector", err)
	}
	if err := c.sparse.Put(ctx, chunkID, text); err != nil {
		return errs.InternalError("update sparse entry", err)
	}
	return nil
}

// DeleteDocument removes a document, its chunks, and every store entry
// derived from them. Vector and sparse deletion failures are logged but
// do not block repository deletion: a subsequent reconciliation pass
// (internal/repository.Reconciler) will catch and repair the resulting
// orphans.
func (c *Core) DeleteDocument(ctx context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunks, err := c.repo.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}

	if err := c.repo.DeleteDocument(ctx, documentID); err != nil {
		return errs.InternalError("delete document", err)
	}
	if err := c.vector.Delete(ctx, ids); err != nil {
		c.logger.Warn("vector delete failed during document delete, leaving orphans for reconciliation", "document_id", documentID, "error", err)
	}
	if err := c.sparse.Remove(ctx, ids); err != nil {
		c.logger.Warn("sparse delete failed during document delete, leaving orphans for reconciliation", "document_id", documentID, "error", err)
	}
	return nil
}
