// Package rerank re-scores fused/expanded search candidates using one of
// several relevance signals, optionally combining them, before the final
// results are returned to the caller.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/model"
	"github.com/ragcore/ragcore/internal/provider"
)

// Strategy selects which relevance signal(s) drive reranking.
type Strategy string

const (
	StrategySemantic   Strategy = "semantic"
	StrategyQuality    Strategy = "quality"
	StrategyContextual Strategy = "contextual"
	StrategyHybrid     Strategy = "hybrid"
	StrategyLLM        Strategy = "llm"
	StrategyAdaptive   Strategy = "adaptive"
)

// Weights configures the Hybrid strategy's convex combination.
type Weights struct {
	Semantic   float64
	Quality    float64
	Contextual float64
}

// DefaultWeights sums to 1 with semantic dominant.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.5, Quality: 0.25, Contextual: 0.25}
}

// Config parameterizes a Reranker.
type Config struct {
	Weights       Weights
	QualityWeights map[string]float64 // passed through to ChunkQuality.Aggregate
}

// DefaultConfig matches model.ChunkQuality.Aggregate's own dimension set.
func DefaultConfig() Config {
	return Config{
		Weights: DefaultWeights(),
		QualityWeights: map[string]float64{
			"completeness":        0.25,
			"information_density": 0.2,
			"coherence":           0.2,
			"authority":           0.15,
			"freshness":           0.1,
			"query_relevance":     0.1,
		},
	}
}

// Candidate is a chunk to be scored, carrying its fused retrieval score so
// strategies may fall back to it when a signal has no opinion.
type Candidate struct {
	Chunk        *model.Chunk
	RetrievalScore float64
}

// Result is a reranked candidate.
type Result struct {
	Chunk         *model.Chunk
	RerankedScore float64
	Components    map[string]float64
	Explanation   string
}

// Reranker re-scores candidates by one of several relevance signals.
type Reranker struct {
	embed provider.EmbeddingService
	llm   provider.TextCompletionService
	cfg   Config
}

// New builds a Reranker. embed and llm may be nil; the Semantic strategy
// requires embed and falls back to Quality without it, and the LLM
// strategy requires llm and fails open to Semantic without it or when the
// call or its reply fails.
func New(embed provider.EmbeddingService, llm provider.TextCompletionService, cfg Config) *Reranker {
	return &Reranker{embed: embed, llm: llm, cfg: cfg}
}

// Rerank scores and re-sorts candidates. Output length always equals
// input length; rerank is idempotent — calling it twice on its own output
// in the same strategy produces the same order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, strategy Strategy, queryEntities []string, analysis analyzer.Analysis) ([]Result, error) {
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	resolved := strategy
	if strategy == StrategyAdaptive {
		resolved = r.chooseStrategy(analysis)
	}

	var results []Result
	var err error
	switch resolved {
	case StrategySemantic:
		results, err = r.semantic(ctx, query, candidates)
	case StrategyQuality:
		results = r.quality(candidates)
	case StrategyContextual:
		results = r.contextual(candidates, queryEntities)
	case StrategyHybrid:
		results, err = r.hybrid(ctx, query, candidates, queryEntities)
	case StrategyLLM:
		results, err = r.llmRerank(ctx, query, candidates)
	default:
		return nil, fmt.Errorf("rerank: unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	sortResults(results)
	return results, nil
}

// chooseStrategy implements the Adaptive strategy: pick among the first
// four non-LLM strategies based on query analysis.
func (r *Reranker) chooseStrategy(a analyzer.Analysis) Strategy {
	switch {
	case len(a.Entities) > 0:
		return StrategyContextual
	case a.Complexity >= analyzer.Complex:
		return StrategyHybrid
	case r.embed != nil:
		return StrategySemantic
	default:
		return StrategyQuality
	}
}

func (r *Reranker) semantic(ctx context.Context, query string, candidates []Candidate) ([]Result, error) {
	if r.embed == nil {
		return r.quality(candidates), nil
	}
	queryVec, err := r.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query for rerank: %w", err)
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		score := c.RetrievalScore
		if c.Chunk.Embedding != nil {
			score = cosineSimilarity(queryVec, c.Chunk.Embedding.Values)
		}
		results[i] = Result{
			Chunk:         c.Chunk,
			RerankedScore: clamp01(score),
			Components:    map[string]float64{"semantic": score},
			Explanation:   "cosine similarity between query and chunk embeddings",
		}
	}
	return results, nil
}

func (r *Reranker) quality(candidates []Candidate) []Result {
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		score := c.Chunk.Quality.Aggregate(r.cfg.QualityWeights)
		results[i] = Result{
			Chunk:         c.Chunk,
			RerankedScore: score,
			Components:    map[string]float64{"quality": score},
			Explanation:   "weighted aggregate of chunk quality dimensions",
		}
	}
	return results
}

// contextual generalizes the adjust-then-resort pattern of
// ApplyTestFilePenalty/ApplyPathBoost: start from the retrieval score and
// apply a multiplicative boost, here driven by how much of the query's
// named-entity set the chunk's relationship-derived entities cover rather
// than by a file-path heuristic.
func (r *Reranker) contextual(candidates []Candidate, queryEntities []string) []Result {
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		coverage := entityCoverage(c.Chunk.Metadata.Entities, queryEntities)
		boost := 1.0 + coverage // no coverage: 1.0x; full coverage: 2.0x
		score := clamp01(c.RetrievalScore * boost)
		results[i] = Result{
			Chunk:         c.Chunk,
			RerankedScore: score,
			Components:    map[string]float64{"retrieval": c.RetrievalScore, "entity_coverage": coverage},
			Explanation:   "retrieval score boosted by query-entity coverage",
		}
	}
	return results
}

func (r *Reranker) hybrid(ctx context.Context, query string, candidates []Candidate, queryEntities []string) ([]Result, error) {
	semantic, err := r.semantic(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	qualityResults := r.quality(candidates)
	contextualResults := r.contextual(candidates, queryEntities)

	w := r.cfg.Weights
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		score := w.Semantic*semantic[i].RerankedScore + w.Quality*qualityResults[i].RerankedScore + w.Contextual*contextualResults[i].RerankedScore
		results[i] = Result{
			Chunk:         c.Chunk,
			RerankedScore: clamp01(score),
			Components: map[string]float64{
				"semantic":   semantic[i].RerankedScore,
				"quality":    qualityResults[i].RerankedScore,
				"contextual": contextualResults[i].RerankedScore,
			},
			Explanation: "convex combination of semantic, quality, and contextual scores",
		}
	}
	return results, nil
}

const pairwisePrompt = `Rate how relevant this passage is to the query on a 0-1 scale. Respond as JSON: {"score": 0.0}

Query: %s

Passage: %s`

// llmRerank judges each candidate individually via the configured
// TextCompletionService. Fails open to Semantic on any provider error,
// matching NoOpReranker's original-order fallback shape.
func (r *Reranker) llmRerank(ctx context.Context, query string, candidates []Candidate) ([]Result, error) {
	if r.llm == nil {
		return r.semantic(ctx, query, candidates)
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		prompt := fmt.Sprintf(pairwisePrompt, query, c.Chunk.Text)
		raw, err := r.llm.CompleteJSON(ctx, prompt)
		if err != nil {
			return r.semantic(ctx, query, candidates)
		}
		score, ok := parseScore(raw)
		if !ok {
			return r.semantic(ctx, query, candidates)
		}
		results[i] = Result{
			Chunk:         c.Chunk,
			RerankedScore: clamp01(score),
			Components:    map[string]float64{"llm": score},
			Explanation:   "pairwise relevance judgement by text-completion service",
		}
	}
	return results, nil
}

func parseScore(raw string) (float64, bool) {
	var parsed struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return 0, false
	}
	return parsed.Score, true
}

func entityCoverage(chunkEntities, queryEntities []string) float64 {
	if len(queryEntities) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(chunkEntities))
	for _, e := range chunkEntities {
		set[strings.ToLower(e)] = struct{}{}
	}
	hits := 0
	for _, qe := range queryEntities {
		if _, ok := set[strings.ToLower(qe)]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryEntities))
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RerankedScore != results[j].RerankedScore {
			return results[i].RerankedScore > results[j].RerankedScore
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
