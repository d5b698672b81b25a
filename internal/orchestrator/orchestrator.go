// Package orchestrator selects and runs a retrieval strategy for a query,
// dispatching across hybrid search, query decomposition, context
// expansion, and reranking, with a semantic cache in front and rolling
// per-strategy performance metrics behind.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/cache"
	"github.com/ragcore/ragcore/internal/expand"
	"github.com/ragcore/ragcore/internal/hybrid"
	"github.com/ragcore/ragcore/internal/model"
	"github.com/ragcore/ragcore/internal/rerank"
	"github.com/ragcore/ragcore/internal/transform"
)

// Options parameterizes a single Search call.
type Options struct {
	ForceStrategy   analyzer.SearchStrategy // "" = let the orchestrator choose
	MaxResults      int
	UseCache        bool
	EnableExpansion bool
	EnableRerank    bool
	RerankStrategy  rerank.Strategy
	EnableABTest    bool
	QueryEntities   []string
	CacheThreshold  float64 // similarity floor for cache lookups; 0 uses the default
}

// DefaultOptions enables caching, expansion, and adaptive reranking but
// not A/B testing, for 10 results.
func DefaultOptions() Options {
	return Options{
		MaxResults:      10,
		UseCache:        true,
		EnableExpansion: true,
		EnableRerank:    true,
		RerankStrategy:  rerank.StrategyAdaptive,
		CacheThreshold:  0.9,
	}
}

const (
	defaultMultiQueryParallelism = 4
	defaultABSampleRate          = 0.1 // fraction of queries shadow-tested
	minSubQueryLimit             = 3
	twoStageBroadenFactor        = 3
)

// Document is a single ranked result, carrying the chunk, its final
// score, the scoring components that produced it, and any Small-to-Big
// context pulled in around it.
type Document struct {
	Chunk           *model.Chunk
	Score           float64
	Components      map[string]float64
	ExpandedContext []expand.ExpandedChunk
}

// PerformanceInfo reports the cost of a single Search call.
type PerformanceInfo struct {
	ProcessingMS  int64
	CandidateCount int
}

// ABTestInfo summarizes an alternate-strategy shadow run, when enabled.
type ABTestInfo struct {
	AlternateStrategy      analyzer.SearchStrategy
	AlternateProcessingMS  int64
	AlternateDocumentCount int
}

// AdaptiveSearchResult is the outcome of a single Search call.
type AdaptiveSearchResult struct {
	Documents       []Document
	UsedStrategy    analyzer.SearchStrategy
	QueryAnalysis   analyzer.Analysis
	Performance     PerformanceInfo
	StrategyReasons []string
	ABTestInfo      *ABTestInfo
	Confidence      float64
	CacheHit        bool
}

// strategyMetrics accumulates rolling means for one strategy.
type strategyMetrics struct {
	totalUses       int
	avgProcessingMS float64
	avgRelevance    float64
	avgSatisfaction float64
	feedbackCount   int
}

func (m *strategyMetrics) recordUse(processingMS float64, relevance float64) {
	m.totalUses++
	m.avgProcessingMS += (processingMS - m.avgProcessingMS) / float64(m.totalUses)
	m.avgRelevance += (relevance - m.avgRelevance) / float64(m.totalUses)
}

func (m *strategyMetrics) recordFeedback(satisfaction float64) {
	m.feedbackCount++
	m.avgSatisfaction += (satisfaction - m.avgSatisfaction) / float64(m.feedbackCount)
}

// StrategyStats is the public projection of strategyMetrics.
type StrategyStats struct {
	TotalUses       int
	AvgProcessingMS float64
	AvgRelevance    float64
	AvgSatisfaction float64
}

// StrategyPerformanceReport summarizes accumulated strategy performance
// and the currently preferred strategy per query type.
type StrategyPerformanceReport struct {
	Strategies        map[analyzer.SearchStrategy]StrategyStats
	PreferredByType   map[analyzer.QueryType]analyzer.SearchStrategy
}

// FeedbackEvent records a caller's judgement of a prior search result,
// keyed by the query and strategy that produced it.
type FeedbackEvent struct {
	Query        string
	Strategy     analyzer.SearchStrategy
	QueryType    analyzer.QueryType
	Satisfaction float64 // 0-1
}

// Orchestrator wires query analysis, strategy selection, retrieval
// execution, expansion, reranking, and the semantic cache into a single
// adaptive search entry point.
type Orchestrator struct {
	cache      *cache.Cache // may be nil to disable caching regardless of Options.UseCache
	analyzer   *analyzer.Analyzer
	transformer *transform.Transformer
	searcher   *hybrid.Searcher
	expander   *expand.Expander
	reranker   *rerank.Reranker
	source     expand.ChunkSource

	mu              sync.Mutex
	metrics         map[analyzer.SearchStrategy]*strategyMetrics
	preferredByType map[analyzer.QueryType]analyzer.SearchStrategy

	abSampleRate float64
}

// New builds an Orchestrator. cache may be nil to disable the semantic
// cache regardless of Options.UseCache.
func New(c *cache.Cache, a *analyzer.Analyzer, t *transform.Transformer, s *hybrid.Searcher, e *expand.Expander, r *rerank.Reranker, source expand.ChunkSource) *Orchestrator {
	return &Orchestrator{
		cache:           c,
		analyzer:        a,
		transformer:     t,
		searcher:        s,
		expander:        e,
		reranker:        r,
		source:          source,
		metrics:         make(map[analyzer.SearchStrategy]*strategyMetrics),
		preferredByType: defaultPreferenceTable(),
		abSampleRate:    defaultABSampleRate,
	}
}

func defaultPreferenceTable() map[analyzer.QueryType]analyzer.SearchStrategy {
	return map[analyzer.QueryType]analyzer.SearchStrategy{
		analyzer.SimpleKeyword:   analyzer.StrategyKeywordOnly,
		analyzer.NaturalQuestion: analyzer.StrategyHybrid,
		analyzer.ComparisonQuery: analyzer.StrategyMultiQuery,
		analyzer.TemporalQuery:   analyzer.StrategyTwoStage,
		analyzer.MultiHopQuery:   analyzer.StrategySelfRAG,
		analyzer.ComplexSearch:   analyzer.StrategyHybrid,
	}
}

// Search runs the full adaptive pipeline: cache lookup, analysis,
// strategy selection, dispatch, optional A/B shadow test, write-through,
// and metrics update.
func (o *Orchestrator) Search(ctx context.Context, query string, opts Options) (AdaptiveSearchResult, error) {
	start := time.Now()

	threshold := opts.CacheThreshold
	if threshold <= 0 {
		threshold = DefaultOptions().CacheThreshold
	}
	if opts.UseCache && o.cache != nil {
		if hit, ok, err := o.cacheLookup(ctx, query, threshold); err == nil && ok {
			return hit, nil
		}
	}

	analysis := o.analyzer.Analyze(ctx, query)

	strategy, reasons := o.selectStrategy(analysis, opts)

	candidates, err := o.dispatch(ctx, query, strategy, opts, analysis)
	if err != nil {
		return AdaptiveSearchResult{}, fmt.Errorf("orchestrator: dispatch %s: %w", strategy, err)
	}

	documents, err := o.finalize(ctx, query, candidates, opts, analysis)
	if err != nil {
		return AdaptiveSearchResult{}, fmt.Errorf("orchestrator: finalize: %w", err)
	}

	var abInfo *ABTestInfo
	if opts.EnableABTest && o.sampleForABTest(query) {
		abInfo = o.runShadowStrategy(ctx, query, strategy, opts, analysis)
	}

	result := AdaptiveSearchResult{
		Documents:       documents,
		UsedStrategy:    strategy,
		QueryAnalysis:   analysis,
		Performance:     PerformanceInfo{ProcessingMS: time.Since(start).Milliseconds(), CandidateCount: len(candidates)},
		StrategyReasons: reasons,
		ABTestInfo:      abInfo,
		Confidence:      analysis.Confidence,
	}

	if opts.UseCache && o.cache != nil {
		o.writeThrough(ctx, query, documents)
	}
	o.recordUse(strategy, float64(result.Performance.ProcessingMS), averageScore(documents))

	return result, nil
}

// SearchWithStrategy bypasses selection and runs a caller-chosen strategy.
func (o *Orchestrator) SearchWithStrategy(ctx context.Context, query string, strategy analyzer.SearchStrategy, opts Options) (AdaptiveSearchResult, error) {
	opts.ForceStrategy = strategy
	return o.Search(ctx, query, opts)
}

// UpdateFeedback records a satisfaction signal for a (query, strategy)
// pair and recomputes the preferred strategy for that query type.
func (o *Orchestrator) UpdateFeedback(ev FeedbackEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := o.metricsForLocked(ev.Strategy)
	m.recordFeedback(ev.Satisfaction)

	o.preferredByType[ev.QueryType] = o.bestStrategyForTypeLocked(ev.QueryType)
}

// PerformanceReport snapshots accumulated per-strategy metrics and the
// current preference table.
func (o *Orchestrator) PerformanceReport() StrategyPerformanceReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	strategies := make(map[analyzer.SearchStrategy]StrategyStats, len(o.metrics))
	for strat, m := range o.metrics {
		strategies[strat] = StrategyStats{
			TotalUses:       m.totalUses,
			AvgProcessingMS: m.avgProcessingMS,
			AvgRelevance:    m.avgRelevance,
			AvgSatisfaction: m.avgSatisfaction,
		}
	}
	preferred := make(map[analyzer.QueryType]analyzer.SearchStrategy, len(o.preferredByType))
	for qt, s := range o.preferredByType {
		preferred[qt] = s
	}
	return StrategyPerformanceReport{Strategies: strategies, PreferredByType: preferred}
}

// selectStrategy implements step 3: force_strategy overrides everything;
// otherwise low confidence forces Hybrid; otherwise the preference table,
// else the Analyzer's own recommendation.
func (o *Orchestrator) selectStrategy(a analyzer.Analysis, opts Options) (analyzer.SearchStrategy, []string) {
	if opts.ForceStrategy != "" {
		return opts.ForceStrategy, []string{"force_strategy override"}
	}

	if a.Confidence < 0.5 {
		return analyzer.StrategyHybrid, []string{"low analyzer confidence forces hybrid"}
	}

	o.mu.Lock()
	preferred, ok := o.preferredByType[a.Type]
	o.mu.Unlock()
	if ok && preferred != "" {
		return preferred, []string{fmt.Sprintf("preference table for query type %s", a.Type)}
	}

	return analyzer.RecommendStrategy(a), []string{"analyzer recommendation"}
}

// dispatch runs one of the seven executors and returns fused candidates.
func (o *Orchestrator) dispatch(ctx context.Context, query string, strategy analyzer.SearchStrategy, opts Options, analysis analyzer.Analysis) ([]hybrid.Result, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultOptions().MaxResults
	}

	switch strategy {
	case analyzer.StrategyDirectVector:
		return o.searcher.SearchWithWeights(ctx, query, maxResults, hybrid.Weights{Vector: 1})
	case analyzer.StrategyKeywordOnly:
		return o.searcher.SearchWithWeights(ctx, query, maxResults, hybrid.Weights{Sparse: 1})
	case analyzer.StrategyMultiQuery:
		return o.multiQuery(ctx, query, maxResults)
	case analyzer.StrategyTwoStage:
		return o.twoStage(ctx, query, maxResults)
	case analyzer.StrategySelfRAG:
		return o.selfRAG(ctx, query, maxResults, analysis)
	case analyzer.StrategyHybrid:
		return o.searcher.Search(ctx, query, maxResults)
	default:
		// Adaptive_fallback_to_Hybrid and any unrecognized strategy.
		return o.searcher.Search(ctx, query, maxResults)
	}
}

// multiQuery decomposes the query and fans the sub-queries out in
// parallel, bounded by a buffered-channel semaphore, mirroring
// MultiQuerySearcher.parallelSubSearch: continue past a failing
// sub-query rather than aborting the whole fan-out.
func (o *Orchestrator) multiQuery(ctx context.Context, query string, maxResults int) ([]hybrid.Result, error) {
	decomposed := o.transformer.Decompose(query)
	subQueries := decomposed.SubQueries
	if len(subQueries) == 0 {
		return o.searcher.Search(ctx, query, maxResults)
	}

	subLimit := maxResults
	if subLimit < minSubQueryLimit {
		subLimit = minSubQueryLimit
	}

	sem := make(chan struct{}, defaultMultiQueryParallelism)
	var mu sync.Mutex
	merged := make(map[string]*hybrid.Result)

	g, gctx := errgroup.WithContext(ctx)
	for _, sq := range subQueries {
		sq := sq
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			results, err := o.searcher.Search(gctx, sq.Text, subLimit)
			if err != nil {
				return nil // a failing sub-query yields no contribution, not an aborted fan-out
			}
			mu.Lock()
			for _, r := range results {
				if existing, ok := merged[r.ChunkID]; ok {
					existing.FusedScore += r.FusedScore * sq.Importance
				} else {
					rc := r
					rc.FusedScore *= sq.Importance
					merged[rc.ChunkID] = &rc
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // sub-query errors are absorbed above; only panics would propagate

	out := make([]hybrid.Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// twoStage retrieves a broadened candidate set, then relies on the
// caller's downstream rerank pass (finalize) to narrow it back down.
func (o *Orchestrator) twoStage(ctx context.Context, query string, maxResults int) ([]hybrid.Result, error) {
	return o.searcher.Search(ctx, query, maxResults*twoStageBroadenFactor)
}

// selfRAG retrieves, then widens via Small-to-Big expansion and folds
// the expanded context back in as additional candidates, approximating
// a single self-reflective retrieval hop.
func (o *Orchestrator) selfRAG(ctx context.Context, query string, maxResults int, analysis analyzer.Analysis) ([]hybrid.Result, error) {
	base, err := o.searcher.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	if o.expander == nil || len(base) == 0 {
		return base, nil
	}

	primary, err := o.resolveChunks(ctx, base)
	if err != nil {
		return base, nil // expansion is best-effort; retrieval already succeeded
	}
	chunks := make([]*model.Chunk, len(primary))
	for i, c := range primary {
		chunks[i] = c.Chunk
	}

	expansions, err := o.expander.Expand(ctx, chunks, analysis.Complexity, analysis.Entities)
	if err != nil {
		return base, nil
	}

	scoreByID := make(map[string]float64, len(base))
	for _, r := range base {
		scoreByID[r.ChunkID] = r.FusedScore
	}
	out := append([]hybrid.Result{}, base...)
	seen := make(map[string]bool, len(base))
	for _, r := range base {
		seen[r.ChunkID] = true
	}
	for _, res := range expansions {
		for _, ec := range res.ExpandedContext {
			if seen[ec.Chunk.ID] {
				continue
			}
			seen[ec.Chunk.ID] = true
			out = append(out, hybrid.Result{
				ChunkID:    ec.Chunk.ID,
				FusedScore: scoreByID[res.PrimaryChunk.ID] * ec.Strength,
				Source:     hybrid.SourceBoth,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FusedScore > out[j].FusedScore })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// resolvedCandidate pairs a hybrid.Result with its fetched chunk.
type resolvedCandidate struct {
	Chunk *model.Chunk
	rerank.Candidate
}

func (o *Orchestrator) resolveChunks(ctx context.Context, results []hybrid.Result) ([]resolvedCandidate, error) {
	out := make([]resolvedCandidate, 0, len(results))
	for _, r := range results {
		chunk, err := o.source.GetChunk(ctx, r.ChunkID)
		if err != nil {
			continue // a dangling id should not fail the whole batch
		}
		out = append(out, resolvedCandidate{
			Chunk:     chunk,
			Candidate: rerank.Candidate{Chunk: chunk, RetrievalScore: r.FusedScore},
		})
	}
	return out, nil
}

// finalize resolves fused candidates into full chunks, optionally
// expands their context, optionally reranks, and shapes the final
// Document list.
func (o *Orchestrator) finalize(ctx context.Context, query string, candidates []hybrid.Result, opts Options, analysis analyzer.Analysis) ([]Document, error) {
	resolved, err := o.resolveChunks(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return []Document{}, nil
	}

	rerankCandidates := make([]rerank.Candidate, len(resolved))
	for i, rc := range resolved {
		rerankCandidates[i] = rc.Candidate
	}

	components := make([]map[string]float64, len(resolved))
	scores := make([]float64, len(resolved))
	for i, rc := range resolved {
		scores[i] = rc.RetrievalScore
	}

	if opts.EnableRerank && o.reranker != nil {
		strategy := opts.RerankStrategy
		if strategy == "" {
			strategy = rerank.StrategyAdaptive
		}
		reranked, err := o.reranker.Rerank(ctx, query, rerankCandidates, strategy, opts.QueryEntities, analysis)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]rerank.Result, len(reranked))
		for _, r := range reranked {
			byID[r.Chunk.ID] = r
		}
		for i, rc := range resolved {
			if r, ok := byID[rc.Chunk.ID]; ok {
				scores[i] = r.RerankedScore
				components[i] = r.Components
			}
		}
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultOptions().MaxResults
	}

	var expansions map[string][]expand.ExpandedChunk
	if opts.EnableExpansion && o.expander != nil {
		chunks := make([]*model.Chunk, len(resolved))
		for i, rc := range resolved {
			chunks[i] = rc.Chunk
		}
		results, err := o.expander.Expand(ctx, chunks, analysis.Complexity, opts.QueryEntities)
		if err == nil {
			expansions = make(map[string][]expand.ExpandedChunk, len(results))
			for _, res := range results {
				expansions[res.PrimaryChunk.ID] = res.ExpandedContext
			}
		}
	}

	docs := make([]Document, len(resolved))
	for i, rc := range resolved {
		docs[i] = Document{
			Chunk:      rc.Chunk,
			Score:      scores[i],
			Components: components[i],
		}
		if expansions != nil {
			docs[i].ExpandedContext = expansions[rc.Chunk.ID]
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > maxResults {
		docs = docs[:maxResults]
	}
	return docs, nil
}

// runShadowStrategy runs an alternate strategy alongside the chosen one
// without affecting the returned documents, for comparison metrics only.
func (o *Orchestrator) runShadowStrategy(ctx context.Context, query string, chosen analyzer.SearchStrategy, opts Options, analysis analyzer.Analysis) *ABTestInfo {
	alternate := alternateStrategy(chosen)
	start := time.Now()
	altCandidates, err := o.dispatch(ctx, query, alternate, opts, analysis)
	if err != nil {
		return nil
	}
	return &ABTestInfo{
		AlternateStrategy:      alternate,
		AlternateProcessingMS:  time.Since(start).Milliseconds(),
		AlternateDocumentCount: len(altCandidates),
	}
}

func alternateStrategy(s analyzer.SearchStrategy) analyzer.SearchStrategy {
	if s == analyzer.StrategyHybrid {
		return analyzer.StrategyDirectVector
	}
	return analyzer.StrategyHybrid
}

// sampleForABTest stably samples a query into the A/B test fraction via
// an FNV hash, so repeated identical queries sample consistently.
func (o *Orchestrator) sampleForABTest(query string) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	bucket := float64(h.Sum32()%10000) / 10000.0
	return bucket < o.abSampleRate
}

type cachedPayloadEntry struct {
	ChunkID    string             `json:"chunk_id"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components,omitempty"`
}

func (o *Orchestrator) cacheLookup(ctx context.Context, query string, threshold float64) (AdaptiveSearchResult, bool, error) {
	res, ok, err := o.cache.Get(ctx, query, threshold)
	if err != nil || !ok {
		return AdaptiveSearchResult{}, false, err
	}

	var entries []cachedPayloadEntry
	if err := json.Unmarshal(res.Payload, &entries); err != nil {
		return AdaptiveSearchResult{}, false, nil
	}

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		chunk, err := o.source.GetChunk(ctx, e.ChunkID)
		if err != nil {
			continue
		}
		docs = append(docs, Document{Chunk: chunk, Score: e.Score, Components: e.Components})
	}

	return AdaptiveSearchResult{
		Documents: docs,
		CacheHit:  true,
	}, true, nil
}

func (o *Orchestrator) writeThrough(ctx context.Context, query string, docs []Document) {
	entries := make([]cachedPayloadEntry, len(docs))
	for i, d := range docs {
		entries[i] = cachedPayloadEntry{ChunkID: d.Chunk.ID, Score: d.Score, Components: d.Components}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_ = o.cache.Set(ctx, query, payload, 0)
}

func (o *Orchestrator) recordUse(strategy analyzer.SearchStrategy, processingMS, relevance float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metricsForLocked(strategy).recordUse(processingMS, relevance)
}

func (o *Orchestrator) metricsForLocked(strategy analyzer.SearchStrategy) *strategyMetrics {
	m, ok := o.metrics[strategy]
	if !ok {
		m = &strategyMetrics{}
		o.metrics[strategy] = m
	}
	return m
}

// bestStrategyForTypeLocked picks the strategy with the best
// (avg_satisfaction, -avg_time) among strategies that have received
// feedback; callers must hold o.mu.
func (o *Orchestrator) bestStrategyForTypeLocked(qt analyzer.QueryType) analyzer.SearchStrategy {
	best := o.preferredByType[qt]
	var bestSatisfaction float64 = -1
	var bestTime float64

	for strat, m := range o.metrics {
		if m.feedbackCount == 0 {
			continue
		}
		if m.avgSatisfaction > bestSatisfaction ||
			(m.avgSatisfaction == bestSatisfaction && m.avgProcessingMS < bestTime) {
			best = strat
			bestSatisfaction = m.avgSatisfaction
			bestTime = m.avgProcessingMS
		}
	}
	return best
}

func averageScore(docs []Document) float64 {
	if len(docs) == 0 {
		return 0
	}
	var sum float64
	for _, d := range docs {
		sum += d.Score
	}
	return sum / float64(len(docs))
}
