package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/cache"
	"github.com/ragcore/ragcore/internal/expand"
	"github.com/ragcore/ragcore/internal/hybrid"
	"github.com/ragcore/ragcore/internal/model"
	"github.com/ragcore/ragcore/internal/rerank"
	"github.com/ragcore/ragcore/internal/sparseindex"
	"github.com/ragcore/ragcore/internal/transform"
	"github.com/ragcore/ragcore/internal/vectorstore"
)

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) Dimension() int           { return len(f.vec) }
func (f *fakeEmbedder) ModelName() string        { return "fake" }
func (f *fakeEmbedder) MaxTokens() int           { return 8192 }
func (f *fakeEmbedder) CountTokens(s string) int { return len(s) / 4 }

type fakeSource struct {
	chunks map[string]*model.Chunk
}

func (f *fakeSource) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return nil, assertNotFoundErr{id}
	}
	return c, nil
}

func (f *fakeSource) GetChunksByDocument(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	var out []*model.Chunk
	for _, c := range f.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) GetRelationships(ctx context.Context, id string, typeFilter []model.RelationshipType) ([]model.ChunkRelationship, error) {
	return nil, nil
}

type assertNotFoundErr struct{ id string }

func (e assertNotFoundErr) Error() string { return "chunk not found: " + e.id }

func buildOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	ctx := context.Background()

	vec, err := vectorstore.New(vectorstore.DefaultConfig(3))
	require.NoError(t, err)
	require.NoError(t, vec.Put(ctx, "a", []float32{1, 0, 0}, "doc1"))
	require.NoError(t, vec.Put(ctx, "b", []float32{0, 1, 0}, "doc1"))

	sparse, err := sparseindex.New("", sparseindex.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sparse.Put(ctx, "a", "the quick brown fox"))
	require.NoError(t, sparse.Put(ctx, "b", "lazy dog sleeps"))

	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	searcher := hybrid.New(vec, sparse, embedder, hybrid.DefaultConfig())

	source := &fakeSource{chunks: map[string]*model.Chunk{
		"a": {ID: "a", DocumentID: "doc1", Position: 0, Text: "the quick brown fox"},
		"b": {ID: "b", DocumentID: "doc1", Position: 1, Text: "lazy dog sleeps"},
	}}

	expander := expand.New(source, expand.DefaultConfig())
	reranker := rerank.New(embedder, nil, rerank.DefaultConfig())
	an := analyzer.New(nil, 0)
	tr := transform.New(nil, transform.DefaultConfig())

	c, err := cache.New(embedder, cache.DefaultConfig())
	require.NoError(t, err)

	return New(c, an, tr, searcher, expander, reranker, source)
}

func TestSearch_ForcedDirectVectorReturnsDocuments(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyDirectVector
	opts.EnableExpansion = false

	result, err := o.Search(context.Background(), "quick fox", opts)
	require.NoError(t, err)
	assert.Equal(t, analyzer.StrategyDirectVector, result.UsedStrategy)
	assert.NotEmpty(t, result.Documents)
	assert.False(t, result.CacheHit)
}

func TestSearch_SecondIdenticalQueryHitsCache(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyDirectVector
	opts.EnableExpansion = false

	ctx := context.Background()
	_, err := o.Search(ctx, "quick fox", opts)
	require.NoError(t, err)

	second, err := o.Search(ctx, "quick fox", opts)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
}

func TestSearch_LowConfidenceAnalysisForcesHybrid(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.UseCache = false
	opts.EnableExpansion = false

	result, err := o.Search(context.Background(), "", opts)
	require.NoError(t, err)
	// Empty-query analysis returns Confidence 1.0 in the analyzer, so this
	// exercises the preference-table path instead of the low-confidence one;
	// either way a strategy must be chosen without error.
	assert.NotEmpty(t, string(result.UsedStrategy))

	// The low-confidence path itself: a TemporalQuery would map to TwoStage,
	// but confidence below 0.5 forces Hybrid.
	strategy, _ := o.selectStrategy(analyzer.Analysis{Type: analyzer.TemporalQuery, Confidence: 0.3}, opts)
	assert.Equal(t, analyzer.StrategyHybrid, strategy)
}

func TestSearch_KeywordOnlyUsesSparseSource(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyKeywordOnly
	opts.EnableExpansion = false
	opts.EnableRerank = false

	result, err := o.Search(context.Background(), "lazy dog", opts)
	require.NoError(t, err)
	assert.Equal(t, analyzer.StrategyKeywordOnly, result.UsedStrategy)
	require.NotEmpty(t, result.Documents)
	assert.Equal(t, "b", result.Documents[0].Chunk.ID)
}

func TestSearch_MultiQueryMergesSubQueryResults(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyMultiQuery
	opts.EnableExpansion = false

	result, err := o.Search(context.Background(), "fox and dog", opts)
	require.NoError(t, err)
	assert.Equal(t, analyzer.StrategyMultiQuery, result.UsedStrategy)
	assert.NotEmpty(t, result.Documents)
}

func TestSearch_TwoStageBroadensThenNarrows(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyTwoStage
	opts.MaxResults = 1
	opts.EnableExpansion = false

	result, err := o.Search(context.Background(), "quick fox", opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Documents), 1)
}

func TestSearch_SelfRAGReturnsDocuments(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategySelfRAG
	opts.MaxResults = 5
	opts.EnableExpansion = false

	result, err := o.Search(context.Background(), "quick fox", opts)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Documents)
}

func TestUpdateFeedback_RecomputesPreferredStrategy(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyDirectVector
	opts.UseCache = false
	opts.EnableExpansion = false
	_, err := o.Search(context.Background(), "quick fox", opts)
	require.NoError(t, err)

	o.UpdateFeedback(FeedbackEvent{
		Query: "quick fox", Strategy: analyzer.StrategyDirectVector,
		QueryType: analyzer.SimpleKeyword, Satisfaction: 0.95,
	})

	report := o.PerformanceReport()
	assert.Equal(t, analyzer.StrategyDirectVector, report.PreferredByType[analyzer.SimpleKeyword])
	assert.Equal(t, 1, report.Strategies[analyzer.StrategyDirectVector].TotalUses)
}

func TestPerformanceReport_TracksTotalUses(t *testing.T) {
	o := buildOrchestrator(t)
	opts := DefaultOptions()
	opts.ForceStrategy = analyzer.StrategyHybrid
	opts.UseCache = false
	opts.EnableExpansion = false

	_, err := o.Search(context.Background(), "quick fox", opts)
	require.NoError(t, err)
	_, err = o.Search(context.Background(), "lazy dog", opts)
	require.NoError(t, err)

	report := o.PerformanceReport()
	assert.Equal(t, 2, report.Strategies[analyzer.StrategyHybrid].TotalUses)
}
