package rerank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/model"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "match" {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (fakeEmbedder) Dimension() int          { return 2 }
func (fakeEmbedder) ModelName() string       { return "fake" }
func (fakeEmbedder) MaxTokens() int          { return 1000 }
func (fakeEmbedder) CountTokens(s string) int { return len(s) }

type fakeCompletion struct {
	jsonResponse string
	err          error
}

func (f *fakeCompletion) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return "", f.err
}
func (f *fakeCompletion) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.jsonResponse, nil
}
func (f *fakeCompletion) CountTokens(text string) int { return len(text) / 4 }

type fakeErr struct{}

func (fakeErr) Error() string { return "simulated provider failure" }

func candidateWith(id string, embedding []float32, quality model.ChunkQuality, entities []string, retrieval float64) Candidate {
	var emb *model.Embedding
	if embedding != nil {
		emb = &model.Embedding{Dimension: len(embedding), Values: embedding}
	}
	return Candidate{
		Chunk: &model.Chunk{
			ID:        id,
			Text:      "match",
			Embedding: emb,
			Quality:   quality,
			Metadata:  model.ChunkMetadata{Entities: entities},
		},
		RetrievalScore: retrieval,
	}
}

func TestRerank_EmptyInputReturnsEmptyNotNil(t *testing.T) {
	r := New(fakeEmbedder{}, nil, DefaultConfig())
	results, err := r.Rerank(context.Background(), "q", nil, StrategySemantic, nil, analyzer.Analysis{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRerank_OutputLengthEqualsInputLength(t *testing.T) {
	r := New(fakeEmbedder{}, nil, DefaultConfig())
	candidates := []Candidate{
		candidateWith("a", []float32{1, 0}, model.ChunkQuality{}, nil, 0.5),
		candidateWith("b", []float32{0, 1}, model.ChunkQuality{}, nil, 0.4),
	}
	results, err := r.Rerank(context.Background(), "match", candidates, StrategySemantic, nil, analyzer.Analysis{})
	require.NoError(t, err)
	assert.Len(t, results, len(candidates))
}

func TestRerank_SemanticRanksClosestEmbeddingFirst(t *testing.T) {
	r := New(fakeEmbedder{}, nil, DefaultConfig())
	candidates := []Candidate{
		candidateWith("far", []float32{0, 1}, model.ChunkQuality{}, nil, 0.9),
		candidateWith("close", []float32{1, 0}, model.ChunkQuality{}, nil, 0.1),
	}
	results, err := r.Rerank(context.Background(), "match", candidates, StrategySemantic, nil, analyzer.Analysis{})
	require.NoError(t, err)
	assert.Equal(t, "close", results[0].Chunk.ID)
}

func TestRerank_QualityUsesAggregateScore(t *testing.T) {
	r := New(nil, nil, DefaultConfig())
	candidates := []Candidate{
		candidateWith("low", nil, model.ChunkQuality{Completeness: 0.1, InformationDensity: 0.1, Coherence: 0.1, Authority: 0.1, Freshness: 0.1, QueryRelevance: 0.1}, nil, 0),
		candidateWith("high", nil, model.ChunkQuality{Completeness: 0.9, InformationDensity: 0.9, Coherence: 0.9, Authority: 0.9, Freshness: 0.9, QueryRelevance: 0.9}, nil, 0),
	}
	results, err := r.Rerank(context.Background(), "q", candidates, StrategyQuality, nil, analyzer.Analysis{})
	require.NoError(t, err)
	assert.Equal(t, "high", results[0].Chunk.ID)
}

func TestRerank_ContextualBoostsEntityCoverage(t *testing.T) {
	r := New(nil, nil, DefaultConfig())
	candidates := []Candidate{
		candidateWith("none", nil, model.ChunkQuality{}, nil, 0.5),
		candidateWith("covered", nil, model.ChunkQuality{}, []string{"OAuth"}, 0.5),
	}
	results, err := r.Rerank(context.Background(), "q", candidates, StrategyContextual, []string{"oauth"}, analyzer.Analysis{})
	require.NoError(t, err)
	assert.Equal(t, "covered", results[0].Chunk.ID)
}

func TestRerank_HybridCombinesComponents(t *testing.T) {
	r := New(fakeEmbedder{}, nil, DefaultConfig())
	candidates := []Candidate{candidateWith("a", []float32{1, 0}, model.ChunkQuality{Completeness: 0.5}, nil, 0.5)}
	results, err := r.Rerank(context.Background(), "match", candidates, StrategyHybrid, nil, analyzer.Analysis{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Components, "semantic")
	assert.Contains(t, results[0].Components, "quality")
	assert.Contains(t, results[0].Components, "contextual")
}

func TestRerank_LLMFailsOpenToSemanticOnProviderError(t *testing.T) {
	r := New(fakeEmbedder{}, &fakeCompletion{err: fakeErr{}}, DefaultConfig())
	candidates := []Candidate{candidateWith("a", []float32{1, 0}, model.ChunkQuality{}, nil, 0.5)}
	results, err := r.Rerank(context.Background(), "match", candidates, StrategyLLM, nil, analyzer.Analysis{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Components, "semantic")
}

func TestRerank_LLMUsesJudgedScoreWhenAvailable(t *testing.T) {
	r := New(fakeEmbedder{}, &fakeCompletion{jsonResponse: `{"score": 0.77}`}, DefaultConfig())
	candidates := []Candidate{candidateWith("a", []float32{1, 0}, model.ChunkQuality{}, nil, 0.5)}
	results, err := r.Rerank(context.Background(), "match", candidates, StrategyLLM, nil, analyzer.Analysis{})
	require.NoError(t, err)
	assert.Equal(t, 0.77, results[0].RerankedScore)
}

func TestRerank_AdaptiveChoosesContextualWhenEntitiesPresent(t *testing.T) {
	r := New(fakeEmbedder{}, nil, DefaultConfig())
	candidates := []Candidate{candidateWith("a", []float32{1, 0}, model.ChunkQuality{}, []string{"OAuth"}, 0.5)}
	results, err := r.Rerank(context.Background(), "match", candidates, StrategyAdaptive, []string{"oauth"}, analyzer.Analysis{Entities: []string{"OAuth"}})
	require.NoError(t, err)
	assert.Contains(t, results[0].Components, "entity_coverage")
}

func TestRerank_UnknownStrategyReturnsError(t *testing.T) {
	r := New(nil, nil, DefaultConfig())
	candidates := []Candidate{candidateWith("a", nil, model.ChunkQuality{}, nil, 0.5)}
	_, err := r.Rerank(context.Background(), "q", candidates, Strategy("bogus"), nil, analyzer.Analysis{})
	require.Error(t, err)
}
