package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragcore/ragcore/internal/model"
)

func TestEnricher_Enrich_FallsBackToHeuristicsWithoutLLM(t *testing.T) {
	e := New(DefaultConfig(), nil)
	e.Observe("the quick brown fox jumps over the lazy dog")

	result := e.Enrich(context.Background(), "The quick brown Fox jumps over the lazy Dog.", "", "", nil)
	assert.Equal(t, ConfidenceLow, result.Confidence)
	assert.NotEmpty(t, result.Metadata.Keywords)
	assert.Greater(t, result.Metadata.CharCount, 0)
}

func TestEnricher_Enrich_UsesLLMWhenAvailable(t *testing.T) {
	llm := &fakeCompletion{jsonResponse: `{"keywords":["alpha","beta"],"entities":["Acme Corp"],"topics":["finance"]}`}
	e := New(DefaultConfig(), llm)

	result := e.Enrich(context.Background(), "Acme Corp reported strong earnings.", "", "", nil)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.Equal(t, []string{"alpha", "beta"}, result.Metadata.Keywords)
	assert.Equal(t, []string{"Acme Corp"}, result.Metadata.Entities)
}

func TestEnricher_Enrich_FallsBackOnLLMError(t *testing.T) {
	llm := &fakeCompletion{err: assertError{}}
	e := New(DefaultConfig(), llm)

	result := e.Enrich(context.Background(), "some plain content here", "", "", nil)
	assert.Equal(t, ConfidenceLow, result.Confidence)
}

func TestEnricher_EnrichBatch_ContinuesPastFailures(t *testing.T) {
	e := New(DefaultConfig(), nil)
	results := e.EnrichBatch(context.Background(), []string{"first chunk text", "second chunk text", "third chunk text"}, nil)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotNil(t, r.Metadata)
	}
}

func TestEnricher_AnalyzeRelationships_SequentialAndSemantic(t *testing.T) {
	e := New(DefaultConfig(), nil)
	now := time.Now()

	source := &model.Chunk{ID: "c1", DocumentID: "d1", Position: 0, CreatedAt: now, UpdatedAt: now,
		Embedding: &model.Embedding{Values: []float32{1, 0, 0}}}
	adjacent := &model.Chunk{ID: "c2", DocumentID: "d1", Position: 1, CreatedAt: now, UpdatedAt: now,
		Embedding: &model.Embedding{Values: []float32{1, 0, 0}}}
	unrelated := &model.Chunk{ID: "c3", DocumentID: "d1", Position: 5, CreatedAt: now, UpdatedAt: now,
		Embedding: &model.Embedding{Values: []float32{0, 1, 0}}}

	rels := e.AnalyzeRelationships(source, []*model.Chunk{adjacent, unrelated})

	var types []model.RelationshipType
	for _, r := range rels {
		types = append(types, r.Type)
	}
	assert.Contains(t, types, model.RelationshipSequential)
	assert.Contains(t, types, model.RelationshipSemantic)
}

func TestEnricher_EvaluateQuality_HeuristicWithoutLLM(t *testing.T) {
	e := New(DefaultConfig(), nil)
	chunk := &model.Chunk{ID: "c1", Text: "A complete sentence with punctuation."}
	q := e.EvaluateQuality(context.Background(), chunk, "")
	assert.Greater(t, q.Completeness, 0.0)
	assert.Equal(t, 0.5, q.Authority)
}

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

type assertError struct{}

func (assertError) Error() string { return "simulated provider failure" }
