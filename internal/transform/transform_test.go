package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestHyDE_ReturnsDocumentWhenQualityAboveFloor(t *testing.T) {
	llm := &fakeCompletion{jsonResponse: `{"document":"A passage about X.","quality":0.8}`}
	tr := New(llm, DefaultConfig())

	result, err := tr.HyDE(context.Background(), "what is X")
	require.NoError(t, err)
	assert.Equal(t, "A passage about X.", result.HypotheticalDocument)
	assert.Equal(t, 0.8, result.QualityScore)
}

func TestHyDE_BelowQualityFloorReturnsError(t *testing.T) {
	llm := &fakeCompletion{jsonResponse: `{"document":"weak","quality":0.1}`}
	tr := New(llm, DefaultConfig())

	_, err := tr.HyDE(context.Background(), "what is X")
	require.Error(t, err)
	var floorErr ErrBelowQualityFloor
	assert.ErrorAs(t, err, &floorErr)
}

func TestHyDE_NoLLMConfiguredReturnsError(t *testing.T) {
	tr := New(nil, DefaultConfig())
	_, err := tr.HyDE(context.Background(), "what is X")
	require.Error(t, err)
}

func TestQuOTE_FallsBackToPatternWithoutLLM(t *testing.T) {
	tr := New(nil, DefaultConfig())
	result, err := tr.QuOTE(context.Background(), "search function")
	require.NoError(t, err)
	assert.NotEmpty(t, result.ExpandedQueries)
	assert.NotEmpty(t, result.RelatedQuestions)
}

func TestQuOTE_UsesLLMWhenAvailable(t *testing.T) {
	llm := &fakeCompletion{jsonResponse: `{"expanded_queries":["a","b"],"related_questions":["c"],"weights":{"a":1.0}}`}
	tr := New(llm, DefaultConfig())

	result, err := tr.QuOTE(context.Background(), "query")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.ExpandedQueries)
}

func TestDecompose_ConjunctionSplitsIntoIndependentSubQueries(t *testing.T) {
	tr := New(nil, DefaultConfig())
	result := tr.Decompose("how does caching work and how does eviction work")
	assert.Equal(t, RelationshipConjunction, result.Relationship)
	assert.Len(t, result.SubQueries, 2)
}

func TestDecompose_SequentialCueYieldsDependentSubQueries(t *testing.T) {
	tr := New(nil, DefaultConfig())
	result := tr.Decompose("index the document then search for results")
	assert.Equal(t, RelationshipSequential, result.Relationship)
	for _, sq := range result.SubQueries {
		assert.Equal(t, SubQueryDependent, sq.Type)
	}
}

func TestDecompose_SingleClauseReturnsOneSubQuery(t *testing.T) {
	tr := New(nil, DefaultConfig())
	result := tr.Decompose("what is caching")
	assert.Equal(t, RelationshipIndependent, result.Relationship)
	require.Len(t, result.SubQueries, 1)
	assert.Equal(t, 1.0, result.SubQueries[0].Importance)
}

func TestDecompose_EmptyQueryReturnsNoSubQueries(t *testing.T) {
	tr := New(nil, DefaultConfig())
	result := tr.Decompose("   ")
	assert.Empty(t, result.SubQueries)
}

func TestIntent_NoLLMReturnsUnknown(t *testing.T) {
	tr := New(nil, DefaultConfig())
	result, err := tr.Intent(context.Background(), "find the login bug")
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.PrimaryIntent)
}

func TestIntent_UsesLLMWhenAvailable(t *testing.T) {
	llm := &fakeCompletion{jsonResponse: `{"primary_intent":"troubleshoot","secondary_intents":[],"confidence":{"troubleshoot":0.9},"domain":"auth","complexity":2}`}
	tr := New(llm, DefaultConfig())

	result, err := tr.Intent(context.Background(), "login fails intermittently")
	require.NoError(t, err)
	assert.Equal(t, "troubleshoot", result.PrimaryIntent)
	assert.Equal(t, "auth", result.Domain)
}

func TestHyDE_ProviderErrorPropagates(t *testing.T) {
	llm := &fakeCompletion{err: fakeErr{}}
	tr := New(llm, DefaultConfig())
	_, err := tr.HyDE(context.Background(), "query")
	require.Error(t, err)
}
