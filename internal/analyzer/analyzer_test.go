package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze_ShortQueryIsSimpleKeyword(t *testing.T) {
	a := New(nil, 0)
	result := a.Analyze(context.Background(), "login bug")
	assert.Equal(t, SimpleKeyword, result.Type)
}

func TestAnalyze_WhQuestionIsNaturalQuestion(t *testing.T) {
	a := New(nil, 0)
	result := a.Analyze(context.Background(), "how does the authentication flow work in this service")
	assert.Equal(t, NaturalQuestion, result.Type)
}

func TestAnalyze_ComparativeCueIsComparisonQuery(t *testing.T) {
	a := New(nil, 0)
	result := a.Analyze(context.Background(), "difference between oauth and saml authentication")
	assert.Equal(t, ComparisonQuery, result.Type)
}

func TestAnalyze_TemporalCueIsTemporalQuery(t *testing.T) {
	a := New(nil, 0)
	result := a.Analyze(context.Background(), "changes in the latest release of the parser")
	assert.Equal(t, TemporalQuery, result.Type)
}

func TestAnalyze_CachesResultsByNormalizedQuery(t *testing.T) {
	a := New(nil, 0)
	first := a.Analyze(context.Background(), "  Login Bug  ")
	second := a.Analyze(context.Background(), "login bug")
	assert.Equal(t, first, second)
}

func TestAnalyze_EmptyQueryReturnsDefault(t *testing.T) {
	a := New(nil, 0)
	result := a.Analyze(context.Background(), "   ")
	assert.Equal(t, ComplexSearch, result.Type)
}

func TestRecommendStrategy_MapsQueryTypesToStrategies(t *testing.T) {
	cases := []struct {
		qtype    QueryType
		strategy SearchStrategy
	}{
		{NaturalQuestion, StrategyHybrid},
		{ComparisonQuery, StrategyMultiQuery},
		{TemporalQuery, StrategyTwoStage},
		{MultiHopQuery, StrategySelfRAG},
	}
	for _, c := range cases {
		got := RecommendStrategy(Analysis{Type: c.qtype, Confidence: 0.9})
		assert.Equal(t, c.strategy, got)
	}
}

func TestRecommendStrategy_LowConfidenceFallsBackToHybrid(t *testing.T) {
	got := RecommendStrategy(Analysis{Type: MultiHopQuery, Confidence: 0.2})
	assert.Equal(t, StrategyHybrid, got)
}

func TestAnalyze_LLMPathUsedWhenAvailable(t *testing.T) {
	llm := &fakeCompletion{jsonResponse: `{"type":"comparison_query","intent":"compare","entities":["OAuth","SAML"],"concepts":["auth"],"confidence":0.95}`}
	a := New(llm, 0)
	result := a.Analyze(context.Background(), "oauth versus saml tradeoffs")
	assert.Equal(t, ComparisonQuery, result.Type)
	assert.Equal(t, 0.95, result.Confidence)
}

func TestAnalyze_FallsBackToPatternsOnLLMError(t *testing.T) {
	llm := &fakeCompletion{err: fakeErr{}}
	a := New(llm, 0)
	result := a.Analyze(context.Background(), "login bug")
	assert.Equal(t, SimpleKeyword, result.Type)
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

type fakeErr struct{}

func (fakeErr) Error() string { return "simulated provider failure" }
