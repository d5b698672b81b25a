// Package analyzer classifies a query's type, complexity, and intent, and
// recommends a search strategy. It tries an LLM-assisted path first (when
// configured) and falls back to pattern rules on any provider error,
// memoizing results in an LRU cache keyed by the normalized query.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ragcore/ragcore/internal/provider"
)

// QueryType classifies the shape of a query.
type QueryType string

const (
	SimpleKeyword   QueryType = "simple_keyword"
	NaturalQuestion QueryType = "natural_question"
	ComparisonQuery QueryType = "comparison_query"
	TemporalQuery   QueryType = "temporal_query"
	MultiHopQuery   QueryType = "multi_hop_query"
	ComplexSearch   QueryType = "complex_search"
)

// Complexity is a 4-level ordinal, Simple < Moderate < Complex < VeryComplex.
type Complexity int

const (
	Simple Complexity = iota
	Moderate
	Complex
	VeryComplex
)

// SearchStrategy names a retrieval strategy recommended for a query.
type SearchStrategy string

const (
	StrategyKeywordOnly  SearchStrategy = "keyword_only"
	StrategyDirectVector SearchStrategy = "direct_vector"
	StrategyHybrid       SearchStrategy = "hybrid"
	StrategyMultiQuery   SearchStrategy = "multi_query"
	StrategyTwoStage     SearchStrategy = "two_stage"
	StrategySelfRAG      SearchStrategy = "self_rag"
)

// Analysis is the full classification result for a query.
type Analysis struct {
	Type              QueryType
	Complexity        Complexity
	Specificity       float64
	Entities          []string
	Concepts          []string
	Keywords          []string
	Intent            string
	Language          string
	ReasoningRequired bool
	MultiHop          bool
	EstimatedTimeMS   int
	Confidence        float64
}

const (
	defaultCacheSize     = 10000
	lowConfidenceFloor   = 0.5
)

var whWords = []string{"what", "who", "where", "when", "why", "how", "which"}
var comparativeCues = []string{"vs", "versus", "difference", "compare", "comparison", "better than"}
var temporalCues = []string{"latest", "recent", "since", "before", "after", "history of", "timeline", "deprecated", "changelog"}
var corefCues = []string{"it", "this", "that", "they", "those", "these"}

// Analyzer classifies queries, trying an LLM-assisted path first and
// falling back to pattern rules on any provider error.
type Analyzer struct {
	llm   provider.TextCompletionService // nil disables the LLM path
	cache *lru.Cache[string, Analysis]
}

// New builds an Analyzer. llm may be nil to use only pattern rules.
// cacheSize <= 0 uses the default of 10000 entries.
func New(llm provider.TextCompletionService, cacheSize int) *Analyzer {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, Analysis](cacheSize)
	return &Analyzer{llm: llm, cache: cache}
}

// Analyze classifies query, consulting the LRU cache first, then the LLM
// path if configured, falling back to pattern rules.
func (a *Analyzer) Analyze(ctx context.Context, query string) Analysis {
	key := normalize(query)
	if key == "" {
		return Analysis{Type: ComplexSearch, Complexity: Simple, Confidence: 1.0}
	}

	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	if a.llm != nil {
		if analysis, ok := a.llmAnalyze(ctx, query); ok {
			a.cache.Add(key, analysis)
			return analysis
		}
	}

	analysis := patternAnalyze(query)
	a.cache.Add(key, analysis)
	return analysis
}

// RecommendStrategy maps an Analysis onto a SearchStrategy per the default
// strategy table; low-confidence analyses always fall back to Hybrid.
func RecommendStrategy(a Analysis) SearchStrategy {
	if a.Confidence < lowConfidenceFloor {
		return StrategyHybrid
	}

	switch a.Type {
	case SimpleKeyword:
		if len(a.Keywords) <= 1 {
			return StrategyDirectVector
		}
		return StrategyKeywordOnly
	case NaturalQuestion:
		return StrategyHybrid
	case ComparisonQuery:
		return StrategyMultiQuery
	case TemporalQuery:
		return StrategyTwoStage
	case MultiHopQuery:
		return StrategySelfRAG
	default:
		return StrategyHybrid
	}
}

func normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func patternAnalyze(query string) Analysis {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	tokens := strings.Fields(lower)

	qt := classify(lower, tokens)
	complexity := complexityOf(tokens, lower)

	return Analysis{
		Type:              qt,
		Complexity:        complexity,
		Specificity:       specificityOf(tokens),
		Keywords:          tokens,
		Language:          "en",
		ReasoningRequired: qt == MultiHopQuery || qt == ComplexSearch,
		MultiHop:          qt == MultiHopQuery,
		EstimatedTimeMS:   estimatedTimeMS(complexity),
		Confidence:        0.75,
	}
}

func classify(lower string, tokens []string) QueryType {
	if len(tokens) <= 2 {
		return SimpleKeyword
	}
	if containsAny(tokens, whWords) {
		return NaturalQuestion
	}
	if containsSubstringAny(lower, comparativeCues) {
		return ComparisonQuery
	}
	if containsSubstringAny(lower, temporalCues) {
		return TemporalQuery
	}
	if isMultiHop(lower, tokens) {
		return MultiHopQuery
	}
	return ComplexSearch
}

func isMultiHop(lower string, tokens []string) bool {
	clauses := strings.Count(lower, ",") + strings.Count(lower, " and ") + strings.Count(lower, ";")
	return clauses >= 1 && containsAny(tokens, corefCues)
}

func complexityOf(tokens []string, lower string) Complexity {
	clauseCount := strings.Count(lower, ",") + strings.Count(lower, " and ") + 1
	entityCount := len(capitalizedWords(lower))

	score := len(tokens) + clauseCount*2 + entityCount
	switch {
	case score <= 3:
		return Simple
	case score <= 8:
		return Moderate
	case score <= 15:
		return Complex
	default:
		return VeryComplex
	}
}

func specificityOf(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}
	return float64(len(unique)) / float64(len(tokens))
}

func estimatedTimeMS(c Complexity) int {
	switch c {
	case Simple:
		return 50
	case Moderate:
		return 150
	case Complex:
		return 400
	default:
		return 900
	}
}

func capitalizedWords(lower string) []string {
	// lower is already lowercased upstream; this is a placeholder count
	// based on token length as a cheap proxy when casing information has
	// been discarded by normalization.
	var words []string
	for _, w := range strings.Fields(lower) {
		if len(w) > 6 {
			words = append(words, w)
		}
	}
	return words
}

func containsAny(tokens []string, set []string) bool {
	lookup := make(map[string]struct{}, len(set))
	for _, s := range set {
		lookup[s] = struct{}{}
	}
	for _, t := range tokens {
		if _, ok := lookup[strings.Trim(t, "?.,!")]; ok {
			return true
		}
	}
	return false
}

func containsSubstringAny(text string, substrs []string) bool {
	for _, s := range substrs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

const analysisPrompt = `Classify this search query. Respond as JSON with keys:
"type" (one of simple_keyword, natural_question, comparison_query, temporal_query, multi_hop_query, complex_search),
"intent" (short phrase), "entities" (array of strings), "concepts" (array of strings), "confidence" (0-1 float).

Query: %s

Respond with only the JSON object.`

type llmAnalysis struct {
	Type       string   `json:"type"`
	Intent     string   `json:"intent"`
	Entities   []string `json:"entities"`
	Concepts   []string `json:"concepts"`
	Confidence float64  `json:"confidence"`
}

func (a *Analyzer) llmAnalyze(ctx context.Context, query string) (Analysis, bool) {
	prompt := fmt.Sprintf(analysisPrompt, query)
	raw, err := a.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		return Analysis{}, false
	}

	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Analysis{}, false
	}

	qt := QueryType(parsed.Type)
	switch qt {
	case SimpleKeyword, NaturalQuestion, ComparisonQuery, TemporalQuery, MultiHopQuery, ComplexSearch:
	default:
		qt = ComplexSearch
	}

	tokens := strings.Fields(strings.ToLower(query))
	return Analysis{
		Type:              qt,
		Complexity:        complexityOf(tokens, strings.ToLower(query)),
		Specificity:       specificityOf(tokens),
		Entities:          parsed.Entities,
		Concepts:          parsed.Concepts,
		Keywords:          tokens,
		Intent:            parsed.Intent,
		Language:          "en",
		ReasoningRequired: qt == MultiHopQuery || qt == ComplexSearch,
		MultiHop:          qt == MultiHopQuery,
		EstimatedTimeMS:   estimatedTimeMS(complexityOf(tokens, strings.ToLower(query))),
		Confidence:        parsed.Confidence,
	}, true
}
