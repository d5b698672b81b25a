// Package transform rewrites a query into alternative forms — a
// hypothetical answer document (HyDE), expanded/related queries (QuOTE),
// sub-queries (decomposition), and an intent classification. The HyDE
// document is scored for quality and discarded below a configurable floor
// so the caller can fall back to the original query.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ragcore/ragcore/internal/provider"
)

// Config parameterizes quality floors and per-call timeouts.
type Config struct {
	QualityFloor float64
	Timeout      time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{QualityFloor: 0.5, Timeout: 3 * time.Second}
}

// ErrTimeout is returned when a transformation exceeds its deadline.
type ErrTimeout struct{ Op string }

func (e ErrTimeout) Error() string { return fmt.Sprintf("transform: %s exceeded deadline", e.Op) }

// ErrBelowQualityFloor is returned when a transformation's self-reported
// quality falls below Config.QualityFloor; callers should use the
// original query instead.
type ErrBelowQualityFloor struct {
	Op    string
	Score float64
}

func (e ErrBelowQualityFloor) Error() string {
	return fmt.Sprintf("transform: %s quality %.2f below floor", e.Op, e.Score)
}

// HyDEResult is a hypothetical-document expansion.
type HyDEResult struct {
	HypotheticalDocument string
	QualityScore         float64
	TokensUsed           int
	GenerationMS          int64
}

// QuOTEResult is a query/term expansion.
type QuOTEResult struct {
	ExpandedQueries  []string
	RelatedQuestions []string
	QueryWeights     map[string]float64
}

// SubQueryType classifies the relationship of a decomposed sub-query to
// the whole.
type SubQueryType string

const (
	SubQueryIndependent SubQueryType = "independent"
	SubQueryDependent   SubQueryType = "dependent"
)

// Relationship classifies how a set of sub-queries relate to each other.
type Relationship string

const (
	RelationshipIndependent  Relationship = "independent"
	RelationshipSequential   Relationship = "sequential"
	RelationshipConjunction  Relationship = "conjunction"
	RelationshipDisjunction  Relationship = "disjunction"
	RelationshipHierarchical Relationship = "hierarchical"
)

// SubQuery is one decomposed fragment of a query.
type SubQuery struct {
	Text       string
	Importance float64
	Type       SubQueryType
}

// DecomposeResult is a full decomposition.
type DecomposeResult struct {
	SubQueries   []SubQuery
	Relationship Relationship
}

// IntentResult is an intent classification.
type IntentResult struct {
	PrimaryIntent        string
	SecondaryIntents     []string
	ConfidenceByIntent   map[string]float64
	Domain               string
	Complexity           int
}

// Transformer applies query transformations, calling a TextCompletionService
// when configured. QuOTE falls back to pattern rules on a provider error or
// an unparseable reply; HyDE and Intent return the error. A timeout yields
// ErrTimeout, and a HyDE quality score below Config.QualityFloor yields
// ErrBelowQualityFloor.
type Transformer struct {
	llm provider.TextCompletionService // nil disables all LLM-backed transforms
	cfg Config
}

// New builds a Transformer. llm may be nil; without one, HyDE returns
// ErrBelowQualityFloor, QuOTE uses pattern rules, and Intent returns an
// "unknown" intent with zero confidence. Decompose never uses the LLM.
func New(llm provider.TextCompletionService, cfg Config) *Transformer {
	return &Transformer{llm: llm, cfg: cfg}
}

func (t *Transformer) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.cfg.Timeout)
}

const hydePrompt = `Write a short hypothetical passage (2-4 sentences) that would directly answer this query, as if it were extracted from an authoritative document. Then rate your own output's likely usefulness for retrieval on a 0-1 scale.

Query: %s

Respond as JSON: {"document": "...", "quality": 0.0}`

// HyDE generates a hypothetical answer document for query.
func (t *Transformer) HyDE(ctx context.Context, query string) (HyDEResult, error) {
	if t.llm == nil {
		return HyDEResult{}, ErrBelowQualityFloor{Op: "hyde", Score: 0}
	}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	prompt := fmt.Sprintf(hydePrompt, query)
	raw, err := t.llm.CompleteJSON(ctx, prompt)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return HyDEResult{}, ErrTimeout{Op: "hyde"}
		}
		return HyDEResult{}, err
	}

	var parsed struct {
		Document string  `json:"document"`
		Quality  float64 `json:"quality"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return HyDEResult{}, fmt.Errorf("parse hyde response: %w", err)
	}
	if parsed.Quality < t.cfg.QualityFloor {
		return HyDEResult{}, ErrBelowQualityFloor{Op: "hyde", Score: parsed.Quality}
	}

	return HyDEResult{
		HypotheticalDocument: parsed.Document,
		QualityScore:         parsed.Quality,
		TokensUsed:           t.llm.CountTokens(parsed.Document),
		GenerationMS:         elapsed.Milliseconds(),
	}, nil
}

const quotePrompt = `Generate search query variants for this query: expanded queries (rephrasings) and related questions a user might ask next. Weight each expanded query by estimated relevance (0-1).

Query: %s

Respond as JSON: {"expanded_queries": ["..."], "related_questions": ["..."], "weights": {"query text": 0.0}}`

// QuOTE expands a query into alternative phrasings and related questions.
// Falls back to the local synonym-free related-question heuristic when no
// LLM is configured.
func (t *Transformer) QuOTE(ctx context.Context, query string) (QuOTEResult, error) {
	if t.llm == nil {
		return patternQuOTE(query), nil
	}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	prompt := fmt.Sprintf(quotePrompt, query)
	raw, err := t.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return QuOTEResult{}, ErrTimeout{Op: "quote"}
		}
		return patternQuOTE(query), nil
	}

	var parsed struct {
		ExpandedQueries  []string           `json:"expanded_queries"`
		RelatedQuestions []string           `json:"related_questions"`
		Weights          map[string]float64 `json:"weights"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return patternQuOTE(query), nil
	}

	return QuOTEResult{
		ExpandedQueries:  parsed.ExpandedQueries,
		RelatedQuestions: parsed.RelatedQuestions,
		QueryWeights:     parsed.Weights,
	}, nil
}

func patternQuOTE(query string) QuOTEResult {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return QuOTEResult{}
	}
	return QuOTEResult{
		ExpandedQueries:  []string{trimmed},
		RelatedQuestions: []string{"what is " + trimmed, "how does " + trimmed + " work"},
		QueryWeights:     map[string]float64{trimmed: 1.0},
	}
}

var (
	whClauseRegex     = regexp.MustCompile(`(?i)^(what|who|where|when|why|how|which)\s+(.+)$`)
	conjunctionRegex  = regexp.MustCompile(`(?i)\s+(and|or)\s+`)
	dependentCueRegex = regexp.MustCompile(`(?i)\b(then|after that|once|before)\b`)
)

// Decompose splits a query into sub-queries using generic wh-clause and
// conjunction patterns. It never calls an LLM: decomposition structure is
// derived from syntax, not semantics, so pattern rules are sufficient and
// deterministic.
func (t *Transformer) Decompose(query string) DecomposeResult {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return DecomposeResult{Relationship: RelationshipIndependent}
	}

	if dependentCueRegex.MatchString(trimmed) {
		parts := dependentCueRegex.Split(trimmed, -1)
		return DecomposeResult{
			SubQueries:   subQueriesFrom(parts, SubQueryDependent),
			Relationship: RelationshipSequential,
		}
	}

	if conjunctionRegex.MatchString(trimmed) {
		parts := conjunctionRegex.Split(trimmed, -1)
		rel := RelationshipConjunction
		if strings.Contains(strings.ToLower(trimmed), " or ") {
			rel = RelationshipDisjunction
		}
		return DecomposeResult{
			SubQueries:   subQueriesFrom(parts, SubQueryIndependent),
			Relationship: rel,
		}
	}

	if match := whClauseRegex.FindStringSubmatch(trimmed); match != nil {
		return DecomposeResult{
			SubQueries:   []SubQuery{{Text: trimmed, Importance: 1.0, Type: SubQueryIndependent}},
			Relationship: RelationshipIndependent,
		}
	}

	return DecomposeResult{
		SubQueries:   []SubQuery{{Text: trimmed, Importance: 1.0, Type: SubQueryIndependent}},
		Relationship: RelationshipIndependent,
	}
}

func subQueriesFrom(parts []string, typ SubQueryType) []SubQuery {
	var subs []SubQuery
	n := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n++
	}
	if n == 0 {
		return nil
	}
	weight := 1.0 / float64(n)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		subs = append(subs, SubQuery{Text: p, Importance: weight, Type: typ})
	}
	return subs
}

const intentPrompt = `Classify the intent of this search query. Respond as JSON: {"primary_intent":"...","secondary_intents":["..."],"confidence":{"intent":0.0},"domain":"...","complexity":1}

Query: %s`

// Intent classifies a query's primary and secondary intents. Requires an
// LLM; returns an empty IntentResult with a low-confidence marker when
// none is configured.
func (t *Transformer) Intent(ctx context.Context, query string) (IntentResult, error) {
	if t.llm == nil {
		return IntentResult{PrimaryIntent: "unknown", ConfidenceByIntent: map[string]float64{"unknown": 0}}, nil
	}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	prompt := fmt.Sprintf(intentPrompt, query)
	raw, err := t.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return IntentResult{}, ErrTimeout{Op: "intent"}
		}
		return IntentResult{}, err
	}

	var parsed struct {
		PrimaryIntent    string             `json:"primary_intent"`
		SecondaryIntents []string           `json:"secondary_intents"`
		Confidence       map[string]float64 `json:"confidence"`
		Domain           string             `json:"domain"`
		Complexity       int                `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return IntentResult{}, fmt.Errorf("parse intent response: %w", err)
	}

	return IntentResult{
		PrimaryIntent:      parsed.PrimaryIntent,
		SecondaryIntents:   parsed.SecondaryIntents,
		ConfidenceByIntent: parsed.Confidence,
		Domain:             parsed.Domain,
		Complexity:         parsed.Complexity,
	}, nil
}
