// Package enrich derives ChunkMetadata, ChunkRelationship, and
// ChunkQuality from chunk content, falling back from an optional LLM
// path to local heuristics on any provider failure.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ragcore/ragcore/internal/model"
	"github.com/ragcore/ragcore/internal/provider"
)

// Config parameterizes enrichment.
type Config struct {
	// RelationshipFloor is the minimum cosine similarity for a Semantic
	// relationship to be recorded between two chunks.
	RelationshipFloor float64

	// TopKeywords bounds the TF-IDF fallback's keyword count.
	TopKeywords int

	// QualityWeights holds weights for ChunkQuality.Aggregate's
	// sub-dimensions. The Enricher carries them but does not read them.
	QualityWeights map[string]float64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		RelationshipFloor: 0.7,
		TopKeywords:       8,
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

// Confidence marks how an enrichment result was produced.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Result pairs derived metadata with a confidence marker, so callers can
// distinguish an LLM-backed enrichment from the degraded fallback.
type Result struct {
	Metadata   model.ChunkMetadata
	Confidence Confidence
}

// Enricher derives chunk metadata, relationships, and quality scores. It
// tries an LLM-backed structured extraction first and falls back to local
// heuristics (TF-IDF keywords, regex entity recognition, text metrics) on
// any provider failure, matching a try-then-fall-back chain throughout.
type Enricher struct {
	cfg   Config
	llm   provider.TextCompletionService // nil disables the LLM path
	idf   *idfCorpus
}

// New builds an Enricher. llm may be nil to use only local heuristics.
func New(cfg Config, llm provider.TextCompletionService) *Enricher {
	return &Enricher{cfg: cfg, llm: llm, idf: newIDFCorpus()}
}

// Observe feeds a chunk's text into the background document-frequency
// corpus used by the TF-IDF fallback keyword extractor. Call this for
// every chunk in a document before calling Enrich on any of them, so
// document frequencies reflect the whole corpus rather than one chunk.
func (e *Enricher) Observe(text string) {
	e.idf.observe(tokenizeWords(text))
}

// Enrich derives ChunkMetadata for a chunk given its text and its
// immediate neighbors' text (empty string if absent).
func (e *Enricher) Enrich(ctx context.Context, content, prevText, nextText string, docMeta map[string]string) Result {
	meta := localTextMetrics(content)
	meta.PrecedingSnippet = snippet(prevText, 80)
	meta.FollowingSnippet = snippet(nextText, 80)

	if e.llm != nil {
		if structured, ok := e.llmExtract(ctx, content); ok {
			meta.Keywords = structured.Keywords
			meta.Entities = structured.Entities
			meta.Topics = structured.Topics
			return Result{Metadata: meta, Confidence: ConfidenceHigh}
		}
	}

	meta.Keywords = e.idf.topKeywords(content, e.cfg.TopKeywords)
	meta.Entities = heuristicEntities(content)
	meta.SearchableTerms = dedupeAppend(meta.Keywords, meta.Entities)
	return Result{Metadata: meta, Confidence: ConfidenceLow}
}

// EnrichBatch enriches every chunk in order, continuing past individual
// failures (an LLM path falling back to heuristics is not itself a batch
// failure — this loop only guards against an Enrich call panicking on
// malformed input, mirroring the teacher's continue-past-failure shape).
func (e *Enricher) EnrichBatch(ctx context.Context, texts []string, docMeta map[string]string) []Result {
	results := make([]Result, len(texts))
	for i, text := range texts {
		var prev, next string
		if i > 0 {
			prev = texts[i-1]
		}
		if i < len(texts)-1 {
			next = texts[i+1]
		}
		results[i] = e.safeEnrich(ctx, text, prev, next, docMeta)
	}
	return results
}

func (e *Enricher) safeEnrich(ctx context.Context, content, prev, next string, docMeta map[string]string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Metadata:   model.ChunkMetadata{},
				Confidence: ConfidenceLow,
			}
		}
	}()
	return e.Enrich(ctx, content, prev, next, docMeta)
}

type structuredExtraction struct {
	Keywords []string `json:"keywords"`
	Entities []string `json:"entities"`
	Topics   []string `json:"topics"`
}

const extractionPrompt = `Extract keywords, named entities, and topics from the following text as JSON with keys "keywords", "entities", "topics" (each a short array of strings).

Text:
%s

Respond with only the JSON object.`

func (e *Enricher) llmExtract(ctx context.Context, content string) (structuredExtraction, bool) {
	var out structuredExtraction
	prompt := fmt.Sprintf(extractionPrompt, truncate(content, 1500))
	raw, err := e.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		return structuredExtraction{}, false
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return structuredExtraction{}, false
	}
	return out, true
}

// AnalyzeRelationships derives relationships from source to each
// candidate, using cosine similarity over embeddings (thresholded at
// RelationshipFloor) for Semantic edges, adjacency for Sequential, and
// matching document id plus nested section level for Hierarchical.
func (e *Enricher) AnalyzeRelationships(source *model.Chunk, candidates []*model.Chunk) []model.ChunkRelationship {
	var rels []model.ChunkRelationship

	for _, cand := range candidates {
		if cand.ID == source.ID {
			continue
		}

		if cand.Position == source.Position+1 || cand.Position == source.Position-1 {
			rels = append(rels, model.ChunkRelationship{
				FromChunkID: source.ID, ToChunkID: cand.ID,
				Type: model.RelationshipSequential, Strength: 1.0,
			})
		}

		if cand.DocumentID == source.DocumentID &&
			cand.Metadata.SectionLevel > source.Metadata.SectionLevel {
			rels = append(rels, model.ChunkRelationship{
				FromChunkID: source.ID, ToChunkID: cand.ID,
				Type: model.RelationshipHierarchical, Strength: 1.0,
			})
		}

		if source.Embedding != nil && cand.Embedding != nil {
			sim := cosineSimilarity(source.Embedding.Values, cand.Embedding.Values)
			if sim >= e.cfg.RelationshipFloor {
				rels = append(rels, model.ChunkRelationship{
					FromChunkID: source.ID, ToChunkID: cand.ID,
					Type: model.RelationshipSemantic, Strength: sim,
				})
			}
		}
	}

	return rels
}

// EvaluateQuality scores a chunk's sub-dimensions. When the LLM is
// unavailable, authority and coherence default to a mid-range heuristic
// derived from text metrics rather than an LLM judgment.
func (e *Enricher) EvaluateQuality(ctx context.Context, chunk *model.Chunk, query string) model.ChunkQuality {
	q := chunk.Quality

	q.Completeness = completenessHeuristic(chunk.Text)
	q.InformationDensity = informationDensityHeuristic(chunk.Text)

	if e.llm != nil {
		var judged struct {
			Authority float64 `json:"authority"`
			Coherence float64 `json:"coherence"`
		}
		prompt := fmt.Sprintf("Rate authority and coherence of this text on a 0-1 scale as JSON {\"authority\":x,\"coherence\":y}.\n\n%s", truncate(chunk.Text, 1500))
		raw, err := e.llm.CompleteJSON(ctx, prompt)
		if err == nil && json.Unmarshal([]byte(raw), &judged) == nil {
			q.Authority = clamp01(judged.Authority)
			q.Coherence = clamp01(judged.Coherence)
			return q
		}
	}

	q.Authority = 0.5
	q.Coherence = coherenceHeuristic(chunk.Text)
	return q
}

// FallbackMetadata returns the minimal metadata object used when
// enrichment cannot run at all (e.g. empty content).
func FallbackMetadata() (model.ChunkMetadata, model.ChunkQuality, Confidence) {
	return model.ChunkMetadata{}, model.ChunkQuality{
		Completeness:       0.1,
		InformationDensity: 0.1,
		Coherence:          0.1,
	}, ConfidenceLow
}

func localTextMetrics(content string) model.ChunkMetadata {
	words := tokenizeWords(content)
	sentences := splitSentences(content)

	return model.ChunkMetadata{
		CharCount:     len(content),
		TokenEstimate: estimateTokens(content),
		SentenceCount: len(sentences),
		Readability:   readabilityScore(words, sentences),
		ContentType:   guessContentType(content),
	}
}

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

func tokenizeWords(text string) []string {
	return wordRegex.FindAllString(strings.ToLower(text), -1)
}

func estimateTokens(content string) int {
	// Rough approximation: one token per four characters, the common rule
	// of thumb for English text under BPE-style tokenizers.
	return (len(content) + 3) / 4
}

var sentenceSplitRegex = regexp.MustCompile(`[.!?]+(\s|$)`)

func splitSentences(content string) []string {
	parts := sentenceSplitRegex.Split(strings.TrimSpace(content), -1)
	var sentences []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

func readabilityScore(words []string, sentences []string) float64 {
	if len(sentences) == 0 || len(words) == 0 {
		return 0
	}
	avgWordsPerSentence := float64(len(words)) / float64(len(sentences))
	// Higher average sentence length lowers readability; normalized into
	// [0,1] with a soft cap around 40 words/sentence.
	score := 1.0 - (avgWordsPerSentence / 40.0)
	return clamp01(score)
}

func guessContentType(content string) model.ContentType {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "#") || strings.Contains(trimmed, "\n## ") || strings.Contains(trimmed, "\n```") {
		return model.ContentTypeMarkdown
	}
	codeMarkers := []string{"func ", "class ", "def ", "import ", "package ", "{\n", "};"}
	for _, m := range codeMarkers {
		if strings.Contains(content, m) {
			return model.ContentTypeCode
		}
	}
	return model.ContentTypeText
}

func snippet(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}

var capitalizedWordRegex = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]+(?:\s[A-Z][a-zA-Z0-9]+)*\b`)

// heuristicEntities extracts candidate named entities as runs of
// capitalized words, the common regex-based fallback when no NER model is
// available.
func heuristicEntities(content string) []string {
	matches := capitalizedWordRegex.FindAllString(content, -1)
	seen := make(map[string]struct{})
	var entities []string
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		entities = append(entities, m)
	}
	sort.Strings(entities)
	return entities
}

func completenessHeuristic(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	last := rune(trimmed[len(trimmed)-1])
	if unicode.IsPunct(last) {
		return 0.9
	}
	return 0.6
}

func informationDensityHeuristic(text string) float64 {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return clamp01(float64(len(unique)) / float64(len(words)))
}

func coherenceHeuristic(text string) float64 {
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return 0.5
	}
	return 0.6
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

func dedupeAppend(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func truncate(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "\n... [truncated]"
}
