// Package sparseindex provides BM25 Okapi keyword search over chunk text,
// built on bleve with a registered custom analyzer. Determinism: for a
// fixed corpus and query, Search's output order is fully determined by
// score descending, then id ascending.
package sparseindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/ragcore/ragcore/internal/errs"
)

const (
	analyzerName    = "ragcore_analyzer"
	tokenizerName   = "ragcore_tokenizer"
	stopFilterName  = "ragcore_stop"
	contentField    = "content"
)

func init() {
	_ = registry.RegisterTokenizer(tokenizerName, tokenizerConstructor)
	_ = registry.RegisterTokenFilter(stopFilterName, stopFilterConstructor)
}

// Config parameterizes BM25 scoring and tokenization.
//
// K1 and B are recorded but not currently wired into scoring: bleve's
// scorch scorer computes BM25 with its own fixed k1/b internally and does
// not expose a hook to override them without replacing the scorer, so
// these fields document the conventional values this index approximates
// rather than parameters it applies. A custom similarity would require
// vendoring or forking bleve's scorch segment scorer.
type Config struct {
	// K1 is the term frequency saturation parameter (default 1.2).
	K1 float64

	// B is the length normalization parameter (default 0.75).
	B float64

	// StopWords is recorded with the configuration but not applied: the
	// registered stop filter always removes DefaultStopWords, whatever
	// this field holds.
	StopWords []string
}

// DefaultConfig returns BM25's conventional defaults.
func DefaultConfig() Config {
	return Config{K1: 1.2, B: 0.75, StopWords: DefaultStopWords}
}

// Match is a single keyword search result.
type Match struct {
	ID           string
	Score        float64
	MatchedTerms []string
}

// Stats reports index occupancy.
type Stats struct {
	DocumentCount int
}

// Index is a BM25 keyword index over chunk text, backed by bleve.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	config Config
	closed bool
}

// New creates a BM25 index. If path is empty, an in-memory index is used.
func New(path string, cfg Config) (*Index, error) {
	indexMapping, err := buildMapping()
	if err != nil {
		return nil, fmt.Errorf("build index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, mkErr)
			}
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create/open index: %w", err)
	}

	return &Index{index: idx, path: path, config: cfg}, nil
}

func buildMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": tokenizerName,
		"token_filters": []string{
			lowercase.Name,
			stopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = analyzerName
	return indexMapping, nil
}

type docBody struct {
	Content string `json:"content"`
}

// Put indexes or re-indexes a single chunk's text.
func (i *Index) Put(ctx context.Context, chunkID, text string) error {
	return i.PutBatch(ctx, map[string]string{chunkID: text})
}

// PutBatch indexes or re-indexes multiple chunks in a single bleve batch.
func (i *Index) PutBatch(ctx context.Context, texts map[string]string) error {
	if len(texts) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return errs.InternalError("sparse index is closed", nil)
	}

	batch := i.index.NewBatch()
	for id, text := range texts {
		if err := batch.Index(id, docBody{Content: text}); err != nil {
			return fmt.Errorf("index chunk %s: %w", id, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	return nil
}

// Remove deletes chunks from the index by id.
func (i *Index) Remove(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return errs.InternalError("sparse index is closed", nil)
	}

	batch := i.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// Search returns up to k matches ordered by score descending, then id
// ascending.
func (i *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return nil, errs.InternalError("sparse index is closed", nil)
	}
	if strings.TrimSpace(query) == "" {
		return []Match{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField(contentField)

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k
	req.IncludeLocations = true

	result, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	matches := make([]Match, 0, len(result.Hits))
	for _, hit := range result.Hits {
		matches = append(matches, Match{
			ID:           hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].ID < matches[b].ID
	})

	return matches, nil
}

func matchedTerms(hit *search.DocumentMatch) []string {
	seen := make(map[string]struct{})
	for field, locations := range hit.Locations {
		if field != contentField {
			continue
		}
		for term := range locations {
			seen[term] = struct{}{}
		}
	}
	terms := make([]string, 0, len(seen))
	for t := range seen {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

// AllIDs returns every document id in the index, for cross-store
// consistency checks against the vector store and repository.
func (i *Index) AllIDs() ([]string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return nil, errs.InternalError("sparse index is closed", nil)
	}

	docCount, _ := i.index.DocCount()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search for all ids: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for idx, hit := range result.Hits {
		ids[idx] = hit.ID
	}
	return ids, nil
}

// Stats reports index occupancy.
func (i *Index) Stats() Stats {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return Stats{}
	}
	docCount, _ := i.index.DocCount()
	return Stats{DocumentCount: int(docCount)}
}

// Close releases the underlying bleve index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	if i.index != nil {
		return i.index.Close()
	}
	return nil
}

func tokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &wordBoundaryTokenizer{}, nil
}

// wordBoundaryTokenizer implements analysis.Tokenizer using Tokenize's
// Unicode word-boundary rule.
type wordBoundaryTokenizer struct{}

func (t *wordBoundaryTokenizer) Tokenize(input []byte) analysis.TokenStream {
	locs := tokenRegex.FindAllIndex(input, -1)
	result := make(analysis.TokenStream, 0, len(locs))
	for i, loc := range locs {
		result = append(result, &analysis.Token{
			Term:     []byte(strings.ToLower(string(input[loc[0]:loc[1]]))),
			Start:    loc[0],
			End:      loc[1],
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return result
}

func stopFilterConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &stopWordFilter{stopWords: buildStopWordMap(DefaultStopWords)}, nil
}

// stopWordFilter implements analysis.TokenFilter, dropping English
// stopwords from the token stream.
type stopWordFilter struct {
	stopWords map[string]struct{}
}

func (f *stopWordFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, stop := f.stopWords[strings.ToLower(string(token.Term))]; stop {
			continue
		}
		result = append(result, token)
	}
	return result
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
